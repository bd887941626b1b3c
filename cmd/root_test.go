package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/broker/dispatch"
	"github.com/zjrosen/relay/internal/config"
)

// resetConfig clears global viper and flag state between tests.
func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	prev := cfgFile
	t.Cleanup(func() {
		viper.Reset()
		cfgFile = prev
		cfg = config.Config{}
	})
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
	return dir
}

func TestInitConfig_CreatesDefaultFile(t *testing.T) {
	resetConfig(t)
	dir := chdirTemp(t)
	cfgFile = ""

	// Point the home lookup away from any real user config
	t.Setenv("HOME", dir)

	initConfig()

	_, err := os.Stat(filepath.Join(dir, ".relay", "config.yaml"))
	require.NoError(t, err, "default config file is created on first run")

	defaults := config.Defaults()
	require.Equal(t, defaults.Pool.MaxInstances, cfg.Pool.MaxInstances)
	require.Equal(t, defaults.CLI.Command, cfg.CLI.Command)
	require.Equal(t, defaults.RateLimit.Window, cfg.RateLimit.Window)
}

func TestInitConfig_ReadsExplicitFile(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"cli:\n  command: echo\npool:\n  max_instances: 2\n"), 0o600))
	cfgFile = path

	initConfig()

	require.Equal(t, "echo", cfg.CLI.Command)
	require.Equal(t, 2, cfg.Pool.MaxInstances)
	// Unset keys still come from defaults
	require.Equal(t, config.Defaults().Sessions.DefaultTTL, cfg.Sessions.DefaultTTL)
}

// testConfig returns a valid config rooted in a temp directory with a fast,
// real child command.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.Defaults()
	c.DBPath = filepath.Join(dir, "relay.db")
	c.LogFile = filepath.Join(dir, "relay.log")
	c.CLI.Command = "/bin/cat"
	c.Shutdown.Grace = 200 * time.Millisecond
	c.Shutdown.HardTimeout = 2 * time.Second
	return c
}

func TestBuildBroker_EndToEnd(t *testing.T) {
	c := testConfig(t)

	b, err := buildBroker(c)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.start(ctx))

	// Mint a credential and push one submission through the whole graph.
	// /bin/cat echoes the prompt back as the reply.
	cred, err := b.creds.Create(ctx, "test-secret", "e2e", "", nil, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, cred.ID)

	out, err := b.dispatcher.Submit(ctx, dispatch.Submission{
		Secret: "test-secret",
		ToolID: "cat",
		Prompt: "hello broker",
	})
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusCompleted, out.Status)
	require.Contains(t, out.Reply, "hello broker")

	cancel()
	require.NoError(t, b.coordinator(c).Run(context.Background()))
}

func TestBuildBroker_WatcherSkipsOwnWrites(t *testing.T) {
	c := testConfig(t)

	b, err := buildBroker(c)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.start(ctx))

	// Creating a credential stamps the database as recently written by us,
	// so a watcher pulse inside the window keeps the caches.
	_, err = b.creds.Create(ctx, "watch-secret", "watcher", "", nil, nil, nil)
	require.NoError(t, err)
	require.False(t, b.flushOnExternalChange(ctx),
		"changes right after our own write keep the caches")

	// With the window collapsed the same pulse counts as external.
	b.flushSuppress = 0
	require.True(t, b.flushOnExternalChange(ctx),
		"changes outside the window flush the credential cache")

	cancel()
	require.NoError(t, b.coordinator(c).Run(context.Background()))
}

func TestBuildBroker_BadDBPath(t *testing.T) {
	c := testConfig(t)
	c.DBPath = "/proc/relay/impossible/relay.db"

	_, err := buildBroker(c)
	require.Error(t, err)
}
