package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults_AreValid(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidate_RequiresCommand(t *testing.T) {
	cfg := Defaults()
	cfg.CLI.Command = ""
	require.ErrorContains(t, Validate(cfg), "cli.command")
}

func TestValidate_PoolBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Pool.MaxInstances = 0
	require.ErrorContains(t, Validate(cfg), "pool.max_instances")

	cfg = Defaults()
	cfg.Pool.MaxMessagesPerInstance = 0
	require.ErrorContains(t, Validate(cfg), "pool.max_messages_per_instance")

	cfg = Defaults()
	cfg.Pool.IdleTimeout = 0
	require.ErrorContains(t, Validate(cfg), "pool.idle_timeout")
}

func TestValidate_TimeoutCapOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.Dispatch.PerCallTimeout = 10 * time.Minute
	cfg.Dispatch.MaxCallTimeout = 5 * time.Minute
	require.ErrorContains(t, Validate(cfg), "max_call_timeout")
}

func TestValidate_SessionTTLBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Sessions.DefaultTTL = time.Minute // below min_ttl
	require.ErrorContains(t, Validate(cfg), "sessions.default_ttl")

	cfg = Defaults()
	cfg.Sessions.MaxTTL = time.Minute
	require.ErrorContains(t, Validate(cfg), "sessions.max_ttl")

	cfg = Defaults()
	cfg.Sessions.ContextCap = 1
	require.ErrorContains(t, Validate(cfg), "sessions.context_cap")
}

func TestValidate_ShutdownOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.Shutdown.Grace = time.Minute
	cfg.Shutdown.HardTimeout = 10 * time.Second
	require.ErrorContains(t, Validate(cfg), "shutdown.hard_timeout")
}

func TestValidateTracing_SampleRate(t *testing.T) {
	err := ValidateTracing(TracingConfig{SampleRate: 1.5})
	require.ErrorContains(t, err, "sample_rate")

	err = ValidateTracing(TracingConfig{SampleRate: -0.1})
	require.ErrorContains(t, err, "sample_rate")
}

func TestValidateTracing_Exporter(t *testing.T) {
	err := ValidateTracing(TracingConfig{Exporter: "jaeger", SampleRate: 1.0})
	require.ErrorContains(t, err, "exporter")

	for _, exporter := range []string{"", "none", "stdout"} {
		require.NoError(t, ValidateTracing(TracingConfig{Exporter: exporter, SampleRate: 1.0}))
	}
}

func TestValidateTracing_EnabledRequiresTarget(t *testing.T) {
	err := ValidateTracing(TracingConfig{Enabled: true, Exporter: "file", SampleRate: 1.0})
	require.ErrorContains(t, err, "file_path")

	err = ValidateTracing(TracingConfig{Enabled: true, Exporter: "otlp", SampleRate: 1.0})
	require.ErrorContains(t, err, "otlp_endpoint")
}

func TestDefaultConfigTemplate_ParsesAndMatchesDefaults(t *testing.T) {
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(DefaultConfigTemplate()), &raw))

	pool, ok := raw["pool"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 4, pool["max_instances"])
	require.Equal(t, 50, pool["max_messages_per_instance"])

	dispatch, ok := raw["dispatch"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 100, dispatch["queue_max"])
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "relay.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "max_instances: 4")
}

func TestSaveCLI_PreservesOtherSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	cli := CLIConfig{
		Command:      "codex",
		Args:         []string{"--json"},
		HistoryPairs: 2,
	}
	require.NoError(t, SaveCLI(path, cli))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "command: codex")
	require.Contains(t, content, "--json")
	// Sections outside cli survive the rewrite, comments included
	require.Contains(t, content, "max_instances: 4")
	require.Contains(t, content, "# Instance pool bounds")
}

func TestSaveCLI_NewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")

	require.NoError(t, SaveCLI(path, CLIConfig{Command: "claude", HistoryPairs: 4}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "command: claude")
}
