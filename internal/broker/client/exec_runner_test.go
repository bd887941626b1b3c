package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/fault"
)

func TestSpawnBuilder_Validation_MissingExecutable_ReturnsError(t *testing.T) {
	_, err := NewSpawnBuilder(context.Background()).Build()

	require.Error(t, err)
	require.Contains(t, err.Error(), "executable path is required")
}

func TestExecRunner_Execute_Success(t *testing.T) {
	runner := NewExecRunner(Config{Command: "/bin/cat"})

	res, err := runner.Execute(context.Background(), "hello tool\n")
	require.NoError(t, err)
	require.Equal(t, "hello tool", res.Reply)
	require.Equal(t, 0, res.ExitCode)
	require.Greater(t, res.Duration, time.Duration(0))
}

func TestExecRunner_Execute_EmptyPrompt(t *testing.T) {
	runner := NewExecRunner(Config{Command: "/bin/cat"})

	_, err := runner.Execute(context.Background(), "   \n")
	require.True(t, fault.Is(err, fault.Validation))
}

func TestExecRunner_Execute_SpawnFailure(t *testing.T) {
	runner := NewExecRunner(Config{Command: "/nonexistent/binary"})

	res, err := runner.Execute(context.Background(), "hello")
	require.True(t, fault.Is(err, fault.SpawnFailed))
	require.Equal(t, -1, res.ExitCode)
}

func TestExecRunner_Execute_Timeout(t *testing.T) {
	runner := NewExecRunner(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	})

	res, err := runner.Execute(context.Background(), "ignored")
	require.True(t, fault.Is(err, fault.CLITimeout))
	require.Less(t, res.Duration, 2*time.Second, "child is killed, not waited out")
}

func TestExecRunner_Execute_NonZeroExitWithReply(t *testing.T) {
	// A reply on stdout wins even when the tool exits non-zero
	runner := NewExecRunner(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "cat; echo warning >&2; exit 3"},
	})

	res, err := runner.Execute(context.Background(), "question")
	require.NoError(t, err)
	require.Equal(t, "question", res.Reply)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, res.Stderr, "warning")
}

func TestExecRunner_Execute_EmptyOutputFails(t *testing.T) {
	runner := NewExecRunner(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "cat > /dev/null"},
	})

	res, err := runner.Execute(context.Background(), "question")
	require.True(t, fault.Is(err, fault.CLIFailed))
	require.Equal(t, 0, res.ExitCode)
}

func TestExecRunner_Execute_FailureIncludesStderr(t *testing.T) {
	runner := NewExecRunner(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo boom >&2; exit 1"},
	})

	_, err := runner.Execute(context.Background(), "question")
	require.True(t, fault.Is(err, fault.CLIFailed))
	require.Contains(t, err.Error(), "boom")
}

func TestExecRunner_Execute_ConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	runner := NewExecRunner(Config{
		Command:   "/bin/sh",
		Args:      []string{"-c", "cat > /dev/null; printf '%s' \"$CLAUDE_CONFIG_DIR\""},
		ConfigDir: dir,
	})

	res, err := runner.Execute(context.Background(), "ignored")
	require.NoError(t, err)
	require.Equal(t, dir, res.Reply)
}

func TestExecRunner_CallTimeout_Clamping(t *testing.T) {
	require.Equal(t, DefaultCallTimeout, NewExecRunner(Config{}).CallTimeout())
	require.Equal(t, time.Minute, NewExecRunner(Config{Timeout: time.Minute}).CallTimeout())
	require.Equal(t, MaxCallTimeout, NewExecRunner(Config{Timeout: time.Hour}).CallTimeout())
}
