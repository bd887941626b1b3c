package client

import (
	"context"
	"strings"
	"time"

	"github.com/zjrosen/relay/internal/fault"
	"github.com/zjrosen/relay/internal/log"
)

// configDirEnv overrides where the wrapped tool keeps its own state so
// broker children never share config with an interactive install.
const configDirEnv = "CLAUDE_CONFIG_DIR"

const (
	// DefaultCallTimeout bounds one CLI call when no timeout is configured.
	DefaultCallTimeout = 2 * time.Minute

	// MaxCallTimeout is the hard ceiling any configured timeout is clamped to.
	MaxCallTimeout = 5 * time.Minute
)

// Config describes how to launch the wrapped tool.
type Config struct {
	Command   string
	Args      []string
	Env       []string
	WorkDir   string
	ConfigDir string

	// Timeout is the per-call wall clock budget. Zero means
	// DefaultCallTimeout; values above MaxCallTimeout are clamped.
	Timeout time.Duration

	// CommandFactory overrides process creation in tests.
	CommandFactory CommandFactoryFunc
}

// ExecRunner launches the configured command once per Execute call.
type ExecRunner struct {
	cfg Config
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner creates a runner for the given launch configuration.
func NewExecRunner(cfg Config) *ExecRunner {
	return &ExecRunner{cfg: cfg}
}

// CallTimeout returns the effective per-call timeout after clamping.
func (r *ExecRunner) CallTimeout() time.Duration {
	return clampTimeout(r.cfg.Timeout)
}

func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultCallTimeout
	}
	if d > MaxCallTimeout {
		return MaxCallTimeout
	}
	return d
}

// Execute spawns the tool, feeds it the prompt on stdin, and waits for
// exit. Non-zero exit with usable stdout still succeeds; the reply is what
// matters, diagnostics stay on stderr.
func (r *ExecRunner) Execute(ctx context.Context, prompt string) (Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return Result{ExitCode: -1}, fault.New(fault.Validation, "prompt must not be empty")
	}

	env := r.cfg.Env
	if r.cfg.ConfigDir != "" {
		env = append(append([]string{}, env...), configDirEnv+"="+r.cfg.ConfigDir)
	}

	start := time.Now()
	proc, err := NewSpawnBuilder(ctx).
		WithExecutable(r.cfg.Command, r.cfg.Args).
		WithWorkDir(r.cfg.WorkDir).
		WithEnv(env).
		WithTimeout(clampTimeout(r.cfg.Timeout)).
		WithCommandFactory(r.cfg.CommandFactory).
		Build()
	if err != nil {
		return Result{ExitCode: -1, Duration: time.Since(start)}, err
	}

	if err := proc.WritePrompt(prompt); err != nil {
		proc.Kill()
		_ = proc.Wait()
		return Result{
			Stderr:   proc.Stderr(),
			ExitCode: -1,
			Duration: time.Since(start),
		}, err
	}

	waitErr := proc.Wait()
	res := Result{
		Reply:    strings.TrimSpace(proc.Stdout()),
		Stderr:   proc.Stderr(),
		ExitCode: exitCode(proc, waitErr),
		Duration: time.Since(start),
	}

	if proc.TimedOut() {
		log.Warn(log.CatInstance, "call timed out, child killed",
			"timeout", clampTimeout(r.cfg.Timeout), "pid", proc.PID())
		return res, fault.Newf(fault.CLITimeout, "call exceeded %s", clampTimeout(r.cfg.Timeout))
	}

	// A reply on stdout wins even when the exit code is non-zero. Tools
	// exit non-zero for recoverable warnings while still answering.
	if res.Reply != "" {
		if waitErr != nil {
			log.Debug(log.CatInstance, "non-zero exit with usable reply",
				"exitCode", res.ExitCode)
		}
		return res, nil
	}

	if waitErr != nil {
		return res, fault.Wrap(fault.CLIFailed, diagnostic("process failed", res.Stderr), waitErr)
	}
	return res, fault.New(fault.CLIFailed, diagnostic("process produced no output", res.Stderr))
}

func exitCode(proc *Process, waitErr error) int {
	if proc.cmd.ProcessState != nil {
		return proc.cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// diagnostic appends a trimmed stderr excerpt to a failure message.
func diagnostic(msg, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return msg
	}
	const max = 512
	if len(stderr) > max {
		stderr = stderr[:max]
	}
	return msg + ": " + stderr
}
