package client

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/zjrosen/relay/internal/fault"
	"github.com/zjrosen/relay/internal/log"
)

// CommandFactoryFunc creates an exec.Cmd for testing purposes.
// It receives the context, executable path, and arguments.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// SpawnBuilder provides a fluent API for spawning one-shot CLI processes.
// It consolidates the common spawn boilerplate (context setup, pipe
// creation, process start) so the runner stays focused on call policy.
type SpawnBuilder struct {
	ctx            context.Context
	timeout        time.Duration
	execPath       string
	args           []string
	workDir        string
	env            []string
	commandFactory CommandFactoryFunc
}

// NewSpawnBuilder creates a new SpawnBuilder with the given context.
func NewSpawnBuilder(ctx context.Context) *SpawnBuilder {
	return &SpawnBuilder{ctx: ctx}
}

// WithExecutable sets the executable path and arguments.
func (b *SpawnBuilder) WithExecutable(path string, args []string) *SpawnBuilder {
	b.execPath = path
	b.args = args
	return b
}

// WithWorkDir sets the working directory for the process.
func (b *SpawnBuilder) WithWorkDir(dir string) *SpawnBuilder {
	b.workDir = dir
	return b
}

// WithTimeout sets the process timeout. If d is 0 or negative,
// a cancel-only context is created instead of a timeout context.
func (b *SpawnBuilder) WithTimeout(d time.Duration) *SpawnBuilder {
	b.timeout = d
	return b
}

// WithEnv sets additional environment variables to append to os.Environ().
// Variables are in the format "KEY=VALUE".
func (b *SpawnBuilder) WithEnv(env []string) *SpawnBuilder {
	b.env = env
	return b
}

// WithCommandFactory sets a custom command factory for testing.
// This allows unit tests to mock exec.Command without spawning real processes.
func (b *SpawnBuilder) WithCommandFactory(fn CommandFactoryFunc) *SpawnBuilder {
	b.commandFactory = fn
	return b
}

// Process is a started one-shot child. Stdout and stderr accumulate into
// buffers; Wait returns once the child exits.
type Process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	ctx    context.Context
	stdin  io.WriteCloser
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// Build validates the configuration, creates the process, and starts it.
// On error, all created resources are cleaned up.
func (b *SpawnBuilder) Build() (*Process, error) {
	if b.execPath == "" {
		return nil, fault.New(fault.SpawnFailed, "executable path is required")
	}

	var procCtx context.Context
	var cancel context.CancelFunc
	if b.timeout > 0 {
		procCtx, cancel = context.WithTimeout(b.ctx, b.timeout)
	} else {
		procCtx, cancel = context.WithCancel(b.ctx)
	}

	var cmd *exec.Cmd
	if b.commandFactory != nil {
		cmd = b.commandFactory(procCtx, b.execPath, b.args...)
	} else {
		// #nosec G204 -- args are built from Config struct, not user input
		cmd = exec.CommandContext(procCtx, b.execPath, b.args...)
	}
	cmd.Dir = b.workDir
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}

	p := &Process{cmd: cmd, cancel: cancel, ctx: procCtx}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fault.Wrap(fault.BrokenIO, "failed to create stdin pipe", err)
	}
	p.stdin = stdin

	log.Debug(log.CatInstance, "spawning process",
		"execPath", b.execPath,
		"workDir", b.workDir)

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stdin.Close()
		return nil, fault.Wrap(fault.SpawnFailed, "failed to start process", err)
	}

	log.Debug(log.CatInstance, "process started", "pid", cmd.Process.Pid)

	return p, nil
}

// WritePrompt writes the prompt to the child's stdin and closes the pipe
// so the tool sees end of input.
func (p *Process) WritePrompt(prompt string) error {
	if _, err := io.WriteString(p.stdin, prompt); err != nil {
		_ = p.stdin.Close()
		return fault.Wrap(fault.BrokenIO, "failed to write prompt", err)
	}
	if err := p.stdin.Close(); err != nil {
		return fault.Wrap(fault.BrokenIO, "failed to close stdin", err)
	}
	return nil
}

// Wait blocks until the child exits and returns the raw wait error.
// The caller classifies the outcome; Wait only releases resources.
func (p *Process) Wait() error {
	defer p.cancel()
	return p.cmd.Wait()
}

// Kill force-terminates the child via context cancellation.
func (p *Process) Kill() {
	p.cancel()
}

// TimedOut reports whether the process context hit its deadline.
func (p *Process) TimedOut() bool {
	return p.ctx.Err() == context.DeadlineExceeded
}

// Stdout returns accumulated stdout. Call after Wait.
func (p *Process) Stdout() string { return p.stdout.String() }

// Stderr returns accumulated stderr. Call after Wait.
func (p *Process) Stderr() string { return p.stderr.String() }

// PID returns the OS process ID, or -1 if not running.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}
