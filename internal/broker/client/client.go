// Package client provides the child-process adapter for the wrapped CLI
// tool. Each call spawns the configured command, writes the prompt to
// stdin, and reads the reply from stdout.
package client

import (
	"context"
	"time"
)

// Result is the outcome of one CLI call.
type Result struct {
	// Reply is everything the tool wrote to stdout, trimmed.
	Reply string

	// Stderr holds diagnostic output. Captured regardless of outcome but
	// never treated as part of the reply.
	Stderr string

	// ExitCode is the child's exit status. -1 if the child never ran.
	ExitCode int

	// Duration is the wall-clock time of the call.
	Duration time.Duration
}

// Runner executes one prompt against the wrapped tool.
type Runner interface {
	Execute(ctx context.Context, prompt string) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, prompt string) (Result, error)

// Execute calls f.
func (f RunnerFunc) Execute(ctx context.Context, prompt string) (Result, error) {
	return f(ctx, prompt)
}
