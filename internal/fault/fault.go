// Package fault defines the error taxonomy surfaced by the broker core.
// Every failure that crosses a component boundary is classified with a Kind
// so callers (and the transport layer above the core) can map it to a
// status code without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// Validation means the submission shape was invalid.
	Validation Kind = "validation"
	// Unauthorized means the credential was absent, wrong, inactive, or expired.
	Unauthorized Kind = "unauthorized"
	// RateLimited means the sliding-window ceiling was exceeded.
	RateLimited Kind = "rate_limited"
	// NoSuchSession means the session id is unknown or not owned by the caller.
	NoSuchSession Kind = "no_such_session"
	// CapacityExhausted means the pool is at max instances and the queue is full.
	CapacityExhausted Kind = "capacity_exhausted"
	// CLIFailed means the child exited with empty output.
	CLIFailed Kind = "cli_failed"
	// CLITimeout means the per-call timeout fired and the child was killed.
	CLITimeout Kind = "cli_timeout"
	// DeadlineExceeded means the request's wall-clock deadline elapsed
	// before any CLI call could run.
	DeadlineExceeded Kind = "deadline_exceeded"
	// SpawnFailed means the child process could not be started.
	SpawnFailed Kind = "spawn_failed"
	// BrokenIO means a pipe to the child broke mid-call.
	BrokenIO Kind = "broken_io"
	// ShuttingDown means the service is draining and rejecting new work.
	ShuttingDown Kind = "shutting_down"
	// Internal is an unexpected failure.
	Internal Kind = "internal"
)

// StatusCode maps a kind to its implementation-independent status semantics.
func (k Kind) StatusCode() int {
	switch k {
	case Validation:
		return 400
	case Unauthorized:
		return 401
	case NoSuchSession:
		return 404
	case RateLimited:
		return 429
	case CapacityExhausted:
		return 503
	case ShuttingDown:
		return 503
	case CLIFailed, CLITimeout, DeadlineExceeded, SpawnFailed, BrokenIO, Internal:
		return 500
	default:
		return 500
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

// New creates a classified error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from an error chain.
// Unclassified errors report Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
