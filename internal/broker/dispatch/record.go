package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/relay/internal/cachemanager"
	"github.com/zjrosen/relay/internal/fault"
)

// Status is the externally visible state of a request record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Usage counts the tokens consumed by one completed call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Record is the externally addressable handle for one submission. Records
// move monotonically queued -> running -> {completed, failed}; cancelled is
// reachable only from queued.
type Record struct {
	ID           string
	ToolID       string
	SessionID    string
	CredentialID string
	Prompt       string

	Status     Status
	Reply      string
	ErrKind    fault.Kind
	ErrMessage string
	Usage      Usage

	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Latency     time.Duration
}

// Registry tracks live request records and retains terminal ones for the
// result-retention window so pollers can fetch them after the fact.
type Registry struct {
	mu        sync.Mutex
	live      map[string]*Record
	terminal  cachemanager.CacheManager[string, Record]
	retention time.Duration
}

// NewRegistry creates a registry retaining terminal records for retention.
func NewRegistry(retention time.Duration) *Registry {
	return &Registry{
		live:      make(map[string]*Record),
		terminal:  cachemanager.NewInMemoryCacheManager[string, Record]("request-records", retention, retention),
		retention: retention,
	}
}

// Create registers a new record. The record must be in StatusQueued.
func (r *Registry) Create(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[rec.ID] = rec
}

// Get returns a copy of the record, live or retained. The second return is
// false once retention has elapsed or the id was never known.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	if rec, ok := r.live[id]; ok {
		out := *rec
		r.mu.Unlock()
		return out, true
	}
	r.mu.Unlock()
	return r.terminal.Get(context.Background(), id)
}

// MarkRunning transitions a queued record to running.
func (r *Registry) MarkRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.live[id]; ok && rec.Status == StatusQueued {
		rec.Status = StatusRunning
		rec.StartedAt = time.Now()
	}
}

// Complete finalizes a record with the reply and usage counters.
func (r *Registry) Complete(id, reply string, usage Usage) {
	r.finalize(id, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.Reply = reply
		rec.Usage = usage
	})
}

// Fail finalizes a record with an error kind and message.
func (r *Registry) Fail(id string, kind fault.Kind, msg string) {
	r.finalize(id, func(rec *Record) {
		rec.Status = StatusFailed
		rec.ErrKind = kind
		rec.ErrMessage = msg
	})
}

// Cancel moves a queued record to cancelled. Running and terminal records
// are not cancellable.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	rec, ok := r.live[id]
	if !ok {
		r.mu.Unlock()
		if _, retained := r.terminal.Get(context.Background(), id); retained {
			return fault.New(fault.Validation, "request already terminal")
		}
		return fault.Newf(fault.NoSuchSession, "unknown request %s", id)
	}
	if rec.Status != StatusQueued {
		r.mu.Unlock()
		return fault.Newf(fault.Validation, "request is %s, only queued requests can be cancelled", rec.Status)
	}
	rec.Status = StatusCancelled
	rec.CompletedAt = time.Now()
	rec.Latency = rec.CompletedAt.Sub(rec.SubmittedAt)
	delete(r.live, id)
	out := *rec
	r.mu.Unlock()

	r.terminal.Set(context.Background(), id, out, r.retention)
	return nil
}

// Live returns how many records have not yet reached a terminal state.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *Registry) finalize(id string, mutate func(*Record)) {
	r.mu.Lock()
	rec, ok := r.live[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	mutate(rec)
	rec.CompletedAt = time.Now()
	rec.Latency = rec.CompletedAt.Sub(rec.SubmittedAt)
	delete(r.live, id)
	out := *rec
	r.mu.Unlock()

	r.terminal.Set(context.Background(), id, out, r.retention)
}
