// Package instance wraps one logical CLI worker. An instance serializes
// calls for its bound session, carries the conversation history it replays
// into each fresh child process, and reports lifecycle transitions to the
// pool over a typed broker.
package instance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/relay/internal/broker/client"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/pubsub"
	"github.com/zjrosen/relay/internal/sessions/domain"
)

// ErrDestroyScheduled is returned when Execute is called on an instance
// already marked for teardown.
var ErrDestroyScheduled = errors.New("instance is scheduled for destruction")

// Lifecycle event types published on the pool's broker.
const (
	EventSpawned   pubsub.EventType = "instance.spawned"
	EventBusy      pubsub.EventType = "instance.busy"
	EventIdle      pubsub.EventType = "instance.idle"
	EventMarked    pubsub.EventType = "instance.marked_for_destroy"
	EventDestroyed pubsub.EventType = "instance.destroyed"
)

// Event is the payload carried by lifecycle events.
type Event struct {
	InstanceID   string
	SessionKey   string
	MessageCount int
}

// Config bounds one instance's lifetime.
type Config struct {
	// MaxMessages recycles the instance after this many successful calls.
	MaxMessages int

	// IdleTimeout marks the instance for destroy after this long without
	// a call. Zero disables the idle timer.
	IdleTimeout time.Duration

	// HistoryPairs is how many recent user/assistant exchange pairs are
	// replayed ahead of each prompt.
	HistoryPairs int
}

// Snapshot is a point-in-time view of an instance for pool stats.
type Snapshot struct {
	ID           string
	SessionKey   string
	Busy         bool
	Marked       bool
	MessageCount int
	CreatedAt    time.Time
	LastUsed     time.Time
}

// Instance is one pooled CLI worker bound to a session key.
type Instance struct {
	id         string
	sessionKey string
	runner     client.Runner
	events     *pubsub.Broker[Event]
	cfg        Config
	createdAt  time.Time

	// execMu serializes Execute; concurrent same-session submissions
	// suspend here rather than interleaving on one conversation.
	execMu sync.Mutex

	mu           sync.Mutex
	busy         bool
	marked       bool
	messageCount int
	history      []domain.Message
	lastUsed     time.Time
	idleTimer    *time.Timer
}

// New creates an instance bound to sessionKey. The seed, if any, is the
// session's persisted context so a recycled conversation keeps its memory.
func New(sessionKey string, runner client.Runner, events *pubsub.Broker[Event], cfg Config, seed []domain.Message) *Instance {
	now := time.Now()
	inst := &Instance{
		id:         uuid.NewString(),
		sessionKey: sessionKey,
		runner:     runner,
		events:     events,
		cfg:        cfg,
		createdAt:  now,
		lastUsed:   now,
		history:    append([]domain.Message(nil), seed...),
	}
	inst.armIdleTimer()
	events.Publish(EventSpawned, inst.event())

	log.Debug(log.CatInstance, "instance spawned",
		"instance", inst.id, "session", sessionKey, "seed", len(seed))
	return inst
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// SessionKey returns the bound session id.
func (i *Instance) SessionKey() string { return i.sessionKey }

// CreatedAt returns when the instance was spawned.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// Busy reports whether a call is in flight.
func (i *Instance) Busy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.busy
}

// Marked reports whether the instance is scheduled for destruction.
func (i *Instance) Marked() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.marked
}

// MessageCount returns how many successful calls the instance has served.
func (i *Instance) MessageCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.messageCount
}

// LastUsed returns when the last call finished.
func (i *Instance) LastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsed
}

// Age returns how long the instance has existed.
func (i *Instance) Age(now time.Time) time.Duration {
	return now.Sub(i.createdAt)
}

// History returns a copy of the in-memory conversation history.
func (i *Instance) History() []domain.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]domain.Message(nil), i.history...)
}

// Snapshot returns a point-in-time view for stats reporting.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{
		ID:           i.id,
		SessionKey:   i.sessionKey,
		Busy:         i.busy,
		Marked:       i.marked,
		MessageCount: i.messageCount,
		CreatedAt:    i.createdAt,
		LastUsed:     i.lastUsed,
	}
}

// Execute runs one prompt through the runner. Calls for the same instance
// are strictly serialized; later callers block until the current call
// finishes. Returns the reply and the post-call message count.
func (i *Instance) Execute(ctx context.Context, prompt string) (string, int, error) {
	if i.Marked() {
		return "", 0, ErrDestroyScheduled
	}

	i.execMu.Lock()
	defer i.execMu.Unlock()

	i.mu.Lock()
	// Mark may have landed while we waited on the execute mutex
	if i.marked {
		i.mu.Unlock()
		return "", 0, ErrDestroyScheduled
	}
	if i.idleTimer != nil {
		i.idleTimer.Stop()
		i.idleTimer = nil
	}
	i.busy = true
	augmented := i.buildPromptLocked(prompt)
	i.mu.Unlock()

	i.events.Publish(EventBusy, i.event())

	res, err := i.runner.Execute(ctx, augmented)

	i.mu.Lock()
	i.busy = false
	i.lastUsed = time.Now()
	count := i.messageCount
	if err == nil {
		now := time.Now()
		i.history = append(i.history,
			domain.Message{Role: domain.RoleUser, Content: prompt, Timestamp: now},
			domain.Message{Role: domain.RoleAssistant, Content: res.Reply, Timestamp: now},
		)
		i.messageCount++
		count = i.messageCount
		if i.cfg.MaxMessages > 0 && i.messageCount >= i.cfg.MaxMessages {
			i.markLocked("message cap reached")
		} else {
			i.armIdleTimerLocked()
		}
	} else {
		i.armIdleTimerLocked()
	}
	i.mu.Unlock()

	i.events.Publish(EventIdle, i.event())

	if err != nil {
		return "", count, err
	}
	return res.Reply, count, nil
}

// MarkForDestroy schedules the instance for teardown. Idempotent; the pool
// performs the actual destroy once the instance is no longer busy.
func (i *Instance) MarkForDestroy(reason string) {
	i.mu.Lock()
	already := i.marked
	if !already {
		i.markLocked(reason)
	}
	i.mu.Unlock()
}

// Destroy finalizes teardown. Idempotent.
func (i *Instance) Destroy() {
	i.mu.Lock()
	if i.idleTimer != nil {
		i.idleTimer.Stop()
		i.idleTimer = nil
	}
	i.marked = true
	i.mu.Unlock()

	i.events.Publish(EventDestroyed, i.event())
	log.Debug(log.CatInstance, "instance destroyed", "instance", i.id, "session", i.sessionKey)
}

// markLocked flags the instance and publishes the event. Caller holds mu;
// the broker publish is non-blocking so holding the lock is safe.
func (i *Instance) markLocked(reason string) {
	i.marked = true
	if i.idleTimer != nil {
		i.idleTimer.Stop()
		i.idleTimer = nil
	}
	i.events.Publish(EventMarked, Event{
		InstanceID:   i.id,
		SessionKey:   i.sessionKey,
		MessageCount: i.messageCount,
	})
	log.Debug(log.CatInstance, "instance marked for destroy",
		"instance", i.id, "session", i.sessionKey, "reason", reason)
}

func (i *Instance) armIdleTimer() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.armIdleTimerLocked()
}

func (i *Instance) armIdleTimerLocked() {
	if i.cfg.IdleTimeout <= 0 || i.marked {
		return
	}
	if i.idleTimer != nil {
		i.idleTimer.Stop()
	}
	i.idleTimer = time.AfterFunc(i.cfg.IdleTimeout, func() {
		i.MarkForDestroy("idle timeout")
	})
}

// buildPromptLocked prefixes the prompt with the trailing history pairs so
// a fresh child process sees the recent conversation. Caller holds mu.
func (i *Instance) buildPromptLocked(prompt string) string {
	pairs := i.cfg.HistoryPairs
	if pairs <= 0 || len(i.history) == 0 {
		return prompt
	}

	tail := i.history
	if max := pairs * 2; len(tail) > max {
		tail = tail[len(tail)-max:]
	}

	var b strings.Builder
	for _, msg := range tail {
		b.WriteString(msg.Role.String())
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	b.WriteString(domain.RoleUser.String())
	b.WriteString(": ")
	b.WriteString(prompt)
	return b.String()
}

func (i *Instance) event() Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Event{
		InstanceID:   i.id,
		SessionKey:   i.sessionKey,
		MessageCount: i.messageCount,
	}
}
