// Package ratelimit implements a sliding-window request limiter keyed by
// arbitrary strings (credential ids, remote addresses).
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is how many further requests the key may make in the
	// current window after this one.
	Remaining int

	// ResetAt is when the oldest counted request leaves the window,
	// freeing one slot. For an empty window it is now plus the window.
	ResetAt time.Time
}

// Limiter counts allowed requests per key over a sliding window.
// Denied requests do not consume window slots.
type Limiter struct {
	window time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewLimiter creates a limiter with the given window width.
func NewLimiter(window time.Duration) *Limiter {
	return &Limiter{
		window: window,
		events: make(map[string][]time.Time),
	}
}

// Allow records a request for key at the given instant if the key has made
// fewer than ceiling allowed requests in the trailing window.
func (l *Limiter) Allow(key string, ceiling int, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.prune(key, now)

	if len(events) >= ceiling {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   events[0].Add(l.window),
		}
	}

	events = append(events, now)
	l.events[key] = events

	resetAt := events[0].Add(l.window)
	return Decision{
		Allowed:   true,
		Remaining: ceiling - len(events),
		ResetAt:   resetAt,
	}
}

// Count returns how many allowed requests the key has in the trailing window.
func (l *Limiter) Count(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(key, now))
}

// PruneIdle drops keys whose windows have fully drained. Called periodically
// so long-gone callers do not pin memory.
func (l *Limiter) PruneIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key := range l.events {
		if len(l.prune(key, now)) == 0 {
			delete(l.events, key)
			removed++
		}
	}
	return removed
}

// prune drops events that have left the window. Caller holds the lock.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	events := l.events[key]
	cutoff := now.Add(-l.window)

	idx := 0
	for idx < len(events) && !events[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		events = events[idx:]
		l.events[key] = events
	}
	return events
}
