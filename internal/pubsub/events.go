// Package pubsub fans typed events out to many subscribers. The pool uses it
// to publish instance lifecycle transitions (spawn, busy, idle, destroy) so
// observers can follow the fleet without touching the pool's locks.
package pubsub

import (
	"context"
	"time"
)

// EventType names what happened to the payload. The publishing package
// defines its own vocabulary; the pool's types live in broker/instance.
type EventType string

// Event pairs a payload with what happened to it and when.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber hands out event channels scoped to a context.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher emits typed events to whoever is listening.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
