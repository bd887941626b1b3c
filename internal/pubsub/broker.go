package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBuffer = 64

// Broker delivers published events to every subscriber. Delivery is best
// effort: a subscriber that stops draining its channel loses events rather
// than stalling the publisher, because an instance transition must never
// block on an observer.
type Broker[T any] struct {
	subs   map[chan Event[T]]struct{}
	mu     sync.RWMutex
	done   chan struct{}
	buffer int
}

// NewBroker creates a broker whose subscriber channels hold defaultBuffer
// pending events.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBuffer)
}

// NewBrokerWithBuffer creates a broker with the given per-subscriber depth.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:   make(map[chan Event[T]]struct{}),
		done:   make(chan struct{}),
		buffer: size,
	}
}

// Subscribe registers an observer. The returned channel closes when ctx is
// cancelled or the broker shuts down; subscribing to a closed broker yields
// an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], b.buffer)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			// Close already tore the subscription down
			return
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish stamps the event and hands it to every subscriber whose buffer has
// room. Subscribers that have fallen behind miss it.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Full buffer, drop
		}
	}
}

// Close stops delivery and closes every subscriber channel. Safe to call
// more than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns how many observers are registered.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
