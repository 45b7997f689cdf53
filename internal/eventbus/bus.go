// Package eventbus decouples the check-in engine from its observers.
//
// The engine publishes one event per notable step outcome (sent, retry,
// flood wait, exhausted, window missed); subscribers such as the alert
// notifier consume them without the engine knowing they exist.
package eventbus

import (
	"sync"
	"time"
)

// Event is a lightweight in-memory signal. Publish never blocks, so a
// subscriber that falls behind its buffer loses events rather than stalling
// the publisher. Data should stay small; alerts render it, nothing stores it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is a simple in-memory fanout. It owns no background goroutines.
//
// Deliveries happen under the read lock and unsubscribe removes the channel
// under the write lock before closing it, so a send can never race a close.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

// Publish offers e to every subscriber without blocking. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered receiver. The returned unsubscribe func is
// idempotent; after it returns the channel is closed.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
