// Package bus is the process-wide event bus the engine publishes run
// lifecycle events to. Subscribers are decoupled from the publisher; a
// slow subscriber misses events rather than blocking the engine.
package bus

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventRunQueued    EventType = "run.queued"
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunCancelled EventType = "run.cancelled"
	EventRunRetried   EventType = "run.retried"
	EventRunsPurged   EventType = "runs.purged"
)

// Event is one lifecycle notification.
type Event struct {
	Type  EventType
	RunID string
	// Status is the run's status after the event, where applicable.
	Status string
	// Count carries the purge count for EventRunsPurged.
	Count int64
	Time  time.Time
}

// Bus is a minimal in-process publish/subscribe hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish sends an event to all current subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
