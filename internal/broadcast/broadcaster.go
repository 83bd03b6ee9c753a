// Package broadcast fans out live output events from in-flight runs to any
// number of subscribers, independent of transport.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType discriminates broadcast events.
type EventType string

const (
	EventOutput    EventType = "output"
	EventHeartbeat EventType = "heartbeat"
	EventDone      EventType = "done"
)

// Event is one item on a subscriber's stream. Output and done events
// carry monotonically increasing sequences; a heartbeat repeats the
// last assigned sequence without advancing it.
type Event struct {
	Type      EventType `json:"type"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line,omitempty"`
	IsFinal   bool      `json:"is_final"`

	// Status carries the run's terminal status on the final event.
	Status string `json:"status,omitempty"`
}

// Per-subscriber buffer. A subscriber that falls this far behind is
// disconnected rather than slowing the run down.
const subscriberBuffer = 256

// StatusLookup answers whether a run exists and whether it already reached
// a terminal state, so late subscribers can be served without a live stream.
type StatusLookup func(ctx context.Context) (terminal bool, status string, err error)

// Broadcaster delivers output events from running sessions to subscribers.
// Producers (the worker pool) are unaware of subscriber count; subscriber
// disconnects never affect the run.
type Broadcaster struct {
	mu        sync.Mutex
	streams   map[string]*stream
	heartbeat time.Duration
	log       *slog.Logger
}

// New creates a Broadcaster emitting heartbeats on idle streams at the
// given interval.
func New(heartbeat time.Duration, log *slog.Logger) *Broadcaster {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Broadcaster{
		streams:   make(map[string]*stream),
		heartbeat: heartbeat,
		log:       log,
	}
}

type stream struct {
	mu       sync.Mutex
	seq      int64
	subs     map[int]chan Event
	nextSub  int
	lastSent time.Time
	done     bool
	stop     chan struct{}
}

func (b *Broadcaster) getOrCreate(runID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.streams[runID]; ok {
		return st
	}
	st := &stream{
		subs:     make(map[int]chan Event),
		lastSent: time.Now(),
		stop:     make(chan struct{}),
	}
	b.streams[runID] = st
	go b.heartbeatLoop(runID, st)
	return st
}

// Publish delivers one output line for a run, assigning the next sequence
// number. Events within a run reach every subscriber in publish order.
func (b *Broadcaster) Publish(runID, line string) {
	st := b.getOrCreate(runID)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.seq++
	st.deliver(b, runID, Event{
		Type:      EventOutput,
		Sequence:  st.seq,
		Timestamp: time.Now(),
		Line:      line,
	})
}

// Finish emits the terminal event for a run and closes every subscriber.
// The stream is released; later subscribers are served from the store via
// the StatusLookup path in Subscribe.
func (b *Broadcaster) Finish(runID, status string) {
	b.mu.Lock()
	st, ok := b.streams[runID]
	if ok {
		delete(b.streams, runID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.done = true
	close(st.stop)

	st.seq++
	final := Event{
		Type:      EventDone,
		Sequence:  st.seq,
		Timestamp: time.Now(),
		IsFinal:   true,
		Status:    status,
	}
	for id, ch := range st.subs {
		select {
		case ch <- final:
		default:
			b.log.Warn("dropping slow subscriber at finish", "run_id", runID)
		}
		close(ch)
		delete(st.subs, id)
	}
}

// deliver fans an event out to all subscribers. Callers hold st.mu.
func (st *stream) deliver(b *Broadcaster, runID string, ev Event) {
	st.lastSent = ev.Timestamp
	for id, ch := range st.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber stopped draining; cut it loose so the run is
			// never blocked and ordering is never violated.
			b.log.Warn("disconnecting slow subscriber", "run_id", runID, "subscriber", id)
			close(ch)
			delete(st.subs, id)
		}
	}
}

// Subscribe attaches a subscriber to a run's output stream. It may be
// called before the run starts, mid-run, or after completion: a completed
// run yields exactly one terminal event and no heartbeats. The returned
// cancel function detaches the subscriber without affecting the run.
func (b *Broadcaster) Subscribe(ctx context.Context, runID string, lookup StatusLookup) (<-chan Event, func(), error) {
	b.mu.Lock()
	st, active := b.streams[runID]
	b.mu.Unlock()

	if !active {
		terminal, status, err := lookup(ctx)
		if err != nil {
			return nil, nil, err
		}
		if terminal {
			ch := make(chan Event, 1)
			ch <- Event{
				Type:      EventDone,
				Sequence:  1,
				Timestamp: time.Now(),
				IsFinal:   true,
				Status:    status,
			}
			close(ch)
			return ch, func() {}, nil
		}
		// Queued (or about to start): open the stream now so no event is
		// missed between admission and first publish.
		st = b.getOrCreate(runID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.done {
		// Lost a race with Finish; serve the terminal event from the store.
		terminal, status, err := lookup(ctx)
		if err != nil {
			return nil, nil, err
		}
		ch := make(chan Event, 1)
		if terminal {
			ch <- Event{
				Type:      EventDone,
				Sequence:  1,
				Timestamp: time.Now(),
				IsFinal:   true,
				Status:    status,
			}
		}
		close(ch)
		return ch, func() {}, nil
	}

	id := st.nextSub
	st.nextSub++
	ch := make(chan Event, subscriberBuffer)
	st.subs[id] = ch

	cancel := func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if sub, ok := st.subs[id]; ok {
			close(sub)
			delete(st.subs, id)
		}
	}
	return ch, cancel, nil
}

func (b *Broadcaster) heartbeatLoop(runID string, st *stream) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-st.stop:
			return
		case now := <-ticker.C:
			st.mu.Lock()
			if !st.done && now.Sub(st.lastSent) >= b.heartbeat {
				st.deliver(b, runID, Event{
					Type:      EventHeartbeat,
					Sequence:  st.seq,
					Timestamp: now,
				})
			}
			st.mu.Unlock()
		}
	}
}
