package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeRun(ctx context.Context) (bool, string, error) {
	return false, "RUNNING", nil
}

func completedRun(status string) StatusLookup {
	return func(ctx context.Context) (bool, string, error) {
		return true, status, nil
	}
}

// collect reads events until the channel closes or the deadline passes.
func collect(t *testing.T, ch <-chan Event, deadline time.Duration) []Event {
	t.Helper()
	var events []Event
	timer := time.After(deadline)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timer:
			t.Fatal("timed out collecting events")
		}
	}
}

func TestBroadcast_TwoSubscribersSameOrder(t *testing.T) {
	b := New(time.Minute, testLogger())
	ctx := context.Background()

	ch1, cancel1, err := b.Subscribe(ctx, "run-1", activeRun)
	if err != nil {
		t.Fatalf("subscribe 1 failed: %v", err)
	}
	defer cancel1()
	ch2, cancel2, err := b.Subscribe(ctx, "run-1", activeRun)
	if err != nil {
		t.Fatalf("subscribe 2 failed: %v", err)
	}
	defer cancel2()

	lines := []string{"alpha", "beta", "gamma", "delta"}
	for _, line := range lines {
		b.Publish("run-1", line)
	}
	b.Finish("run-1", "SUCCESS")

	for i, ch := range []<-chan Event{ch1, ch2} {
		events := collect(t, ch, 5*time.Second)
		if len(events) != len(lines)+1 {
			t.Fatalf("subscriber %d: expected %d events, got %d", i+1, len(lines)+1, len(events))
		}
		for j, line := range lines {
			if events[j].Type != EventOutput || events[j].Line != line {
				t.Errorf("subscriber %d event %d: expected %q, got %+v", i+1, j, line, events[j])
			}
			if j > 0 && events[j].Sequence != events[j-1].Sequence+1 {
				t.Errorf("subscriber %d: sequence gap at event %d", i+1, j)
			}
		}
		final := events[len(events)-1]
		if final.Type != EventDone || !final.IsFinal || final.Status != "SUCCESS" {
			t.Errorf("subscriber %d: unexpected final event %+v", i+1, final)
		}
	}
}

func TestBroadcast_LateSubscriberGetsSingleTerminalEvent(t *testing.T) {
	b := New(time.Minute, testLogger())

	ch, cancel, err := b.Subscribe(context.Background(), "run-1", completedRun("FAILED"))
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	events := collect(t, ch, 2*time.Second)
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	if events[0].Type != EventDone || !events[0].IsFinal || events[0].Status != "FAILED" {
		t.Errorf("unexpected terminal event: %+v", events[0])
	}
}

func TestBroadcast_LookupErrorPropagates(t *testing.T) {
	b := New(time.Minute, testLogger())
	boom := errors.New("store unavailable")

	_, _, err := b.Subscribe(context.Background(), "run-1", func(ctx context.Context) (bool, string, error) {
		return false, "", boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected lookup error, got %v", err)
	}
}

func TestBroadcast_HeartbeatOnIdleStream(t *testing.T) {
	b := New(30*time.Millisecond, testLogger())
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "run-1", activeRun)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	b.Publish("run-1", "line one")
	b.Publish("run-1", "line two")
	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("published event never arrived")
		}
	}

	select {
	case ev := <-ch:
		if ev.Type != EventHeartbeat {
			t.Errorf("expected heartbeat, got %+v", ev)
		}
		// Heartbeats repeat the last assigned sequence.
		if ev.Sequence != 2 {
			t.Errorf("expected heartbeat sequence 2, got %d", ev.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat on idle stream")
	}

	b.Finish("run-1", "SUCCESS")
}

func TestBroadcast_NoHeartbeatWhileActive(t *testing.T) {
	b := New(200*time.Millisecond, testLogger())
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "run-1", activeRun)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	// Publish faster than the heartbeat interval for a few cycles.
	stop := time.After(600 * time.Millisecond)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
publishing:
	for {
		select {
		case <-tick.C:
			b.Publish("run-1", "line")
		case <-stop:
			break publishing
		}
	}
	b.Finish("run-1", "SUCCESS")

	for ev := range ch {
		if ev.Type == EventHeartbeat {
			t.Error("heartbeat emitted while stream was active")
		}
	}
}

func TestBroadcast_UnsubscribeDoesNotAffectOthers(t *testing.T) {
	b := New(time.Minute, testLogger())
	ctx := context.Background()

	ch1, cancel1, err := b.Subscribe(ctx, "run-1", activeRun)
	if err != nil {
		t.Fatalf("subscribe 1 failed: %v", err)
	}
	ch2, cancel2, err := b.Subscribe(ctx, "run-1", activeRun)
	if err != nil {
		t.Fatalf("subscribe 2 failed: %v", err)
	}
	defer cancel2()

	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("cancelled subscriber channel must be closed")
	}

	b.Publish("run-1", "still flowing")
	b.Finish("run-1", "SUCCESS")

	events := collect(t, ch2, 2*time.Second)
	if len(events) != 2 || events[0].Line != "still flowing" {
		t.Errorf("remaining subscriber missed events: %+v", events)
	}
}

func TestBroadcast_SlowSubscriberDisconnected(t *testing.T) {
	b := New(time.Minute, testLogger())
	ctx := context.Background()

	ch, _, err := b.Subscribe(ctx, "run-1", activeRun)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Never drain; overflow the buffer.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("run-1", "flood")
	}

	events := collect(t, ch, 2*time.Second)
	if len(events) != subscriberBuffer {
		t.Errorf("expected %d buffered events before disconnect, got %d", subscriberBuffer, len(events))
	}

	b.Finish("run-1", "SUCCESS")
}

func TestBroadcast_FinishClosesSubscribers(t *testing.T) {
	b := New(time.Minute, testLogger())
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "run-1", activeRun)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	b.Finish("run-1", "CANCELLED")

	events := collect(t, ch, 2*time.Second)
	if len(events) != 1 || events[0].Status != "CANCELLED" {
		t.Fatalf("unexpected events: %+v", events)
	}

	// A new subscriber after Finish goes through the lookup path.
	ch2, cancel2, err := b.Subscribe(ctx, "run-1", completedRun("CANCELLED"))
	if err != nil {
		t.Fatalf("late subscribe failed: %v", err)
	}
	defer cancel2()
	events = collect(t, ch2, 2*time.Second)
	if len(events) != 1 || !events[0].IsFinal {
		t.Errorf("late subscriber events: %+v", events)
	}
}
