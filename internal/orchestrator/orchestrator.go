// Package orchestrator exposes the single entry point used by external
// collaborators: submit, retry, cancel, query, and output subscription.
// It also owns the scheduled cleanup of aged-out run records.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentplane/internal/broadcast"
	"agentplane/internal/bus"
	"agentplane/internal/engine"
	"agentplane/internal/store"
)

// Options configure the orchestrator's own behavior; the engine and its
// collaborators are constructed by the caller and passed in.
type Options struct {
	// Retention is the age past which terminal runs are purged.
	Retention time.Duration

	// CleanupInterval is how often the purge task runs. Defaults to 1h.
	CleanupInterval time.Duration
}

// Orchestrator is the facade over the run store, engine, and broadcaster.
type Orchestrator struct {
	store store.RunStore
	eng   *engine.Engine
	bcast *broadcast.Broadcaster
	bus   *bus.Bus
	opts  Options
	log   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the facade.
func New(st store.RunStore, eng *engine.Engine, bc *broadcast.Broadcaster, b *bus.Bus, opts Options, log *slog.Logger) *Orchestrator {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	return &Orchestrator{
		store: st,
		eng:   eng,
		bcast: bc,
		bus:   b,
		opts:  opts,
		log:   log,
	}
}

// Start launches the engine and the cleanup task.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.eng.Start(ctx)

	if o.opts.Retention > 0 {
		o.wg.Add(1)
		go o.cleanupLoop(ctx)
	}
}

// Stop halts the cleanup task and shuts the engine down.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.cancel()
	o.wg.Wait()
	return o.eng.Stop(ctx)
}

// SubmitRun accepts a new run; it returns once the QUEUED record exists.
func (o *Orchestrator) SubmitRun(ctx context.Context, repository, target string, input store.RunInput) (*store.AgentRun, error) {
	return o.eng.Submit(ctx, repository, target, input)
}

// RetryRun creates a fresh run linked to a failed, recoverable one.
func (o *Orchestrator) RetryRun(ctx context.Context, runID string) (*store.AgentRun, error) {
	return o.eng.Retry(ctx, runID)
}

// CancelRun stops a queued or running run; a finished run is left as is.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) (*store.AgentRun, error) {
	return o.eng.Cancel(ctx, runID)
}

// GetRun returns a single run.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*store.AgentRun, error) {
	return o.store.Get(ctx, runID)
}

// ListRuns returns a filtered page of runs plus the total match count.
func (o *Orchestrator) ListRuns(ctx context.Context, filter store.ListFilter) ([]*store.AgentRun, int64, error) {
	return o.store.List(ctx, filter)
}

// RunStatistics aggregates run history.
func (o *Orchestrator) RunStatistics(ctx context.Context) (*store.Statistics, error) {
	return o.store.Statistics(ctx)
}

// SubscribeOutput attaches a live output stream for a run. Subscribing to
// a finished run yields exactly one terminal event.
func (o *Orchestrator) SubscribeOutput(ctx context.Context, runID string) (<-chan broadcast.Event, func(), error) {
	lookup := func(ctx context.Context) (bool, string, error) {
		run, err := o.store.Get(ctx, runID)
		if err != nil {
			return false, "", err
		}
		return run.Status.Terminal(), string(run.Status), nil
	}
	return o.bcast.Subscribe(ctx, runID, lookup)
}

func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.purgeExpired(ctx)
		}
	}
}

func (o *Orchestrator) purgeExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-o.opts.Retention)
	purged, err := o.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		o.log.Error("cleanup failed", "error", err)
		return
	}
	if purged > 0 {
		o.log.Info("purged aged-out runs", "count", purged, "cutoff", cutoff)
		o.bus.Publish(bus.Event{Type: bus.EventRunsPurged, Count: purged})
	}
}
