// Package engine contains the bounded-concurrency admission and execution
// core: a FIFO queue drained by a limited set of worker slots, with an
// optional rate window throttling admission bursts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentplane/internal/broadcast"
	"agentplane/internal/bus"
	"agentplane/internal/observability"
	"agentplane/internal/session"
	"agentplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ErrNotRetryable is returned when retry is attempted on a run whose
// failure is not recoverable, or which is not a failed run at all.
var ErrNotRetryable = errors.New("run is not retryable")

// Transcript retention cap per run.
const maxTranscriptSize = 4 * 1024 * 1024

// Config holds the engine's tunables. MaxConcurrency and the rate window
// are live-reloadable via UpdateLimits.
type Config struct {
	MaxConcurrency      int
	RequestsPerInterval int
	RateInterval        time.Duration
	DefaultRunTimeout   time.Duration

	// AgentBin is the external agent executable.
	AgentBin string
	// WorkDir is the working directory for agent processes.
	WorkDir string
}

// Engine drives queued runs to completion. It owns the table of in-flight
// sessions; multiple engines can coexist in one process.
type Engine struct {
	store   store.RunStore
	bcast   *broadcast.Broadcaster
	bus     *bus.Bus
	metrics *observability.EngineMetrics
	log     *slog.Logger

	mu            sync.Mutex
	cfg           Config
	limiter       *rate.Limiter
	running       int
	sessions      map[string]*session.Session
	pendingCancel map[string]struct{}

	queue *runQueue
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Metrics may be nil.
func New(cfg Config, st store.RunStore, bc *broadcast.Broadcaster, b *bus.Bus, metrics *observability.EngineMetrics, log *slog.Logger) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.DefaultRunTimeout <= 0 {
		cfg.DefaultRunTimeout = 30 * time.Minute
	}

	return &Engine{
		store:         st,
		bcast:         bc,
		bus:           b,
		metrics:       metrics,
		log:           log,
		cfg:           cfg,
		limiter:       newLimiter(cfg.RequestsPerInterval, cfg.RateInterval),
		sessions:      make(map[string]*session.Session),
		pendingCancel: make(map[string]struct{}),
		queue:         newRunQueue(),
		wake:          make(chan struct{}, 1),
	}
}

func newLimiter(requests int, interval time.Duration) *rate.Limiter {
	if requests <= 0 || interval <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(requests)/interval.Seconds()), requests)
}

// Start launches the admission loop. The engine runs until Stop.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.admissionLoop()
}

// Stop halts admission, cancels in-flight sessions, and waits for their
// terminal states to be recorded, or until ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	e.cancel()

	e.mu.Lock()
	active := make([]*session.Session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		active = append(active, sess)
	}
	e.mu.Unlock()
	for _, sess := range active {
		sess.Cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateLimits changes the concurrency and rate limits without restarting
// in-flight runs. Lowering MaxConcurrency does not preempt running
// sessions; it only throttles new admissions.
func (e *Engine) UpdateLimits(maxConcurrency, requestsPerInterval int, interval time.Duration) error {
	if maxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be >= 1, got %d", maxConcurrency)
	}

	e.mu.Lock()
	e.cfg.MaxConcurrency = maxConcurrency
	e.cfg.RequestsPerInterval = requestsPerInterval
	e.cfg.RateInterval = interval
	e.limiter = newLimiter(requestsPerInterval, interval)
	e.mu.Unlock()

	e.poke()
	return nil
}

// QueueDepth returns the number of runs waiting for admission.
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

// ActiveSessions returns the number of runs currently executing.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Submit creates the run record in QUEUED state and enqueues it. It
// returns as soon as the store write completes; execution is asynchronous.
// Validation failures (malformed resume token) surface synchronously.
func (e *Engine) Submit(ctx context.Context, repository, target string, input store.RunInput) (*store.AgentRun, error) {
	if err := session.ValidateResumeToken(input.ResumeToken); err != nil {
		return nil, err
	}

	run := &store.AgentRun{
		ID:         uuid.NewString(),
		Repository: repository,
		Target:     target,
		Status:     store.RunStatusQueued,
		Input:      input,
		CreatedAt:  time.Now().UTC(),
	}

	if err := e.store.Create(ctx, run); err != nil {
		return nil, err
	}

	e.queue.Push(run.ID)
	e.metrics.RunSubmitted(ctx)
	e.bus.Publish(bus.Event{Type: bus.EventRunQueued, RunID: run.ID, Status: string(run.Status)})
	e.poke()

	return run, nil
}

// Retry creates a fresh run record linked to a failed, recoverable run and
// resubmits it through the normal admission path. The original record is
// marked RETRYING; it is never resurrected.
func (e *Engine) Retry(ctx context.Context, runID string) (*store.AgentRun, error) {
	orig, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	if !orig.Status.Terminal() {
		return nil, fmt.Errorf("%w: run %s has not finished", ErrNotRetryable, runID)
	}
	if orig.Status != store.RunStatusFailed || orig.Error == nil {
		return nil, fmt.Errorf("%w: run %s did not fail", ErrNotRetryable, runID)
	}
	if !orig.Error.Recoverable {
		return nil, fmt.Errorf("%w: run %s failed with a non-recoverable error (%s)", ErrNotRetryable, runID, orig.Error.Code)
	}

	retry := &store.AgentRun{
		ID:          uuid.NewString(),
		Repository:  orig.Repository,
		Target:      orig.Target,
		Status:      store.RunStatusQueued,
		Input:       orig.Input,
		RetryCount:  orig.RetryCount + 1,
		ParentRunID: orig.ID,
		CreatedAt:   time.Now().UTC(),
	}

	if err := e.store.Create(ctx, retry); err != nil {
		return nil, err
	}

	retrying := store.RunStatusRetrying
	if err := e.store.Update(ctx, orig.ID, store.RunPatch{Status: &retrying}); err != nil {
		e.log.Warn("failed to mark run as retried", "run_id", orig.ID, "error", err)
	}

	e.queue.Push(retry.ID)
	e.metrics.RunSubmitted(ctx)
	e.bus.Publish(bus.Event{Type: bus.EventRunRetried, RunID: orig.ID, Status: string(retrying)})
	e.bus.Publish(bus.Event{Type: bus.EventRunQueued, RunID: retry.ID, Status: string(retry.Status)})
	e.poke()

	return retry, nil
}

// Cancel stops a run. Queued runs transition straight to CANCELLED without
// ever running; executing runs are terminated through their session and
// recorded by the normal exit path. Cancelling a finished run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) (*store.AgentRun, error) {
	run, err := e.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	if e.queue.Remove(runID) {
		now := time.Now().UTC()
		cancelled := store.RunStatusCancelled
		if err := e.store.Update(ctx, runID, store.RunPatch{Status: &cancelled, CompletedAt: &now}); err != nil {
			return nil, err
		}
		e.metrics.RunDequeued(ctx)
		e.metrics.RunCancelledQueued(ctx)
		e.bcast.Finish(runID, string(cancelled))
		e.bus.Publish(bus.Event{Type: bus.EventRunCancelled, RunID: runID, Status: string(cancelled)})
		return e.store.Get(ctx, runID)
	}

	e.mu.Lock()
	sess, live := e.sessions[runID]
	if !live {
		// Admitted but the session is not registered yet; the executor
		// honors the pending cancel at its next checkpoint.
		e.pendingCancel[runID] = struct{}{}
	}
	e.mu.Unlock()

	if live {
		sess.Cancel()
	}
	return e.store.Get(ctx, runID)
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) admissionLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		case <-time.After(time.Second):
			// Safety re-check; admissions are normally wake-driven.
		}
		e.admit()
	}
}

// admit moves queued runs onto free slots while the rate budget allows.
func (e *Engine) admit() {
	for {
		e.mu.Lock()
		if e.running >= e.cfg.MaxConcurrency || e.queue.Len() == 0 {
			e.mu.Unlock()
			return
		}
		limiter := e.limiter
		e.mu.Unlock()

		if limiter != nil {
			if err := limiter.Wait(e.ctx); err != nil {
				return
			}
		}

		e.mu.Lock()
		if e.running >= e.cfg.MaxConcurrency {
			e.mu.Unlock()
			return
		}
		runID, ok := e.queue.Pop()
		if !ok {
			e.mu.Unlock()
			return
		}
		e.running++
		e.mu.Unlock()

		e.wg.Add(1)
		go e.execute(runID)
	}
}

// execute drives one run end to end: RUNNING transition, session lifecycle,
// output fan-out, terminal state. Completion writes use a background
// context so a shutdown still leaves every run in a terminal state.
func (e *Engine) execute(runID string) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
		e.poke()
	}()

	log := e.log.With("run_id", runID)

	run, err := e.store.Get(context.Background(), runID)
	if err != nil {
		log.Error("failed to load admitted run", "error", err)
		return
	}

	e.mu.Lock()
	if _, ok := e.pendingCancel[runID]; ok {
		delete(e.pendingCancel, runID)
		e.mu.Unlock()
		e.metrics.RunDequeued(context.Background())
		e.metrics.RunCancelledQueued(context.Background())
		e.finish(run, store.RunStatusCancelled, nil, nil)
		return
	}
	e.mu.Unlock()

	tracer := otel.Tracer("agentplane-engine")
	ctx, span := tracer.Start(e.ctx, "execute_run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.target", run.Target),
			attribute.Int("run.retry_count", run.RetryCount),
		),
	)
	defer span.End()

	now := time.Now().UTC()
	running := store.RunStatusRunning
	if err := e.store.Update(context.Background(), runID, store.RunPatch{Status: &running, StartedAt: &now}); err != nil {
		log.Error("failed to mark run running", "error", err)
		return
	}
	e.metrics.RunAdmitted(ctx)
	e.bus.Publish(bus.Event{Type: bus.EventRunStarted, RunID: runID, Status: string(running)})

	e.mu.Lock()
	agentBin, workDir := e.cfg.AgentBin, e.cfg.WorkDir
	timeout := e.cfg.DefaultRunTimeout
	e.mu.Unlock()
	if run.Input.Timeout > 0 {
		timeout = run.Input.Timeout
	}

	sess, err := session.Start(e.ctx, session.Options{
		Bin:         agentBin,
		Prompt:      run.Input.Prompt,
		Model:       run.Input.Model,
		Context:     run.Input.Context,
		ResumeToken: run.Input.ResumeToken,
		Dir:         workDir,
	}, log)
	if err != nil {
		span.RecordError(err)
		e.metrics.RunFinished(ctx, string(store.RunStatusFailed))
		e.finish(run, store.RunStatusFailed, nil, &store.RunError{
			Code:        store.ErrCodeSpawnFailed,
			Message:     "failed to start agent process",
			Detail:      err.Error(),
			Recoverable: false,
		})
		return
	}

	e.mu.Lock()
	e.sessions[runID] = sess
	_, cancelPending := e.pendingCancel[runID]
	delete(e.pendingCancel, runID)
	e.mu.Unlock()
	if cancelPending {
		sess.Cancel()
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		sess.Cancel()
	})
	defer timer.Stop()

	var transcript strings.Builder
	for msg := range sess.Output() {
		appendTranscript(&transcript, msg.Raw)
		e.bcast.Publish(runID, msg.Raw)
	}

	<-sess.Done()
	res := sess.Exit()
	timer.Stop()

	e.mu.Lock()
	delete(e.sessions, runID)
	e.mu.Unlock()

	status, output, runErr := resolveOutcome(res, timedOut.Load(), transcript.String())
	span.SetAttributes(attribute.String("run.status", string(status)), attribute.Int("run.exit_code", res.Code))
	if runErr != nil {
		span.AddEvent("run failed", trace.WithAttributes(attribute.String("error.code", runErr.Code)))
	}
	e.metrics.RunFinished(ctx, string(status))
	e.finish(run, status, output, runErr)
}

// appendTranscript retains one raw line, truncating the final write so
// the retained transcript never exceeds maxTranscriptSize.
func appendTranscript(b *strings.Builder, line string) {
	remain := maxTranscriptSize - b.Len()
	if remain <= 0 {
		return
	}
	if len(line) >= remain {
		b.WriteString(line[:remain])
		return
	}
	b.WriteString(line)
	b.WriteByte('\n')
}

// resolveOutcome maps a session exit to the run's terminal state. A
// well-formed final result message wins over a non-zero exit code, and
// over a cancellation that landed only after the process had already
// produced its result.
func resolveOutcome(res session.ExitResult, timedOut bool, transcript string) (store.RunStatus, *store.RunOutput, *store.RunError) {
	switch {
	case timedOut:
		return store.RunStatusFailed, nil, &store.RunError{
			Code:        store.ErrCodeTimeout,
			Message:     "run exceeded its maximum duration",
			Recoverable: true,
		}

	case res.Result != nil && res.Result.IsError:
		return store.RunStatusFailed, nil, &store.RunError{
			Code:        store.ErrCodeAgent,
			Message:     res.Result.ResultText(),
			Detail:      res.Stderr,
			Recoverable: true,
		}

	case res.Result != nil:
		output := &store.RunOutput{
			Result:     res.Result.ResultText(),
			Confidence: res.Result.Confidence,
			SessionID:  res.Result.SessionID,
			Transcript: transcript,
		}
		if res.Result.Usage != nil {
			output.Usage = store.Usage{
				InputTokens:  res.Result.Usage.InputTokens,
				OutputTokens: res.Result.Usage.OutputTokens,
			}
		}
		return store.RunStatusSuccess, output, nil

	case res.Cancelled:
		return store.RunStatusCancelled, nil, nil

	case res.Err != nil:
		return store.RunStatusFailed, nil, &store.RunError{
			Code:        store.ErrCodeAgent,
			Message:     "agent process did not exit cleanly",
			Detail:      res.Err.Error(),
			Recoverable: true,
		}

	case res.Code != 0:
		return store.RunStatusFailed, nil, &store.RunError{
			Code:        store.ErrCodeExitNonZero,
			Message:     fmt.Sprintf("agent exited with code %d without a result", res.Code),
			Detail:      res.Stderr,
			Recoverable: true,
		}

	default:
		return store.RunStatusSuccess, &store.RunOutput{Transcript: transcript}, nil
	}
}

// finish records the terminal state and notifies the broadcaster and bus.
func (e *Engine) finish(run *store.AgentRun, status store.RunStatus, output *store.RunOutput, runErr *store.RunError) {
	now := time.Now().UTC()
	patch := store.RunPatch{
		Status:      &status,
		CompletedAt: &now,
		Output:      output,
		Error:       runErr,
	}
	if err := e.store.Update(context.Background(), run.ID, patch); err != nil {
		e.log.Error("failed to record terminal state", "run_id", run.ID, "status", status, "error", err)
	}

	e.mu.Lock()
	delete(e.pendingCancel, run.ID)
	e.mu.Unlock()

	e.bcast.Finish(run.ID, string(status))

	evType := bus.EventRunCompleted
	if status == store.RunStatusCancelled {
		evType = bus.EventRunCancelled
	}
	e.bus.Publish(bus.Event{Type: evType, RunID: run.ID, Status: string(status)})
}
