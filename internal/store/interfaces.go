package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by RunStore implementations.
var (
	// ErrNotFound is returned when a run ID does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrDuplicateID is returned by Create when the ID already exists.
	ErrDuplicateID = errors.New("run id already exists")
)

// RunStore is the single source of truth for AgentRun records, independent
// of whether a process is currently live. Implementations must be safe for
// concurrent use across distinct run IDs; a single run is only ever mutated
// by the worker that owns its execution.
type RunStore interface {
	// Create inserts a new record. The run must be in QUEUED state.
	Create(ctx context.Context, run *AgentRun) error

	// Update applies a partial mutation to an existing run.
	Update(ctx context.Context, runID string, patch RunPatch) error

	// Get returns a run by its ID.
	Get(ctx context.Context, runID string) (*AgentRun, error)

	// List returns a page of runs matching the filter, ordered by
	// StartedAt descending (unstarted runs first, by CreatedAt), plus
	// the total count of matches.
	List(ctx context.Context, filter ListFilter) ([]*AgentRun, int64, error)

	// Statistics aggregates run history on demand.
	Statistics(ctx context.Context) (*Statistics, error)

	// PurgeOlderThan deletes terminal runs whose CompletedAt is before
	// the cutoff and returns the count purged. Runs that never reached
	// a terminal state are kept regardless of age.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases underlying resources.
	Close() error
}
