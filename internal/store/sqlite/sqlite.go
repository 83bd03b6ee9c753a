// Package sqlite implements store.RunStore on an embedded SQLite database.
// The on-disk file is authoritative; it survives process restarts and the
// schema carries the indexes needed for filtered listing.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentplane/internal/store"

	_ "modernc.org/sqlite"
)

const defaultPageSize = 50

// Store is a SQLite-backed RunStore.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store in tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer at a time keeps the pure-Go driver well clear of
	// SQLITE_BUSY; reads still serve concurrent workers fine.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		repository TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		input TEXT NOT NULL,
		output TEXT,
		error TEXT,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		parent_run_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_completed_at ON runs(completed_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Create inserts a new run record.
func (s *Store) Create(ctx context.Context, run *store.AgentRun) error {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs
			(id, repository, target, status, input, started_at, completed_at, created_at, retry_count, parent_run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Repository, run.Target, string(run.Status), string(input),
		nullTime(run.StartedAt), nullTime(run.CompletedAt), createdAt,
		run.RetryCount, nullString(run.ParentRunID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrDuplicateID
	}
	return nil
}

// Update applies a partial mutation to an existing run.
func (s *Store) Update(ctx context.Context, runID string, patch store.RunPatch) error {
	sets := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Output != nil {
		encoded, err := json.Marshal(patch.Output)
		if err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, string(encoded))
	}
	if patch.Error != nil {
		encoded, err := json.Marshal(patch.Error)
		if err != nil {
			return fmt.Errorf("failed to encode error: %w", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, string(encoded))
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *patch.CompletedAt)
	}

	if len(sets) == 0 {
		// Nothing to change, but the caller still expects NotFound for
		// unknown IDs.
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}

	query := fmt.Sprintf(`UPDATE runs SET %s WHERE id = ?`, strings.Join(sets, ", "))
	args = append(args, runID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Get returns a run by its ID.
func (s *Store) Get(ctx context.Context, runID string) (*store.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM runs WHERE id = ?`, runID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

const selectColumns = `SELECT id, repository, target, status, input, output, error,
	started_at, completed_at, created_at, retry_count, parent_run_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*store.AgentRun, error) {
	var (
		run         store.AgentRun
		status      string
		input       string
		output      sql.NullString
		runErr      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
		parentID    sql.NullString
	)

	err := row.Scan(
		&run.ID, &run.Repository, &run.Target, &status, &input, &output, &runErr,
		&startedAt, &completedAt, &run.CreatedAt, &run.RetryCount, &parentID,
	)
	if err != nil {
		return nil, err
	}

	run.Status = store.RunStatus(status)
	if err := json.Unmarshal([]byte(input), &run.Input); err != nil {
		return nil, fmt.Errorf("corrupt input for run %s: %w", run.ID, err)
	}
	if output.Valid {
		run.Output = &store.RunOutput{}
		if err := json.Unmarshal([]byte(output.String), run.Output); err != nil {
			return nil, fmt.Errorf("corrupt output for run %s: %w", run.ID, err)
		}
	}
	if runErr.Valid {
		run.Error = &store.RunError{}
		if err := json.Unmarshal([]byte(runErr.String), run.Error); err != nil {
			return nil, fmt.Errorf("corrupt error for run %s: %w", run.ID, err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if parentID.Valid {
		run.ParentRunID = parentID.String
	}

	return &run, nil
}

// List returns a page of runs matching the filter plus the total count.
func (s *Store) List(ctx context.Context, filter store.ListFilter) ([]*store.AgentRun, int64, error) {
	where, args := buildWhere(filter)

	var total int64
	countQuery := `SELECT COUNT(*) FROM runs` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	query := selectColumns + ` FROM runs` + where +
		` ORDER BY COALESCE(started_at, created_at) DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return runs, total, nil
}

func buildWhere(filter store.ListFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Repository != "" {
		clauses = append(clauses, "repository = ?")
		args = append(args, filter.Repository)
	}
	if filter.Target != "" {
		clauses = append(clauses, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.Since != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, *filter.Until)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Statistics aggregates run history on demand.
func (s *Store) Statistics(ctx context.Context) (*store.Statistics, error) {
	stats := &store.Statistics{
		ByStatus: make(map[store.RunStatus]int64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate statuses: %w", err)
	}
	defer rows.Close()

	var terminal, succeeded int64
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		st := store.RunStatus(status)
		stats.ByStatus[st] = count
		stats.TotalRuns += count
		if st.Terminal() {
			terminal += count
		}
		if st == store.RunStatusSuccess {
			succeeded += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if terminal > 0 {
		stats.SuccessRate = float64(succeeded) / float64(terminal)
	}

	// Average duration across completed runs; computed here rather than in
	// SQL so the timestamp encoding stays a driver detail.
	durRows, err := s.db.QueryContext(ctx,
		`SELECT started_at, completed_at FROM runs
		 WHERE started_at IS NOT NULL AND completed_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to read durations: %w", err)
	}
	defer durRows.Close()

	var totalDur time.Duration
	var durCount int64
	for durRows.Next() {
		var started, completed time.Time
		if err := durRows.Scan(&started, &completed); err != nil {
			return nil, err
		}
		totalDur += completed.Sub(started)
		durCount++
	}
	if err := durRows.Err(); err != nil {
		return nil, err
	}
	if durCount > 0 {
		stats.AvgDuration = totalDur / time.Duration(durCount)
	}

	targetRows, err := s.db.QueryContext(ctx,
		`SELECT target, COUNT(*),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		 FROM runs GROUP BY target ORDER BY COUNT(*) DESC, target ASC`,
		string(store.RunStatusSuccess))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate targets: %w", err)
	}
	defer targetRows.Close()

	for targetRows.Next() {
		var ts store.TargetStats
		if err := targetRows.Scan(&ts.Target, &ts.Total, &ts.Succeeded); err != nil {
			return nil, err
		}
		stats.ByTarget = append(stats.ByTarget, ts)
	}
	if err := targetRows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// PurgeOlderThan deletes terminal runs completed before the cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs
		 WHERE completed_at IS NOT NULL AND completed_at < ?
		   AND status IN (?, ?, ?, ?)`,
		cutoff,
		string(store.RunStatusSuccess), string(store.RunStatusFailed),
		string(store.RunStatusCancelled), string(store.RunStatusRetrying),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge runs: %w", err)
	}
	return res.RowsAffected()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
