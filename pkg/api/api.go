// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the server.
package api

import "time"

// SubmitRunRequest is the request body for submitting a new run.
type SubmitRunRequest struct {
	Repository string `json:"repository,omitempty"`
	Target     string `json:"target,omitempty"`
	Prompt     string `json:"prompt"`
	Model      string `json:"model,omitempty"`
	Context    string `json:"context,omitempty"`

	// ResumeToken continues a prior external session. Must be a UUID.
	ResumeToken string `json:"resume_token,omitempty"`

	// TimeoutSeconds overrides the configured default run timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// RunUsage mirrors the agent's token counters.
type RunUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// RunOutput is present on successful runs.
type RunOutput struct {
	Result     string   `json:"result"`
	Confidence float64  `json:"confidence,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Transcript string   `json:"transcript,omitempty"`
	Usage      RunUsage `json:"usage"`
}

// RunError is present on failed runs.
type RunError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Detail      string `json:"detail,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// Run represents an agent run in API responses.
type Run struct {
	ID          string     `json:"id"`
	Repository  string     `json:"repository,omitempty"`
	Target      string     `json:"target,omitempty"`
	Status      string     `json:"status"`
	Prompt      string     `json:"prompt"`
	Model       string     `json:"model,omitempty"`
	Output      *RunOutput `json:"output,omitempty"`
	Error       *RunError  `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RetryCount  int        `json:"retry_count"`
	ParentRunID string     `json:"parent_run_id,omitempty"`
}

// ListRunsResponse is the response body for run listing.
type ListRunsResponse struct {
	Items []Run `json:"items"`
	Total int64 `json:"total"`
}

// TargetStats is the per-target statistics slice.
type TargetStats struct {
	Target    string `json:"target"`
	Total     int64  `json:"total"`
	Succeeded int64  `json:"succeeded"`
}

// StatisticsResponse is the response body for run statistics.
type StatisticsResponse struct {
	TotalRuns     int64            `json:"total_runs"`
	ByStatus      map[string]int64 `json:"by_status"`
	SuccessRate   float64          `json:"success_rate"`
	AvgDurationMS int64            `json:"avg_duration_ms"`
	ByTarget      []TargetStats    `json:"by_target"`
}

// OutputEvent is one item on a run's event stream. Output and done
// events carry monotonically increasing sequences; heartbeats repeat
// the last assigned sequence.
type OutputEvent struct {
	Type      string    `json:"type"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line,omitempty"`
	IsFinal   bool      `json:"is_final"`
	Status    string    `json:"status,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
