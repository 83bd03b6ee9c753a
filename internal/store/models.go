// Package store contains the persistence layer for agentplane.
package store

import "time"

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSuccess   RunStatus = "SUCCESS"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
	// RunStatusRetrying marks a failed run that has been superseded by a
	// retry. The record is terminal; the successor carries ParentRunID.
	RunStatusRetrying RunStatus = "RETRYING"
)

// Terminal reports whether no further status transitions may occur.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusCancelled, RunStatusRetrying:
		return true
	}
	return false
}

// RunInput is the immutable snapshot of what was requested.
// Retries copy it into the new record verbatim.
type RunInput struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model,omitempty"`
	Context string `json:"context,omitempty"` // diff / recent history payload

	// ResumeToken continues a prior external session instead of starting
	// fresh. Must be a canonical UUID when set.
	ResumeToken string `json:"resume_token,omitempty"`

	// Timeout is the maximum run duration. Zero means the configured default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Usage captures resource counters reported by the agent process.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// RunOutput is populated only on SUCCESS.
type RunOutput struct {
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence,omitempty"`
	SessionID  string  `json:"session_id,omitempty"` // external token usable for resume
	Transcript string  `json:"transcript,omitempty"`
	Usage      Usage   `json:"usage"`
}

// RunError is populated only on FAILED.
type RunError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Detail      string `json:"detail,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// Error codes recorded on failed runs.
const (
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeSpawnFailed = "SPAWN_FAILED"
	ErrCodeExitNonZero = "EXIT_NONZERO"
	ErrCodeAgent       = "AGENT_ERROR"
)

// AgentRun is one attempt to execute the external agent.
type AgentRun struct {
	ID         string
	Repository string
	Target     string
	Status     RunStatus
	Input      RunInput
	Output     *RunOutput
	Error      *RunError

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time

	// RetryCount is the number of prior attempts in this retry chain.
	RetryCount int
	// ParentRunID is a weak back-reference to the run this one retried.
	ParentRunID string
}

// Duration returns the run's elapsed execution time, or zero while
// either timestamp is unset.
func (r *AgentRun) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// RunPatch is a partial mutation applied by Update. Nil fields are
// left untouched.
type RunPatch struct {
	Status      *RunStatus
	Output      *RunOutput
	Error       *RunError
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	Status     RunStatus
	Repository string
	Target     string
	Since      *time.Time // StartedAt >= Since
	Until      *time.Time // StartedAt <= Until

	Limit  int // page size; 0 means the store default
	Offset int
}

// TargetStats is the per-target slice of Statistics.
type TargetStats struct {
	Target    string
	Total     int64
	Succeeded int64
}

// Statistics aggregates run history on demand.
type Statistics struct {
	TotalRuns   int64
	ByStatus    map[RunStatus]int64
	SuccessRate float64 // succeeded / terminal, in [0,1]
	AvgDuration time.Duration
	ByTarget    []TargetStats
}
