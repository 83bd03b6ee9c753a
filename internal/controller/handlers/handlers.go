// Package handlers contains HTTP handlers for the API server.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"agentplane/internal/orchestrator"
	"agentplane/internal/store"
	"agentplane/pkg/api"
)

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	orch *orchestrator.Orchestrator
	log  *slog.Logger
}

// New creates a new Handlers instance.
func New(orch *orchestrator.Orchestrator, log *slog.Logger) *Handlers {
	return &Handlers{orch: orch, log: log}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// toAPIRun converts a store record into its API shape.
func toAPIRun(run *store.AgentRun) api.Run {
	out := api.Run{
		ID:          run.ID,
		Repository:  run.Repository,
		Target:      run.Target,
		Status:      string(run.Status),
		Prompt:      run.Input.Prompt,
		Model:       run.Input.Model,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		DurationMS:  run.Duration().Milliseconds(),
		CreatedAt:   run.CreatedAt,
		RetryCount:  run.RetryCount,
		ParentRunID: run.ParentRunID,
	}

	if run.Output != nil {
		out.Output = &api.RunOutput{
			Result:     run.Output.Result,
			Confidence: run.Output.Confidence,
			SessionID:  run.Output.SessionID,
			Transcript: run.Output.Transcript,
			Usage: api.RunUsage{
				InputTokens:  run.Output.Usage.InputTokens,
				OutputTokens: run.Output.Usage.OutputTokens,
			},
		}
	}
	if run.Error != nil {
		out.Error = &api.RunError{
			Code:        run.Error.Code,
			Message:     run.Error.Message,
			Detail:      run.Error.Detail,
			Recoverable: run.Error.Recoverable,
		}
	}

	return out
}
