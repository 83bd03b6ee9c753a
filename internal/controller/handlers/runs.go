package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"agentplane/internal/engine"
	"agentplane/internal/session"
	"agentplane/internal/store"
	"agentplane/pkg/api"
)

// SubmitRun handles POST /runs.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		h.httpError(w, "prompt is required", http.StatusBadRequest)
		return
	}

	input := store.RunInput{
		Prompt:      req.Prompt,
		Model:       req.Model,
		Context:     req.Context,
		ResumeToken: req.ResumeToken,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
	}

	run, err := h.orch.SubmitRun(r.Context(), req.Repository, req.Target, input)
	if err != nil {
		if errors.Is(err, session.ErrInvalidSessionToken) {
			h.httpError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("submit failed", "error", err)
		h.httpError(w, "Failed to submit run", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, toAPIRun(run))
}

// GetRun handles GET /runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Run not found", http.StatusNotFound)
			return
		}
		h.log.Error("get run failed", "error", err)
		h.httpError(w, "Failed to fetch run", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, toAPIRun(run))
}

// ListRuns handles GET /runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := store.ListFilter{
		Status:     store.RunStatus(query.Get("status")),
		Repository: query.Get("repository"),
		Target:     query.Get("target"),
	}

	if v := query.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			filter.Limit = parsed
		}
	}
	if v := query.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			filter.Offset = parsed
		}
	}
	if v := query.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = &t
		}
	}
	if v := query.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = &t
		}
	}

	runs, total, err := h.orch.ListRuns(r.Context(), filter)
	if err != nil {
		h.log.Error("list runs failed", "error", err)
		h.httpError(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}

	items := make([]api.Run, len(runs))
	for i, run := range runs {
		items[i] = toAPIRun(run)
	}

	h.respondJson(w, http.StatusOK, api.ListRunsResponse{Items: items, Total: total})
}

// RetryRun handles POST /runs/{id}/retry.
func (h *Handlers) RetryRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.RetryRun(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.httpError(w, "Run not found", http.StatusNotFound)
		case errors.Is(err, engine.ErrNotRetryable):
			h.httpError(w, err.Error(), http.StatusConflict)
		default:
			h.log.Error("retry failed", "error", err)
			h.httpError(w, "Failed to retry run", http.StatusInternalServerError)
		}
		return
	}

	h.respondJson(w, http.StatusCreated, toAPIRun(run))
}

// CancelRun handles POST /runs/{id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.orch.CancelRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Run not found", http.StatusNotFound)
			return
		}
		h.log.Error("cancel failed", "error", err)
		h.httpError(w, "Failed to cancel run", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, toAPIRun(run))
}

// RunStatistics handles GET /stats.
func (h *Handlers) RunStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orch.RunStatistics(r.Context())
	if err != nil {
		h.log.Error("statistics failed", "error", err)
		h.httpError(w, "Failed to compute statistics", http.StatusInternalServerError)
		return
	}

	resp := api.StatisticsResponse{
		TotalRuns:     stats.TotalRuns,
		ByStatus:      make(map[string]int64, len(stats.ByStatus)),
		SuccessRate:   stats.SuccessRate,
		AvgDurationMS: stats.AvgDuration.Milliseconds(),
	}
	for status, count := range stats.ByStatus {
		resp.ByStatus[string(status)] = count
	}
	for _, ts := range stats.ByTarget {
		resp.ByTarget = append(resp.ByTarget, api.TargetStats{
			Target:    ts.Target,
			Total:     ts.Total,
			Succeeded: ts.Succeeded,
		})
	}

	h.respondJson(w, http.StatusOK, resp)
}
