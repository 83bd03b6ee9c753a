package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"agentplane/internal/broadcast"
	"agentplane/internal/store"
	"agentplane/pkg/api"
)

// StreamEvents handles GET /runs/{id}/events as Server-Sent Events. The
// connection stays open until the run finishes or the client disconnects;
// heartbeat events keep idle proxies from timing the stream out.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.httpError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel, err := h.orch.SubscribeOutput(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Run not found", http.StatusNotFound)
			return
		}
		h.log.Error("subscribe failed", "run_id", runID, "error", err)
		h.httpError(w, "Failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.IsFinal {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev broadcast.Event) error {
	payload := api.OutputEvent{
		Type:      string(ev.Type),
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Line:      ev.Line,
		IsFinal:   ev.IsFinal,
		Status:    ev.Status,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
