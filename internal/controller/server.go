// Package controller contains the HTTP API surface over the orchestrator.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"agentplane/internal/controller/handlers"
	"agentplane/internal/controller/middleware"
	"agentplane/internal/orchestrator"
)

// Server is the HTTP server for the API.
type Server struct {
	httpServer *http.Server
}

// New creates a new API server. The metrics handler may be nil.
func New(addr string, orch *orchestrator.Orchestrator, metricsHandler http.Handler, log *slog.Logger) *Server {
	h := handlers.New(orch, log)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", h.SubmitRun)
	mux.HandleFunc("GET /runs", h.ListRuns)
	mux.HandleFunc("GET /runs/{id}", h.GetRun)
	mux.HandleFunc("POST /runs/{id}/retry", h.RetryRun)
	mux.HandleFunc("POST /runs/{id}/cancel", h.CancelRun)
	mux.HandleFunc("GET /runs/{id}/events", h.StreamEvents)
	mux.HandleFunc("GET /stats", h.RunStatistics)
	mux.HandleFunc("GET /healthz", h.Health)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	var handler http.Handler = mux
	handler = middleware.RequestLogger(log)(handler)
	handler = middleware.RequestID(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     handler,
			ReadTimeout: 10 * time.Second,
			// No write timeout: event stream responses stay open for
			// the life of a run.
			WriteTimeout: 0,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
