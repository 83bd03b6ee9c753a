package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInitMetrics(t *testing.T) {
	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	if handler == nil {
		t.Fatal("expected handler to be non-nil")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("handler returned status %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Error("handler returned empty body")
	}
}

func TestEngineMetrics_AppearInScrape(t *testing.T) {
	ctx := context.Background()

	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	m, err := NewEngineMetrics()
	if err != nil {
		t.Fatalf("NewEngineMetrics failed: %v", err)
	}

	m.RunSubmitted(ctx)
	m.RunAdmitted(ctx)
	m.RunFinished(ctx, "SUCCESS")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	body := rr.Body.String()
	if !strings.Contains(body, "agentplane_runs_submitted") {
		t.Errorf("expected submitted counter in scrape output, got:\n%s", body)
	}
	if !strings.Contains(body, "agentplane_runs_completed") {
		t.Errorf("expected completed counter in scrape output, got:\n%s", body)
	}
}

func TestEngineMetrics_NilReceiverIsSafe(t *testing.T) {
	ctx := context.Background()
	var m *EngineMetrics

	// Each recorder must be a no-op on a nil receiver.
	m.RunSubmitted(ctx)
	m.RunAdmitted(ctx)
	m.RunDequeued(ctx)
	m.RunFinished(ctx, "FAILED")
	m.RunCancelledQueued(ctx)
}
