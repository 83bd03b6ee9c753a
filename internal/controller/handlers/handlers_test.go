package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"agentplane/internal/broadcast"
	"agentplane/internal/bus"
	"agentplane/internal/engine"
	"agentplane/internal/orchestrator"
	"agentplane/internal/store"
	"agentplane/internal/store/sqlite"
	"agentplane/pkg/api"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("failed to write fake agent: %v", err)
	}
	return path
}

// newTestServer stands up the API over a real orchestrator and store.
func newTestServer(t *testing.T, agentBin string) (*httptest.Server, store.RunStore) {
	t.Helper()

	st, err := sqlite.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := testLogger()
	b := bus.New()
	bc := broadcast.New(time.Minute, log)
	eng := engine.New(engine.Config{MaxConcurrency: 2, AgentBin: agentBin}, st, bc, b, nil, log)
	orch := orchestrator.New(st, eng, bc, b, orchestrator.Options{}, log)
	orch.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		orch.Stop(ctx)
	})

	h := New(orch, log)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", h.SubmitRun)
	mux.HandleFunc("GET /runs", h.ListRuns)
	mux.HandleFunc("GET /runs/{id}", h.GetRun)
	mux.HandleFunc("POST /runs/{id}/retry", h.RetryRun)
	mux.HandleFunc("POST /runs/{id}/cancel", h.CancelRun)
	mux.HandleFunc("GET /runs/{id}/events", h.StreamEvents)
	mux.HandleFunc("GET /stats", h.RunStatistics)
	mux.HandleFunc("GET /healthz", h.Health)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s failed: %v", url, err)
	}
	return resp
}

func decodeRun(t *testing.T, resp *http.Response) api.Run {
	t.Helper()
	defer resp.Body.Close()
	var run api.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run failed: %v", err)
	}
	return run
}

func waitForAPIStatus(t *testing.T, baseURL, runID, want string) api.Run {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/runs/" + runID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		run := decodeRun(t, resp)
		if run.Status == want {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return api.Run{}
}

func TestSubmitRun(t *testing.T) {
	bin := writeFakeAgent(t, `echo '{"type":"result","result":"fine","session_id":"9b2d7c1e-30f4-4aa5-8f0e-6d1c2b3a4f5e"}'`)
	srv, _ := newTestServer(t, bin)

	resp := postJSON(t, srv.URL+"/runs", api.SubmitRunRequest{
		Repository: "acme/widgets",
		Target:     "review",
		Prompt:     "review the diff",
		Model:      "sonnet",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	run := decodeRun(t, resp)
	if run.ID == "" || run.Status != "QUEUED" {
		t.Errorf("unexpected submit response: %+v", run)
	}
	if run.Prompt != "review the diff" || run.Model != "sonnet" {
		t.Errorf("input not echoed: %+v", run)
	}

	final := waitForAPIStatus(t, srv.URL, run.ID, "SUCCESS")
	if final.Output == nil || final.Output.Result != "fine" {
		t.Errorf("output missing from API response: %+v", final.Output)
	}
}

func TestSubmitRun_Validation(t *testing.T) {
	bin := writeFakeAgent(t, `echo '{"type":"result","result":"fine"}'`)
	srv, _ := newTestServer(t, bin)

	// Missing prompt.
	resp := postJSON(t, srv.URL+"/runs", api.SubmitRunRequest{Target: "review"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing prompt, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Malformed body.
	raw, err := http.Post(srv.URL+"/runs", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", raw.StatusCode)
	}
	raw.Body.Close()

	// Bad resume token.
	resp = postJSON(t, srv.URL+"/runs", api.SubmitRunRequest{Prompt: "go", ResumeToken: "not-a-uuid"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad resume token, got %d", resp.StatusCode)
	}
	var errResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response failed: %v", err)
	}
	resp.Body.Close()
	if !strings.Contains(errResp.Error, "session token") {
		t.Errorf("error message should name the token: %q", errResp.Error)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	bin := writeFakeAgent(t, `echo '{"type":"result","result":"fine"}'`)
	srv, _ := newTestServer(t, bin)

	resp, err := http.Get(srv.URL + "/runs/missing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	bin := writeFakeAgent(t, `echo '{"type":"result","result":"fine"}'`)
	srv, _ := newTestServer(t, bin)

	var ids []string
	for _, target := range []string{"review", "review", "triage"} {
		resp := postJSON(t, srv.URL+"/runs", api.SubmitRunRequest{Prompt: "go", Target: target})
		run := decodeRun(t, resp)
		ids = append(ids, run.ID)
	}
	for _, id := range ids {
		waitForAPIStatus(t, srv.URL, id, "SUCCESS")
	}

	resp, err := http.Get(srv.URL + "/runs?target=review")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	defer resp.Body.Close()

	var list api.ListRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list failed: %v", err)
	}
	if list.Total != 2 || len(list.Items) != 2 {
		t.Errorf("expected 2 review runs, got total=%d len=%d", list.Total, len(list.Items))
	}

	resp2, err := http.Get(srv.URL + "/runs?status=SUCCESS&limit=1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	defer resp2.Body.Close()
	if err := json.NewDecoder(resp2.Body).Decode(&list); err != nil {
		t.Fatalf("decode list failed: %v", err)
	}
	if list.Total != 3 || len(list.Items) != 1 {
		t.Errorf("expected total 3 with page of 1, got total=%d len=%d", list.Total, len(list.Items))
	}
}

func TestRetryRun(t *testing.T) {
	bin := writeFakeAgent(t, `exit 1`)
	srv, _ := newTestServer(t, bin)

	resp := postJSON(t, srv.URL+"/runs", api.SubmitRunRequest{Prompt: "flaky"})
	run := decodeRun(t, resp)
	waitForAPIStatus(t, srv.URL, run.ID, "FAILED")

	retryResp := postJSON(t, srv.URL+"/runs/"+run.ID+"/retry", nil)
	if retryResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", retryResp.StatusCode)
	}
	retry := decodeRun(t, retryResp)
	if retry.ParentRunID != run.ID || retry.RetryCount != 1 {
		t.Errorf("unexpected retry record: %+v", retry)
	}

	// The parent is terminal now; retrying it again conflicts.
	conflict := postJSON(t, srv.URL+"/runs/"+run.ID+"/retry", nil)
	defer conflict.Body.Close()
	if conflict.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for a second retry, got %d", conflict.StatusCode)
	}

	missing := postJSON(t, srv.URL+"/runs/missing/retry", nil)
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", missing.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	bin := writeFakeAgent(t, `
echo '{"type":"assistant","message":"working"}'
sleep 60
`)
	srv, _ := newTestServer(t, bin)

	resp := postJSON(t, srv.URL+"/runs", api.SubmitRunRequest{Prompt: "go"})
	run := decodeRun(t, resp)
	waitForAPIStatus(t, srv.URL, run.ID, "RUNNING")

	cancelResp := postJSON(t, srv.URL+"/runs/"+run.ID+"/cancel", nil)
	if cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", cancelResp.StatusCode)
	}
	cancelResp.Body.Close()

	final := waitForAPIStatus(t, srv.URL, run.ID, "CANCELLED")
	if final.Output != nil || final.Error != nil {
		t.Errorf("cancelled run must carry neither output nor error: %+v", final)
	}
}

func TestRunStatistics(t *testing.T) {
	bin := writeFakeAgent(t, `echo '{"type":"result","result":"fine"}'`)
	srv, _ := newTestServer(t, bin)

	resp := postJSON(t, srv.URL+"/runs", api.SubmitRunRequest{Prompt: "go", Target: "review"})
	run := decodeRun(t, resp)
	waitForAPIStatus(t, srv.URL, run.ID, "SUCCESS")

	statsResp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	defer statsResp.Body.Close()

	var stats api.StatisticsResponse
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats failed: %v", err)
	}
	if stats.TotalRuns != 1 || stats.ByStatus["SUCCESS"] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.SuccessRate != 1 {
		t.Errorf("expected success rate 1, got %f", stats.SuccessRate)
	}
	if len(stats.ByTarget) != 1 || stats.ByTarget[0].Target != "review" {
		t.Errorf("unexpected target stats: %+v", stats.ByTarget)
	}
}

func TestHealth(t *testing.T) {
	bin := writeFakeAgent(t, `echo '{"type":"result","result":"fine"}'`)
	srv, _ := newTestServer(t, bin)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStreamEvents(t *testing.T) {
	bin := writeFakeAgent(t, `
sleep 0.5
echo '{"type":"assistant","message":"step"}'
echo '{"type":"result","result":"fine"}'
`)
	srv, _ := newTestServer(t, bin)

	resp := postJSON(t, srv.URL+"/runs", api.SubmitRunRequest{Prompt: "go"})
	run := decodeRun(t, resp)

	streamResp, err := http.Get(srv.URL + "/runs/" + run.ID + "/events")
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	defer streamResp.Body.Close()

	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", streamResp.StatusCode)
	}
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %q", ct)
	}

	var events []api.OutputEvent
	scanner := bufio.NewScanner(streamResp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev api.OutputEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		events = append(events, ev)
		if ev.IsFinal {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("stream read error: %v", err)
	}

	if len(events) == 0 {
		t.Fatal("no events received")
	}
	last := events[len(events)-1]
	if !last.IsFinal || last.Status != "SUCCESS" {
		t.Errorf("unexpected final event: %+v", last)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Type == "output" && ev.Line == "" {
			t.Errorf("output event without a line: %+v", ev)
		}
	}
}

func TestStreamEvents_NotFound(t *testing.T) {
	bin := writeFakeAgent(t, `echo '{"type":"result","result":"fine"}'`)
	srv, _ := newTestServer(t, bin)

	resp, err := http.Get(srv.URL + "/runs/missing/events")
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
