package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"agentplane/pkg/api"
)

func TestGetCommand_Success(t *testing.T) {
	resetViper()

	started := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs/run-123" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.Run{
			ID:          "run-123",
			Status:      "SUCCESS",
			Target:      "backend",
			StartedAt:   &started,
			CompletedAt: &completed,
			DurationMS:  90000,
			Output: &api.RunOutput{
				Result: "test fixed",
				Usage:  api.RunUsage{InputTokens: 100, OutputTokens: 20},
			},
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"get", "run-123"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	for _, want := range []string{"run-123", "SUCCESS", "backend", "test fixed", "100 in / 20 out"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestGetCommand_FailedRunShowsError(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.Run{
			ID:     "run-456",
			Status: "FAILED",
			Error: &api.RunError{
				Code:        "TIMEOUT",
				Message:     "run exceeded its maximum duration",
				Recoverable: true,
			},
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"get", "run-456"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := stdout.String()
	if !strings.Contains(output, "[TIMEOUT]") || !strings.Contains(output, "recoverable: true") {
		t.Errorf("expected error details in output, got: %s", output)
	}
}

func TestGetCommand_NotFound(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Run not found"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"get", "missing"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "Get failed (404)") {
		t.Errorf("expected 404 error, got: %s", stdout.String())
	}
}
