package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentplane/pkg/api"
)

// RunClient handles API calls to the agentplane server.
type RunClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewRunClient creates a new client with the given base URL.
func NewRunClient(baseURL string) *RunClient {
	return &RunClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *RunClient) do(method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		var apiErr api.ErrorResponse
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// SubmitRun sends POST /runs.
func (c *RunClient) SubmitRun(req api.SubmitRunRequest) (*api.Run, error) {
	var run api.Run
	if err := c.do(http.MethodPost, "/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun sends GET /runs/{id}.
func (c *RunClient) GetRun(runID string) (*api.Run, error) {
	var run api.Run
	if err := c.do(http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns sends GET /runs with the given query values.
func (c *RunClient) ListRuns(query url.Values) (*api.ListRunsResponse, error) {
	path := "/runs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp api.ListRunsResponse
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RetryRun sends POST /runs/{id}/retry.
func (c *RunClient) RetryRun(runID string) (*api.Run, error) {
	var run api.Run
	if err := c.do(http.MethodPost, "/runs/"+url.PathEscape(runID)+"/retry", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun sends POST /runs/{id}/cancel.
func (c *RunClient) CancelRun(runID string) (*api.Run, error) {
	var run api.Run
	if err := c.do(http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Statistics sends GET /stats.
func (c *RunClient) Statistics() (*api.StatisticsResponse, error) {
	var stats api.StatisticsResponse
	if err := c.do(http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// StreamEvents opens the SSE stream for a run and invokes fn per event
// until the stream ends or fn returns false.
func (c *RunClient) StreamEvents(runID string, fn func(api.OutputEvent) bool) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/runs/"+url.PathEscape(runID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Event streams are long-held; no client-side timeout.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev api.OutputEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if !fn(ev) {
			return nil
		}
		if ev.IsFinal {
			return nil
		}
	}
	return scanner.Err()
}
