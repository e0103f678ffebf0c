package zee

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Run statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the workflow run API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RunSubmission is the payload used to queue a workflow run. ID and
// SessionKey are optional; resubmitting an ID returns the existing run.
type RunSubmission struct {
	ID         string `json:"id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	Goal       string `json:"goal"`
}

// ContextItem is one entry of a run's shared context trace.
type ContextItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunResult is the outcome of a workflow run.
type RunResult struct {
	RunID      string        `json:"run_id"`
	Content    string        `json:"content"`
	Context    []ContextItem `json:"context"`
	Iterations int           `json:"iterations"`
	CapReached bool          `json:"cap_reached"`
}

// Run is the server side view of a queued workflow run.
type Run struct {
	ID         string     `json:"id"`
	SessionKey string     `json:"session_key,omitempty"`
	Goal       string     `json:"goal"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"max_retries"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Result     *RunResult `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Terminal reports whether the run reached a final status.
func (r Run) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// Stats aggregates run counts.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Evicted   int `json:"evicted"`
}

// ListFilter narrows ListRuns results. Zero values are omitted.
type ListFilter struct {
	Statuses   []string
	SessionKey string
	Query      string
	Limit      int
	Offset     int
	Ascending  bool
}

func (f ListFilter) values() url.Values {
	values := url.Values{}
	if len(f.Statuses) > 0 {
		values.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.SessionKey != "" {
		values.Set("session_key", f.SessionKey)
	}
	if f.Query != "" {
		values.Set("q", f.Query)
	}
	if f.Limit > 0 {
		values.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		values.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Ascending {
		values.Set("order", "asc")
	}
	return values
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("zee api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("zee api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an API error for a missing or evicted run.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone
}

// NewClient instantiates a client for the run API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitRun queues a new workflow run.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (Run, error) {
	var run Run
	if err := c.send(ctx, http.MethodPost, "/api/v1/runs", nil, submission, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	if err := c.send(ctx, http.MethodGet, "/api/v1/runs/"+runID, nil, nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// LatestRun returns the most recent run submitted under sessionKey.
func (c *Client) LatestRun(ctx context.Context, sessionKey string) (Run, error) {
	var run Run
	if err := c.send(ctx, http.MethodGet, "/api/v1/sessions/"+sessionKey+"/run", nil, nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns returns runs matching filter.
func (c *Client) ListRuns(ctx context.Context, filter ListFilter) ([]Run, error) {
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/runs", filter.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Stats returns aggregated run counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.send(ctx, http.MethodGet, "/api/v1/runs/stats", nil, nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// EvictRun removes a finished run from the server.
func (c *Client) EvictRun(ctx context.Context, runID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/runs/"+runID, nil, nil, nil)
}

// WaitForRun polls GetRun every interval until the run is terminal or ctx ends.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
