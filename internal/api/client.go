package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/engine"
	"github.com/mev-engine/arb-economics/pkg/interfaces"
	"github.com/mev-engine/arb-economics/pkg/metrics"
)

// DefaultBaseURL is where a locally started engine serves its API
const DefaultBaseURL = "http://localhost:8080"

// Client talks to a running engine's operator API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the API root the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health fetches /health
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Breaker fetches the breaker status
func (c *Client) Breaker(ctx context.Context) (*BreakerStatus, error) {
	var resp BreakerStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/breaker", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExportBreaker fetches a restorable breaker snapshot
func (c *Client) ExportBreaker(ctx context.Context) (*circuit.Snapshot, error) {
	var resp circuit.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/breaker/export", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResetBreaker forces the breaker closed
func (c *Client) ResetBreaker(ctx context.Context) (*BreakerStatus, error) {
	var resp BreakerStatus
	if err := c.do(ctx, http.MethodPost, "/api/v1/breaker/reset", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Tips fetches the current tip snapshot
func (c *Client) Tips(ctx context.Context, refresh bool) (*TipsResponse, error) {
	path := "/api/v1/tips"
	if refresh {
		path += "?refresh=true"
	}
	var resp TipsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Summary fetches the activity summary
func (c *Client) Summary(ctx context.Context) (*metrics.Summary, error) {
	var resp metrics.Summary
	if err := c.do(ctx, http.MethodGet, "/api/v1/summary", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Alerts fetches unacknowledged alerts
func (c *Client) Alerts(ctx context.Context) ([]*interfaces.Alert, error) {
	var resp []*interfaces.Alert
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Evaluate asks the engine to judge the opportunities in req
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*engine.Decision, error) {
	var resp engine.Decision
	if err := c.do(ctx, http.MethodPost, "/api/v1/evaluate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordOutcome reports an execution result
func (c *Client) RecordOutcome(ctx context.Context, outcome engine.Outcome) (*OutcomeResponse, error) {
	var resp OutcomeResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/outcomes", outcome, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach engine at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Error, resp.Status)
		}
		return fmt.Errorf("%s %s failed with status: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
