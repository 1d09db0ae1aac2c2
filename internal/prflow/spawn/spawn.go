// Package spawn submits agent runs to the spawn gateway over HTTP JSON.
// The gateway owns process lifecycle; this client only submits a task and
// returns an opaque run handle.
package spawn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miller46/prflow/internal/prflow/retry"
)

// Request describes one agent run to submit.
type Request struct {
	Label             string   `json:"label"`
	Task              string   `json:"task"`
	AgentID           string   `json:"agentId"`
	RunTimeoutSeconds int      `json:"runTimeoutSeconds"`
	Cleanup           string   `json:"cleanup"`
	Env               []string `json:"env,omitempty"`
}

// Handle identifies a submitted run.
type Handle struct {
	RunID string `json:"runId"`
}

// Client is a typed spawn-gateway client over net/http.
type Client struct {
	endpoint     string
	httpClient   *http.Client
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *Client) { c.retryBackoff = delays }
}

// New creates a spawn client for the given gateway endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Spawn submits a run. It retries on transient errors (HTTP 5xx, network
// errors); 4xx responses are permanent.
func (c *Client) Spawn(ctx context.Context, req Request) (Handle, error) {
	if c.endpoint == "" {
		return Handle{}, retry.Permanent(fmt.Errorf("spawn gateway URL not configured"))
	}
	if req.Task == "" || req.AgentID == "" {
		return Handle{}, retry.Permanent(fmt.Errorf("spawn request needs task and agentId"))
	}

	var opts []retry.Option
	if len(c.retryBackoff) > 0 {
		opts = append(opts, retry.WithBackoff(c.retryBackoff...))
	}
	return retry.DoVal(ctx, func() (Handle, error) {
		return c.spawnOnce(ctx, req)
	}, opts...)
}

func (c *Client) spawnOnce(ctx context.Context, req Request) (Handle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Handle{}, retry.Permanent(fmt.Errorf("marshaling spawn request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/runs", bytes.NewReader(body))
	if err != nil {
		return Handle{}, retry.Permanent(fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Handle{}, fmt.Errorf("posting spawn request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Handle{}, fmt.Errorf("reading spawn response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return Handle{}, fmt.Errorf("spawn gateway returned %d: %s", resp.StatusCode, truncate(respBody))
	case resp.StatusCode >= 400:
		return Handle{}, retry.Permanent(fmt.Errorf("spawn gateway rejected request (%d): %s", resp.StatusCode, truncate(respBody)))
	}

	var h Handle
	if err := json.Unmarshal(respBody, &h); err != nil {
		return Handle{}, retry.Permanent(fmt.Errorf("decoding spawn response: %w", err))
	}
	if h.RunID == "" {
		return Handle{}, retry.Permanent(fmt.Errorf("spawn gateway returned no run id"))
	}
	return h, nil
}

func truncate(b []byte) string {
	const max = 500
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
