// Package sink posts completed session summaries to the remote logging
// endpoint.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultTimeout = 10 * time.Second

// ErrNoEndpoint is returned by Send when no endpoint is configured.
var ErrNoEndpoint = errors.New("sink: endpoint not configured")

// SessionRecord is the body of one completed-session call.
type SessionRecord struct {
	SessionID          string  `json:"session_id"`
	ExtensionUserID    string  `json:"extension_user_id"`
	StartTime          string  `json:"start_time"`
	EndTime            string  `json:"end_time"`
	PromptCount        int     `json:"prompt_count"`
	EstimatedEmissions float64 `json:"estimated_emissions"`
	EstimatedWater     float64 `json:"estimated_water"`
	BrowserVersion     string  `json:"browser_version"`
}

// FormatTime renders record timestamps as RFC3339 UTC with milliseconds.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Client sends session records.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
}

// New returns a client for endpoint. A nil http client uses
// http.DefaultClient; timeout <= 0 uses DefaultTimeout.
func New(endpoint string, client *http.Client, timeout time.Duration) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{endpoint: endpoint, http: client, timeout: timeout}
}

// Endpoint returns the configured endpoint.
func (c *Client) Endpoint() string { return c.endpoint }

// Send POSTs rec as JSON. Non-2xx responses are errors.
func (c *Client) Send(ctx context.Context, rec SessionRecord) error {
	if c.endpoint == "" {
		return ErrNoEndpoint
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink: marshal record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sink: send: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink: session log failed: status=%d", resp.StatusCode)
	}
	return nil
}
