// Package proxy provides a client for the restart proxy that routes
// requests to deployed application versions and manages their processes.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the restart proxy over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds restart proxy client configuration.
type Config struct {
	BaseURL string // e.g. "http://localhost:8008"
	Timeout time.Duration
}

// NewClient creates a new restart proxy client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// UpdateResponse is the body of GET /update.
type UpdateResponse struct {
	Updated bool `json:"updated"`
}

// RestartResponse is the body of GET /restart.
type RestartResponse struct {
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
}

// Update asks the proxy to reload its routing table.
func (c *Client) Update(ctx context.Context) error {
	var resp UpdateResponse
	status, err := c.get(ctx, "/update", nil, &resp)
	if err != nil {
		return err
	}
	if !resp.Updated {
		return fmt.Errorf("proxy did not update its routing table (status %d)", status)
	}
	c.logger.Debug("proxy routing table updated")
	return nil
}

// Restart asks the proxy to start or restart version of app.
func (c *Client) Restart(ctx context.Context, app, version string) error {
	query := url.Values{}
	query.Set("app", app)
	query.Set("version", version)

	var resp RestartResponse
	status, err := c.get(ctx, "/restart", query, &resp)
	if err != nil {
		return err
	}
	if !resp.Started {
		if resp.Error != "" {
			return fmt.Errorf("failed to restart %s (status %d, %s)", version, status, resp.Error)
		}
		return fmt.Errorf("failed to restart %s (status %d)", version, status)
	}
	c.logger.Debug("proxy restarted version", "app", app, "version", version)
	return nil
}

// get performs a GET request and decodes the JSON body into out. The body
// is decoded regardless of status so that error details reach the caller.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) (int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to proxy failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read proxy response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("unexpected proxy response (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.StatusCode, nil
}
