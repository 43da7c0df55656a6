// Package client provides HTTP client functionality to communicate with a
// running runfleet serve API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/runfleet/runfleet/internal/fleet"
)

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// Client talks to the runfleet serve API.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New creates a serve-API client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{baseURL: cfg.BaseURL, hc: &http.Client{Timeout: cfg.Timeout}}
}

// Status fetches the in-memory fleet snapshot.
func (c *Client) Status(ctx context.Context) (map[string]fleet.GroupStatus, error) {
	var out map[string]fleet.GroupStatus
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Report fetches the disk-derived report for one group.
func (c *Client) Report(ctx context.Context, group string) ([]fleet.ReportEntry, error) {
	var out struct {
		Runners []fleet.ReportEntry `json:"runners"`
	}
	if err := c.do(ctx, http.MethodGet, "/report?group="+url.QueryEscape(group), nil, &out); err != nil {
		return nil, err
	}
	return out.Runners, nil
}

// Scale reconciles a group to the target count.
func (c *Client) Scale(ctx context.Context, group string, count int) error {
	body := map[string]any{"group": group, "count": count}
	return c.do(ctx, http.MethodPost, "/scale", body, nil)
}

// PurgeGhosts removes stale pidfiles for a group and returns how many.
func (c *Client) PurgeGhosts(ctx context.Context, group string) (int, error) {
	var out struct {
		Purged int `json:"purged"`
	}
	if err := c.do(ctx, http.MethodPost, "/ghosts/purge?group="+url.QueryEscape(group), nil, &out); err != nil {
		return 0, err
	}
	return out.Purged, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("runfleet API %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(b))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
