// Package api talks to the external control plane that runners register
// with. Every call goes through the exponential-backoff retrier; transient
// failures are retried, authentication/permission/not-found errors surface
// immediately.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Worker is one registered runner as the control plane sees it.
type Worker struct {
	ID     int64    `json:"id"`
	Name   string   `json:"name"`
	Status string   `json:"status"` // active, idle, offline
	Labels []string `json:"labels"`
}

// ManifestItem describes one downloadable runner binary package.
type ManifestItem struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	URL      string `json:"download_url"`
	Filename string `json:"filename"`
}

// Config holds client configuration.
type Config struct {
	BaseURL string // control-plane API root, no trailing slash
	Token   string // bearer credential for the control plane
	Timeout time.Duration
	Retry   RetryPolicy
	Logger  *slog.Logger
}

// Client is the retrying control-plane client.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	retry   RetryPolicy
	lg      *slog.Logger
}

// New creates a control-plane client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		hc:      &http.Client{Timeout: cfg.Timeout},
		retry:   cfg.Retry,
		lg:      cfg.Logger,
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// RegistrationToken obtains a fresh per-worker registration credential for
// the group (slug form "owner/repo").
func (c *Client) RegistrationToken(ctx context.Context, slug string) (string, error) {
	var tr tokenResponse
	err := c.retry.Do(ctx, c.lg, "registration-token", func() error {
		return c.doJSON(ctx, http.MethodPost,
			fmt.Sprintf("/repos/%s/runners/registration-token", slug), nil, &tr)
	})
	if err != nil {
		return "", fmt.Errorf("registration token for %s: %w", slug, err)
	}
	return tr.Token, nil
}

// RemovalToken obtains a credential permitting de-registration of a worker.
func (c *Client) RemovalToken(ctx context.Context, slug string) (string, error) {
	var tr tokenResponse
	err := c.retry.Do(ctx, c.lg, "removal-token", func() error {
		return c.doJSON(ctx, http.MethodPost,
			fmt.Sprintf("/repos/%s/runners/remove-token", slug), nil, &tr)
	})
	if err != nil {
		return "", fmt.Errorf("removal token for %s: %w", slug, err)
	}
	return tr.Token, nil
}

// ListWorkers returns the workers the control plane has registered for slug.
func (c *Client) ListWorkers(ctx context.Context, slug string) ([]Worker, error) {
	var resp struct {
		Runners []Worker `json:"runners"`
	}
	err := c.retry.Do(ctx, c.lg, "list-workers", func() error {
		return c.doJSON(ctx, http.MethodGet,
			fmt.Sprintf("/repos/%s/runners", slug), nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("list workers for %s: %w", slug, err)
	}
	return resp.Runners, nil
}

// DeleteWorker revokes one worker registration.
func (c *Client) DeleteWorker(ctx context.Context, slug string, id int64) error {
	err := c.retry.Do(ctx, c.lg, "delete-worker", func() error {
		return c.doJSON(ctx, http.MethodDelete,
			fmt.Sprintf("/repos/%s/runners/%d", slug, id), nil, nil)
	})
	if err != nil {
		return fmt.Errorf("delete worker %d for %s: %w", id, slug, err)
	}
	return nil
}

// ValidateGroup reports whether slug names an existing, accessible group.
// A 404 is a negative answer, not an error.
func (c *Client) ValidateGroup(ctx context.Context, slug string) (bool, error) {
	err := c.retry.Do(ctx, c.lg, "validate-group", func() error {
		return c.doJSON(ctx, http.MethodGet, "/repos/"+slug, nil, nil)
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("validate %s: %w", slug, err)
	}
	return true, nil
}

// DownloadManifest lists the runner binary packages available for slug.
func (c *Client) DownloadManifest(ctx context.Context, slug string) ([]ManifestItem, error) {
	var items []ManifestItem
	err := c.retry.Do(ctx, c.lg, "download-manifest", func() error {
		return c.doJSON(ctx, http.MethodGet,
			fmt.Sprintf("/repos/%s/runners/downloads", slug), nil, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("download manifest for %s: %w", slug, err)
	}
	return items, nil
}

// doJSON performs a single HTTP round trip, decoding a JSON body into out
// when out is non-nil. Non-2xx statuses become *StatusError for the retrier
// to classify.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
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
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
