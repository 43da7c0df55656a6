package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/runfleet/runfleet/internal/metrics"
)

// StatusError is a non-2xx control-plane response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control plane returned %s", e.Status)
}

// retryable classifies an error. Network-level failures (unreachable,
// timeout, name resolution) and HTTP 5xx/429/408 are transient; every other
// HTTP status, notably 401/403/404, is terminal and must not be retried.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode >= 500:
			return true
		case se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode == http.StatusRequestTimeout:
			return true
		default:
			return false
		}
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return true
	}
	var op *net.OpError
	if errors.As(err, &op) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// RetryPolicy drives exponential backoff for control-plane calls.
type RetryPolicy struct {
	MaxAttempts  int           // total call budget, not extra retries
	InitialDelay time.Duration // delay before the second attempt
	Multiplier   float64       // backoff growth factor
}

// DefaultRetryPolicy returns the production policy: 3 attempts, 1s, 2x.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Do invokes op at most MaxAttempts times. Terminal errors propagate
// immediately; transient ones are retried after the current delay, which
// grows by Multiplier per retry. Every retry is logged as a warning with the
// attempt number and the computed delay.
func (p RetryPolicy) Do(ctx context.Context, lg *slog.Logger, name string, op func() error) error {
	if lg == nil {
		lg = slog.Default()
	}
	p = p.withDefaults()
	delay := p.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}
		lg.Warn("control-plane call failed, retrying",
			"operation", name, "attempt", attempt, "delay", delay, "error", err)
		metrics.IncRemoteRetry(name)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return fmt.Errorf("%s: attempts exhausted: %w", name, lastErr)
}
