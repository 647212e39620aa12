// Package resilience provides bounded-retry primitives for resource
// acquisition. The pipeline uses [Retry] around transcription model loading:
// a bounded number of attempts with doubling backoff, after which the error
// escalates to the lifecycle manager.
//
// All functions are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxAttempts is the total number of tries, including the first.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt; it doubles per
	// attempt. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the per-attempt delay. Default: 10s.
	MaxBackoff time.Duration
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, or ctx
// is cancelled. The returned error is the last attempt's error (or the
// context error), annotated with the attempt count.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg.applyDefaults()

	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			slog.Warn("retrying after failure",
				"name", cfg.Name, "attempt", attempt, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w (after %d attempts)", cfg.Name, ctx.Err(), attempt-1)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, cfg.MaxBackoff)
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
	}
	return fmt.Errorf("%s: %w (attempts exhausted)", cfg.Name, lastErr)
}
