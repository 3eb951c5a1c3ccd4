package ai

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls retry behavior for model calls.
type RetryConfig struct {
	MaxRetries     int           // attempts beyond the first
	InitialBackoff time.Duration // backoff before the first retry
	MaxBackoff     time.Duration // backoff ceiling
	Timeout        time.Duration // per-attempt deadline
}

// DefaultRetryConfig returns the retry defaults for classification calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        30 * time.Second,
	}
}

// WithRetry runs fn with per-attempt deadlines, exponential backoff, and full
// jitter. Only errors marked Retryable are retried; everything else is
// returned immediately.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Full jitter: sleep uniformly in [0, backoff).
			sleep := time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-time.After(sleep):
			}
			backoff *= 2
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if !Retryable(err) {
			return err
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", cfg.MaxRetries+1, lastErr)
}
