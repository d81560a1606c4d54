package runner

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds the per-call retry loop.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first. 0 disables retries.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxJitter   time.Duration
}

// DefaultRetryConfig returns the retry settings used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  20 * time.Second,
		MaxJitter:   250 * time.Millisecond,
	}
}

// backoff returns BaseBackoff * 2^attempt capped at MaxBackoff, plus jitter.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := c.BaseBackoff << attempt
	if c.MaxBackoff > 0 && (d > c.MaxBackoff || d <= 0) {
		d = c.MaxBackoff
	}
	if c.MaxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(c.MaxJitter)))
	}
	return d
}

// retryWithBackoff calls fn until it succeeds, returns a non-retryable error,
// or MaxRetries is exhausted. It returns the number of retries performed.
func retryWithBackoff[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, op string, fn func() (T, error)) (T, int, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; ; attempt++ {
		result, err = fn()
		if err == nil || !IsRetryable(err) || attempt >= cfg.MaxRetries {
			return result, attempt, err
		}

		wait := cfg.backoff(attempt)
		logger.Warn("runner: retryable provider error",
			"op", op,
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"backoff", wait,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
