package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes worth retrying: the counter bumps and SKIP LOCKED claims
// can collide under concurrent workers.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// txRetry is the policy for transactions that bump run counters or claim runs.
var txRetry = RetryPolicy{MaxRetries: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

// RetryPolicy retries transient Postgres conflicts with jittered exponential
// backoff. MaxDelay caps a single wait; zero means uncapped.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// IsTransient reports whether err is a serialization failure or deadlock.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// retries run out. The last error is returned; a done ctx ends the wait early.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	err := fn()
	for attempt := 0; attempt < p.MaxRetries && IsTransient(err); attempt++ {
		t := time.NewTimer(p.wait(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		err = fn()
	}
	return err
}

// wait is BaseDelay*2^attempt plus up to the same again in jitter, capped.
func (p RetryPolicy) wait(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d > 0 {
		d += time.Duration(rand.Int64N(int64(d))) //nolint:gosec // jitter only
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
