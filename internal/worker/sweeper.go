package worker

import (
	"context"
	"log/slog"
	"time"
)

// TimedOutSweeper fails RUNNING runs that exceeded the run timeout.
type TimedOutSweeper interface {
	SweepTimedOut(ctx context.Context, limit int) (int, error)
}

// TimeoutSweeper calls SweepTimedOut on an interval. It catches runs whose
// worker died and never reached another case checkpoint.
type TimeoutSweeper struct {
	sweeper  TimedOutSweeper
	interval time.Duration
	limit    int
	logger   *slog.Logger
}

// NewTimeoutSweeper creates a sweeper that fails up to limit runs per pass.
func NewTimeoutSweeper(sweeper TimedOutSweeper, interval time.Duration, limit int, logger *slog.Logger) *TimeoutSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if limit <= 0 {
		limit = 100
	}
	return &TimeoutSweeper{sweeper: sweeper, interval: interval, limit: limit, logger: logger}
}

// Run sweeps once immediately and then every interval until ctx is done.
// It blocks, so call it in a goroutine.
func (t *TimeoutSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *TimeoutSweeper) sweep(ctx context.Context) {
	n, err := t.sweeper.SweepTimedOut(ctx, t.limit)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("worker: sweep timed out runs", "error", err)
		}
		return
	}
	if n > 0 {
		t.logger.Info("worker: failed timed out runs", "count", n)
	}
}
