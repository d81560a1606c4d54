// Package worker claims queued eval runs and drives them through the
// orchestrator in the background.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kensa/internal/telemetry"
)

// Queue hands out QUEUED runs. Claimed runs are already RUNNING and belong
// to the caller.
type Queue interface {
	ClaimQueuedRuns(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Processor takes one run to a terminal state.
type Processor interface {
	ProcessRun(ctx context.Context, runID uuid.UUID) error
}

// Config bounds the scheduler.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
}

// Scheduler claims runs in batches and processes up to Concurrency of them
// at once. Cases inside a run stay sequential; the orchestrator owns that.
type Scheduler struct {
	queue     Queue
	processor Processor
	cfg       Config
	logger    *slog.Logger

	started    atomic.Bool
	inflight   atomic.Int64
	wake       chan struct{}
	cancelLoop context.CancelFunc
	cancelRuns context.CancelFunc
	group      *errgroup.Group
	loopDone   chan struct{}
	once       sync.Once

	claimed metric.Int64Counter
}

// NewScheduler creates a scheduler. Wire Nudge to queue notifications to
// pick up new runs before the next poll.
func NewScheduler(queue Queue, processor Processor, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Scheduler{
		queue:     queue,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		loopDone:  make(chan struct{}),
	}
}

// Start launches the claim loop. Runs keep going after ctx is cancelled
// until Drain gives up on them. Safe to call once; later calls are ignored.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("worker: Start called more than once, ignoring")
		return
	}
	s.registerMetrics()

	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelRuns = cancelRuns
	s.group = new(errgroup.Group)
	s.group.SetLimit(s.cfg.Concurrency)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel

	go s.loop(loopCtx, runCtx)
	s.Nudge()
}

// Nudge asks the loop to claim now instead of waiting for the next tick.
func (s *Scheduler) Nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Drain stops claiming and waits for in-flight runs. When ctx expires first
// the remaining runs are cancelled; the orchestrator records them as failed.
func (s *Scheduler) Drain(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	s.cancelLoop()
	<-s.loopDone

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("worker: drain timed out, cancelling in-flight runs", "inflight", s.inflight.Load())
		s.cancelRuns()
		<-done
	}
	s.cancelRuns()
}

func (s *Scheduler) loop(ctx, runCtx context.Context) {
	defer s.once.Do(func() { close(s.loopDone) })

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.claim(ctx, runCtx)
	}
}

// claim fills free slots. A full batch re-nudges the loop so a backlog drains
// without waiting for the ticker.
func (s *Scheduler) claim(ctx, runCtx context.Context) {
	free := s.cfg.Concurrency - int(s.inflight.Load())
	if free <= 0 {
		return
	}
	limit := min(free, s.cfg.BatchSize)

	ids, err := s.queue.ClaimQueuedRuns(ctx, limit)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("worker: claim runs", "error", err)
		}
		return
	}
	if len(ids) == 0 {
		return
	}
	s.claimed.Add(ctx, int64(len(ids)))
	s.logger.Debug("worker: claimed runs", "count", len(ids))

	for _, id := range ids {
		s.inflight.Add(1)
		s.group.Go(func() error {
			defer func() {
				s.inflight.Add(-1)
				s.Nudge()
			}()
			s.process(runCtx, id)
			return nil
		})
	}
	if len(ids) == limit {
		s.Nudge()
	}
}

func (s *Scheduler) process(ctx context.Context, id uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker: run processing panicked", "run_id", id, "panic", r)
		}
	}()
	start := time.Now()
	if err := s.processor.ProcessRun(ctx, id); err != nil {
		s.logger.Error("worker: process run", "run_id", id, "error", err)
		return
	}
	s.logger.Info("worker: run processed", "run_id", id, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) registerMetrics() {
	meter := telemetry.Meter("kensa/worker")

	s.claimed, _ = meter.Int64Counter("kensa.worker.runs_claimed",
		metric.WithDescription("Eval runs claimed from the queue"),
	)
	_, _ = meter.Int64ObservableGauge("kensa.worker.inflight",
		metric.WithDescription("Eval runs currently being processed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.inflight.Load(), metric.WithAttributes(attribute.Int("concurrency", s.cfg.Concurrency)))
			return nil
		}),
	)
}
