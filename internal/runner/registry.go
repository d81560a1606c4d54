package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// DefaultMaxOutputTokens is used when a request does not set a limit.
const DefaultMaxOutputTokens = 1024

// Options configures a Registry.
type Options struct {
	Retry            RetryConfig
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Registry dispatches requests to providers by name.
type Registry struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	providers map[string]Provider
	breakers  map[string]*breaker

	duration metric.Float64Histogram
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(opts Options, logger *slog.Logger, providers ...Provider) *Registry {
	dur, _ := telemetry.Meter("kensa/runner").Float64Histogram("kensa.runner.duration",
		metric.WithDescription("Model runner call duration including retries (ms)"),
		metric.WithUnit("ms"),
	)
	r := &Registry{
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		providers: make(map[string]Provider),
		breakers:  make(map[string]*breaker),
		duration:  dur,
	}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	name := strings.ToLower(p.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	r.breakers[name] = newBreaker(r.opts.BreakerThreshold, r.opts.BreakerCooldown, func() time.Time { return r.now() })
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}

func (r *Registry) lookup(name string) (Provider, *breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, r.breakers[name], ok
}

// Run executes req against its provider with retries and circuit breaking.
func (r *Registry) Run(ctx context.Context, req Request) (Result, error) {
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	p, br, ok := r.lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	if req.MaxOutputTokens <= 0 {
		req.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if !br.Allow() {
		return Result{}, fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}

	start := r.now()
	comp, retries, err := retryWithBackoff(ctx, r.opts.Retry, r.logger, name+" "+req.Model, func() (Completion, error) {
		return p.Complete(ctx, req)
	})
	elapsed := r.now().Sub(start)

	outcome := "ok"
	switch {
	case err == nil:
		br.Success()
	case isClientError(err) || errors.Is(err, context.Canceled):
		br.Release()
		outcome = "error"
	default:
		br.Failure()
		outcome = "error"
	}
	r.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("provider", name),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		return Result{}, fmt.Errorf("runner: %s %s after %d retries: %w", name, req.Model, retries, err)
	}

	usedModel := comp.UsedModel
	if usedModel == "" {
		usedModel = req.Model
	}
	return Result{
		OutputText: comp.Text,
		Meta: model.UsageMeta{
			Provider:         name,
			RequestedModel:   req.Model,
			UsedModel:        usedModel,
			LatencyMs:        elapsed.Milliseconds(),
			InputTokens:      comp.InputTokens,
			OutputTokens:     comp.OutputTokens,
			TotalTokens:      comp.InputTokens + comp.OutputTokens,
			EstimatedCostUSD: EstimateCost(usedModel, comp.InputTokens, comp.OutputTokens),
			PricingVersion:   PricingVersion,
			RetryCount:       retries,
		},
	}, nil
}

// isClientError reports a non-retryable 4xx, which says nothing about provider health.
func isClientError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500 && !pe.Retryable()
}
