package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	name string

	mu    sync.Mutex
	errs  []error
	calls int
	last  Request
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(_ context.Context, req Request) (Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = req
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return Completion{}, err
		}
	}
	return Completion{Text: "hello", UsedModel: "claude-sonnet-4-20250514", InputTokens: 1000, OutputTokens: 500}, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastOptions() Options {
	return Options{
		Retry:            RetryConfig{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	}
}

func TestRunUnknownProvider(t *testing.T) {
	r := NewRegistry(fastOptions(), quietLogger())
	_, err := r.Run(context.Background(), Request{Provider: "mistral", Model: "x", Prompt: "p"})
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRunBuildsUsageMeta(t *testing.T) {
	p := &scriptedProvider{name: ProviderAnthropic}
	r := NewRegistry(fastOptions(), quietLogger(), p)

	res, err := r.Run(context.Background(), Request{Provider: "Anthropic", Model: "claude-sonnet-4", Prompt: "p"})
	require.NoError(t, err)

	assert.Equal(t, "hello", res.OutputText)
	assert.Equal(t, ProviderAnthropic, res.Meta.Provider)
	assert.Equal(t, "claude-sonnet-4", res.Meta.RequestedModel)
	assert.Equal(t, "claude-sonnet-4-20250514", res.Meta.UsedModel)
	assert.Equal(t, int64(1500), res.Meta.TotalTokens)
	assert.InDelta(t, 0.0105, res.Meta.EstimatedCostUSD, 1e-9)
	assert.Equal(t, PricingVersion, res.Meta.PricingVersion)
	assert.Equal(t, 0, res.Meta.RetryCount)
	assert.Equal(t, DefaultMaxOutputTokens, p.last.MaxOutputTokens)
}

func TestRunRetriesTransientErrors(t *testing.T) {
	p := &scriptedProvider{name: ProviderOpenAI, errs: []error{
		&ProviderError{Provider: ProviderOpenAI, StatusCode: 503, Err: errors.New("unavailable")},
		&ProviderError{Provider: ProviderOpenAI, StatusCode: 429, Err: errors.New("slow down")},
	}}
	r := NewRegistry(fastOptions(), quietLogger(), p)

	res, err := r.Run(context.Background(), Request{Provider: ProviderOpenAI, Model: "gpt-4o", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, 2, res.Meta.RetryCount)
}

func TestRunDoesNotRetryClientErrors(t *testing.T) {
	p := &scriptedProvider{name: ProviderOpenAI, errs: []error{
		&ProviderError{Provider: ProviderOpenAI, StatusCode: 400, Err: errors.New("bad request")},
	}}
	r := NewRegistry(fastOptions(), quietLogger(), p)

	_, err := r.Run(context.Background(), Request{Provider: ProviderOpenAI, Model: "gpt-4o", Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)

	// Client errors do not count toward the breaker.
	_, br, _ := r.lookup(ProviderOpenAI)
	assert.Equal(t, breakerClosed, br.State())
}

func TestBreakerOpensAndHalfOpens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	unavailable := func() error { return &ProviderError{Provider: ProviderAnthropic, StatusCode: 500, Err: errors.New("boom")} }

	opts := fastOptions()
	opts.Retry.MaxRetries = 0
	p := &scriptedProvider{name: ProviderAnthropic, errs: []error{unavailable(), unavailable()}}
	r := NewRegistry(opts, quietLogger())
	r.now = func() time.Time { return now }
	r.Register(p)

	req := Request{Provider: ProviderAnthropic, Model: "claude-sonnet-4", Prompt: "p"}
	for range 2 {
		_, err := r.Run(context.Background(), req)
		require.Error(t, err)
	}

	_, err := r.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, p.calls)

	now = now.Add(2 * time.Minute)
	_, br, _ := r.lookup(ProviderAnthropic)
	assert.Equal(t, breakerHalfOpen, br.State())

	_, err = r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, breakerClosed, br.State())
}

func TestRetryHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxRetries: 5, BaseBackoff: time.Hour}
	calls := 0
	_, retries, err := retryWithBackoff(ctx, cfg, quietLogger(), "test", func() (int, error) {
		calls++
		return 0, &ProviderError{StatusCode: 529, Err: errors.New("overloaded")}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, retries)
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		model string
		in    int64
		out   int64
		want  float64
	}{
		{"gpt-4o-mini-2024-07-18", 1_000_000, 0, 0.15},
		{"gpt-4o", 1_000_000, 1_000_000, 12.5},
		{"claude-3-5-haiku-latest", 2000, 1000, 0.0056},
		{"llama-3", 1000, 1000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.InDelta(t, tt.want, EstimateCost(tt.model, tt.in, tt.out), 1e-9)
		})
	}
}

func TestProviderErrorRetryable(t *testing.T) {
	for code, want := range map[int]bool{400: false, 401: false, 404: false, 408: true, 429: true, 500: true, 503: true, 529: true} {
		assert.Equal(t, want, (&ProviderError{StatusCode: code}).Retryable(), "status %d", code)
	}
	assert.False(t, IsRetryable(errors.New("plain")))
}
