// Package runner executes prompts against LLM providers.
//
// A Registry dispatches a Request to the Provider registered under its
// provider name, wrapping every call in bounded retries and a per-provider
// circuit breaker, and returns the output text with usage metadata.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
)

// Provider names accepted by the registry.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

var (
	// ErrUnknownProvider is returned when no provider is registered under the requested name.
	ErrUnknownProvider = errors.New("runner: unknown provider")

	// ErrCircuitOpen is returned while a provider's breaker is open.
	ErrCircuitOpen = errors.New("runner: circuit open")
)

// Request is one prompt execution.
type Request struct {
	WorkspaceID     uuid.UUID
	Provider        string
	Model           string
	System          string
	Prompt          string
	Temperature     *float64
	MaxOutputTokens int
}

// Result is the output of a successful execution.
type Result struct {
	OutputText string
	Meta       model.UsageMeta
}

// Runner executes a prompt and reports usage. Implementations perform their
// own retries; an error means the call is unrecoverable.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Completion is the raw answer of one provider call.
type Completion struct {
	Text         string
	UsedModel    string
	InputTokens  int64
	OutputTokens int64
}

// Provider is a single LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
}

// ProviderError wraps an HTTP-level failure reported by a provider SDK.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("runner: %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the status is a rate limit, overload, or transient server error.
func (e *ProviderError) Retryable() bool {
	switch e.StatusCode {
	case 408, 409, 429, 529:
		return true
	}
	return e.StatusCode >= 500
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
