package kensa

import (
	"context"
	"net/http"
)

// ModelCaller is an LLM backend registered under a provider name with
// WithModelCaller. Prompt versions and the judge select it by that name.
// Retries and the circuit breaker wrap it the same way as the built-in
// Anthropic and OpenAI providers, so a non-nil error should mean the call
// failed, not that it should be retried.
type ModelCaller interface {
	Call(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
