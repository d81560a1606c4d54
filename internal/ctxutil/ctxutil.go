// Package ctxutil provides shared context key accessors.
//
// Both server and mcp read the caller's JWT claims from the request context;
// the accessors live here so neither package imports the other for them.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/auth"
	"github.com/ashita-ai/kensa/internal/model"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WorkspaceIDFromContext returns the caller's workspace, or uuid.Nil when
// the request is unauthenticated.
func WorkspaceIDFromContext(ctx context.Context) uuid.UUID {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.WorkspaceID
	}
	return uuid.Nil
}

// ActorFromContext returns the caller's subject, used as createdBy and reviewer.
func ActorFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.Subject
	}
	return ""
}

// HasRole reports whether the caller holds at least min.
func HasRole(ctx context.Context, min model.WorkspaceRole) bool {
	c := ClaimsFromContext(ctx)
	return c != nil && model.RoleAtLeast(c.Role, min)
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
