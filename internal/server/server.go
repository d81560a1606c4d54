package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kensa/internal/accuracy"
	"github.com/ashita-ai/kensa/internal/auth"
	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/evalrun"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/review"
	"github.com/ashita-ai/kensa/internal/storage"
)

// Server is the Kensa HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, MCPServer, Middlewares, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	Runs     *evalrun.Service
	Reviews  *review.Service
	Accuracy *accuracy.Service
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// Middlewares wrap the whole chain. The first entry is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	WorkerEnabled       bool
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Runs:                cfg.Runs,
		Reviews:             cfg.Reviews,
		Accuracy:            cfg.Accuracy,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		WorkerEnabled:       cfg.WorkerEnabled,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	apiRL := ratelimit.Middleware(cfg.Limiter, workspaceKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Token exchange (no auth, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	readRole := requireRole(model.RoleViewer)
	reviewRole := requireRole(model.RoleReviewer)
	adminOnly := requireRole(model.RoleAdmin)
	read := func(fn http.HandlerFunc) http.Handler { return apiRL(readRole(fn)) }
	write := func(fn http.HandlerFunc) http.Handler { return apiRL(reviewRole(fn)) }
	admin := func(fn http.HandlerFunc) http.Handler { return apiRL(adminOnly(fn)) }

	// Eval runs.
	mux.Handle("POST /v1/eval-runs", write(h.HandleCreateRun))
	mux.Handle("POST /v1/eval-runs/estimate", read(h.HandleEstimateRun))
	mux.Handle("GET /v1/eval-runs", read(h.HandleListRuns))
	mux.Handle("GET /v1/eval-runs/{run_id}", read(h.HandleGetRun))
	mux.Handle("POST /v1/eval-runs/{run_id}/cancel", write(h.HandleCancelRun))
	mux.Handle("GET /v1/eval-runs/{run_id}/cases", read(h.HandleListCases))
	mux.Handle("GET /v1/eval-runs/{run_id}/cases/stats", read(h.HandleCaseStats))

	// Run events (viewer+, no rate limit: long-lived connection).
	mux.Handle("GET /v1/eval-runs/events", readRole(http.HandlerFunc(h.HandleRunEvents)))

	// Human review.
	mux.Handle("PUT /v1/eval-cases/{case_id}/review", write(h.HandleUpsertReview))
	mux.Handle("DELETE /v1/eval-cases/{case_id}/review", write(h.HandleClearReview))
	mux.Handle("GET /v1/eval-cases/{case_id}/review/history", read(h.HandleReviewHistory))

	// Release criteria.
	mux.Handle("GET /v1/release-criteria", read(h.HandleGetReleaseCriteria))
	mux.Handle("PUT /v1/release-criteria", admin(h.HandleUpsertReleaseCriteria))

	// Judge accuracy.
	mux.Handle("GET /v1/eval-runs/{run_id}/judge-accuracy", read(h.HandleRunJudgeAccuracy))
	mux.Handle("GET /v1/judge-accuracy", read(h.HandleJudgeAccuracyRollup))

	// API keys (admin-only).
	mux.Handle("POST /v1/api-keys", admin(h.HandleCreateKey))
	mux.Handle("DELETE /v1/api-keys/{key_id}", admin(h.HandleRevokeKey))

	// MCP StreamableHTTP transport (auth required, viewer+). Tools check
	// stronger roles themselves.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", apiRL(readRole(mcpHTTP)))
	}

	// Health and API description (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// workspaceKeyFunc rate limits per workspace. Unauthenticated requests never
// get this far.
func workspaceKeyFunc(r *http.Request) string {
	ws := ctxutil.WorkspaceIDFromContext(r.Context())
	if ws == uuid.Nil {
		return ""
	}
	return "ws:" + ws.String()
}

// Handlers returns the underlying Handlers for access to SeedAdmin.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
