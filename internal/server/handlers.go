package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/accuracy"
	"github.com/ashita-ai/kensa/internal/auth"
	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/evalrun"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/review"
	"github.com/ashita-ai/kensa/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	runs                *evalrun.Service
	reviews             *review.Service
	accuracy            *accuracy.Service
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	workerEnabled       bool
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Runs                *evalrun.Service
	Reviews             *review.Service
	Accuracy            *accuracy.Service
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	WorkerEnabled       bool
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		runs:                d.Runs,
		reviews:             d.Reviews,
		accuracy:            d.Accuracy,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		workerEnabled:       d.WorkerEnabled,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
// Exchanges a workspace API key for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.WorkspaceID == uuid.Nil || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "workspace_id and api_key are required")
		return
	}

	key, err := auth.Authenticate(r.Context(), h.db, req.WorkspaceID, req.APIKey, time.Now())
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.writeInternalError(w, r, "failed to verify credentials", err)
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	// Best-effort: a failed touch must not block the token response.
	if err := h.db.TouchAPIKey(r.Context(), key.ID); err != nil {
		h.logger.Warn("failed to record api key use", "api_key_id", key.ID, "error", err)
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleRunEvents handles GET /v1/eval-runs/events (SSE). Streams
// run_queued and run_finished events for the caller's workspace.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"run events not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived: lift the server's WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(ctxutil.WorkspaceIDFromContext(r.Context()))
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	workerStatus := "disabled"
	if h.workerEnabled {
		workerStatus = "running"
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Worker:   workerStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// SeedAdmin makes sure the bootstrap workspace exists and, when it has no
// keys yet, installs adminAPIKey as its admin key. Returns the workspace ID.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey, workspaceSlug string) (uuid.UUID, error) {
	ws, err := h.db.EnsureWorkspace(ctx, workspaceSlug, workspaceSlug)
	if err != nil {
		return uuid.Nil, fmt.Errorf("seed admin: ensure workspace: %w", err)
	}
	if adminAPIKey == "" {
		h.logger.Info("no admin API key configured, skipping admin seed", "workspace_id", ws.ID)
		return ws.ID, nil
	}

	prefix, err := model.ParseRawKey(adminAPIKey)
	if err != nil {
		return uuid.Nil, fmt.Errorf("seed admin: KENSA_ADMIN_API_KEY: %w", err)
	}

	count, err := h.db.CountAPIKeys(ctx, ws.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("seed admin: count keys: %w", err)
	}
	if count > 0 {
		h.logger.Info("workspace already has api keys, skipping admin seed", "workspace_id", ws.ID)
		return ws.ID, nil
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return uuid.Nil, fmt.Errorf("seed admin: hash key: %w", err)
	}
	if _, err := h.db.CreateAPIKey(ctx, model.APIKey{
		WorkspaceID: ws.ID,
		Prefix:      prefix,
		KeyHash:     hash,
		Subject:     "admin",
		Role:        model.RoleAdmin,
		Label:       "bootstrap",
	}); err != nil {
		return uuid.Nil, fmt.Errorf("seed admin: create key: %w", err)
	}

	h.logger.Info("seeded initial admin key", "workspace_id", ws.ID, "prefix", prefix)
	return ws.ID, nil
}

// --- Shared helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	v := r.PathValue(name)
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, v)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return t, nil
}

func queryUUID(r *http.Request, key string) (*uuid.UUID, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return &id, nil
}

func queryBool(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected true or false", key)
	}
	return &b, nil
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
