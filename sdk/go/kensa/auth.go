package kensa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// tokenManager exchanges the workspace API key for a JWT and refreshes it
// shortly before expiry. Safe for concurrent use.
type tokenManager struct {
	baseURL     string
	workspaceID uuid.UUID
	apiKey      string
	client      *http.Client
	margin      time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL string, workspaceID uuid.UUID, apiKey string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL:     baseURL,
		workspaceID: workspaceID,
		apiKey:      apiKey,
		client:      client,
		margin:      30 * time.Second,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, nil
	}
	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

// invalidate drops the cached token so the next call re-authenticates.
func (tm *tokenManager) invalidate() {
	tm.mu.Lock()
	tm.token = ""
	tm.mu.Unlock()
}

type authRequest struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	APIKey      string    `json:"api_key"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (tm *tokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(authRequest{WorkspaceID: tm.workspaceID, APIKey: tm.apiKey})
	if err != nil {
		return fmt.Errorf("kensa: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("kensa: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("kensa: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out authResponse
	if err := handleResponse(resp, &out); err != nil {
		return err
	}
	if out.Token == "" {
		return fmt.Errorf("kensa: auth response carried no token")
	}
	tm.token = out.Token
	tm.expiresAt = out.ExpiresAt
	return nil
}
