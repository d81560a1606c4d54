package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

// CreateAPIKey inserts a workspace API key. KeyHash must already be an argon2id hash.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO workspace_api_keys (id, workspace_id, prefix, key_hash, subject, role, label, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.WorkspaceID, key.Prefix, key.KeyHash, key.Subject, string(key.Role),
		key.Label, key.CreatedAt, key.ExpiresAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// GetAPIKeyByPrefix looks up an active key by (workspace, prefix) before
// Argon2 verification. Returns ErrNotFound if no matching active key exists.
func (db *DB) GetAPIKeyByPrefix(ctx context.Context, workspaceID uuid.UUID, prefix string) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, prefix, key_hash, subject, role, label, created_at, last_used_at, expires_at, revoked_at
		 FROM workspace_api_keys
		 WHERE workspace_id = $1
		   AND prefix = $2
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())`,
		workspaceID, prefix,
	).Scan(
		&k.ID, &k.WorkspaceID, &k.Prefix, &k.KeyHash, &k.Subject, &k.Role,
		&k.Label, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key by prefix: %w", err)
	}
	return k, nil
}

// TouchAPIKey records a successful use. Best effort; callers log failures.
func (db *DB) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `UPDATE workspace_api_keys SET last_used_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: touch api key: %w", err)
	}
	return nil
}

// CountAPIKeys counts a workspace's unrevoked keys.
func (db *DB) CountAPIKeys(ctx context.Context, workspaceID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workspace_api_keys WHERE workspace_id = $1 AND revoked_at IS NULL`,
		workspaceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count api keys: %w", err)
	}
	return n, nil
}

// RevokeAPIKey marks a key revoked. Returns ErrNotFound if the workspace has
// no such unrevoked key.
func (db *DB) RevokeAPIKey(ctx context.Context, workspaceID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workspace_api_keys SET revoked_at = now()
		 WHERE id = $1 AND workspace_id = $2 AND revoked_at IS NULL`,
		id, workspaceID,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
