package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

// GetReleaseCriteria returns the workspace's configured thresholds, or ErrNotFound.
func (db *DB) GetReleaseCriteria(ctx context.Context, workspaceID uuid.UUID) (model.EvalReleaseCriteria, error) {
	c := model.EvalReleaseCriteria{WorkspaceID: workspaceID}
	err := db.pool.QueryRow(ctx,
		`SELECT min_pass_rate, min_avg_overall_score, max_error_rate, min_improvement_notice_delta, updated_by, updated_at
		 FROM eval_release_criteria WHERE workspace_id = $1`,
		workspaceID,
	).Scan(&c.MinPassRate, &c.MinAvgOverallScore, &c.MaxErrorRate, &c.MinImprovementNoticeDelta, &c.UpdatedBy, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EvalReleaseCriteria{}, ErrNotFound
		}
		return model.EvalReleaseCriteria{}, fmt.Errorf("storage: get release criteria: %w", err)
	}
	return c, nil
}

// UpsertReleaseCriteria creates or replaces the workspace's thresholds.
func (db *DB) UpsertReleaseCriteria(ctx context.Context, c model.EvalReleaseCriteria) (model.EvalReleaseCriteria, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO eval_release_criteria (workspace_id, min_pass_rate, min_avg_overall_score, max_error_rate,
		     min_improvement_notice_delta, updated_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (workspace_id) DO UPDATE SET
		     min_pass_rate = EXCLUDED.min_pass_rate,
		     min_avg_overall_score = EXCLUDED.min_avg_overall_score,
		     max_error_rate = EXCLUDED.max_error_rate,
		     min_improvement_notice_delta = EXCLUDED.min_improvement_notice_delta,
		     updated_by = EXCLUDED.updated_by,
		     updated_at = EXCLUDED.updated_at
		 RETURNING updated_at`,
		c.WorkspaceID, c.MinPassRate, c.MinAvgOverallScore, c.MaxErrorRate, c.MinImprovementNoticeDelta, c.UpdatedBy,
	).Scan(&c.UpdatedAt)
	if err != nil {
		return model.EvalReleaseCriteria{}, fmt.Errorf("storage: upsert release criteria: %w", err)
	}
	c.IsDefault = false
	return c, nil
}
