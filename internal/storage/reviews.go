package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

// reviewAuditKeyConstraint is the default name Postgres gives UNIQUE (case_result_id, request_id).
const reviewAuditKeyConstraint = "eval_human_review_audits_case_result_id_request_id_key"

// ReviewRequestExists reports whether an audit row already carries requestID for the case.
func (db *DB) ReviewRequestExists(ctx context.Context, caseResultID uuid.UUID, requestID string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM eval_human_review_audits WHERE case_result_id = $1 AND request_id = $2)`,
		caseResultID, requestID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: review request exists: %w", err)
	}
	return exists, nil
}

// ApplyReview writes the case's review fields and appends an audit row in one
// transaction. The case row is locked first so concurrent reviews of the same
// case serialize. A duplicate (case, request_id) rolls back both writes and
// returns ErrDuplicateReviewRequest.
func (db *DB) ApplyReview(ctx context.Context, ch model.ReviewChange) (model.EvalCaseResult, error) {
	var updated model.EvalCaseResult
	err := db.withTx(ctx, "apply review", func(tx pgx.Tx) error {
		before, err := scanCase(tx.QueryRow(ctx,
			`SELECT `+caseColumns+` FROM eval_case_results
			 WHERE id = $1 AND workspace_id = $2
			 FOR UPDATE`,
			ch.CaseResultID, ch.WorkspaceID,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("storage: lock case for review: %w", err)
		}
		if before.Status != model.CaseStatusOK {
			return ErrCaseNotReviewable
		}

		updated, err = scanCase(tx.QueryRow(ctx,
			`UPDATE eval_case_results
			 SET human_verdict = $2, human_override_pass = $3, reviewed_by = $4, reviewed_at = $5
			 WHERE id = $1
			 RETURNING `+caseColumns,
			ch.CaseResultID, string(ch.Verdict), ch.OverridePass, ch.Reviewer, ch.At,
		))
		if err != nil {
			return fmt.Errorf("storage: update review: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO eval_human_review_audits (id, workspace_id, case_result_id, run_id, request_id, action,
			     previous_verdict, previous_override_pass, new_verdict, new_override_pass,
			     machine_pass, effective_pass_before, effective_pass_after, note, reviewer, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			uuid.Must(uuid.NewV7()), ch.WorkspaceID, ch.CaseResultID, before.RunID, ch.RequestID, string(ch.Action),
			string(before.HumanVerdict), before.HumanOverridePass, string(updated.HumanVerdict), updated.HumanOverridePass,
			before.Pass, before.EffectivePass(), updated.EffectivePass(), ch.Note, ch.Reviewer, ch.At,
		)
		if err != nil {
			if isUniqueViolation(err, reviewAuditKeyConstraint) {
				return ErrDuplicateReviewRequest
			}
			return fmt.Errorf("storage: insert review audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.EvalCaseResult{}, err
	}
	return updated, nil
}

// ListReviewHistory returns the newest audit rows for a case, newest first.
func (db *DB) ListReviewHistory(ctx context.Context, workspaceID, caseResultID uuid.UUID, limit int) ([]model.HumanReviewAudit, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workspace_id, case_result_id, run_id, request_id, action,
		     previous_verdict, previous_override_pass, new_verdict, new_override_pass,
		     machine_pass, effective_pass_before, effective_pass_after, note, reviewer, created_at
		 FROM eval_human_review_audits
		 WHERE workspace_id = $1 AND case_result_id = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		workspaceID, caseResultID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list review history: %w", err)
	}
	defer rows.Close()

	var out []model.HumanReviewAudit
	for rows.Next() {
		var a model.HumanReviewAudit
		if err := rows.Scan(
			&a.ID, &a.WorkspaceID, &a.CaseResultID, &a.RunID, &a.RequestID, &a.Action,
			&a.PreviousVerdict, &a.PreviousOverridePass, &a.NewVerdict, &a.NewOverridePass,
			&a.MachinePass, &a.EffectivePassBefore, &a.EffectivePassAfter, &a.Note, &a.Reviewer, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan review audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
