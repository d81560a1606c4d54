package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

const runColumns = `id, workspace_id, prompt_id, candidate_version_id, baseline_version_id, dataset_id,
	mode, trigger_type, rubric_template_code, rubric_overrides, status,
	total_cases, processed_cases, passed_cases, failed_cases, error_cases,
	summary, costs, fail_reason, created_by, created_at, started_at, finished_at`

func scanRun(row pgx.Row) (model.EvalRun, error) {
	var r model.EvalRun
	err := row.Scan(
		&r.ID, &r.WorkspaceID, &r.PromptID, &r.CandidateVersionID, &r.BaselineVersionID, &r.DatasetID,
		&r.Mode, &r.TriggerType, &r.RubricTemplateCode, &r.RubricOverrides, &r.Status,
		&r.TotalCases, &r.ProcessedCases, &r.PassedCases, &r.FailedCases, &r.ErrorCases,
		&r.Summary, &r.Costs, &r.FailReason, &r.CreatedBy, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateRunWithCases inserts a QUEUED run and one QUEUED case per test case atomically.
// Case ids are UUIDv7 so id order matches dataset order.
func (db *DB) CreateRunWithCases(ctx context.Context, run model.EvalRun, testCaseIDs []uuid.UUID) (model.EvalRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = model.RunStatusQueued
	run.TotalCases = len(testCaseIDs)
	run.CreatedAt = time.Now().UTC()

	err := db.withTx(ctx, "create run", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO eval_runs (id, workspace_id, prompt_id, candidate_version_id, baseline_version_id, dataset_id,
			     mode, trigger_type, rubric_template_code, rubric_overrides, status, total_cases, created_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			run.ID, run.WorkspaceID, run.PromptID, run.CandidateVersionID, run.BaselineVersionID, run.DatasetID,
			string(run.Mode), string(run.TriggerType), run.RubricTemplateCode, jsonArg(run.RubricOverrides),
			string(run.Status), run.TotalCases, run.CreatedBy, run.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: insert run: %w", err)
		}

		rows := make([][]any, 0, len(testCaseIDs))
		for _, tcID := range testCaseIDs {
			caseID, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("storage: case id: %w", err)
			}
			rows = append(rows, []any{caseID, run.ID, run.WorkspaceID, tcID, string(model.CaseStatusQueued), string(model.VerdictUnreviewed), run.CreatedAt})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"eval_case_results"},
			[]string{"id", "run_id", "workspace_id", "test_case_id", "status", "human_verdict", "created_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("storage: copy cases: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.EvalRun{}, err
	}
	return run, nil
}

// GetRun retrieves a run by ID, scoped to the given workspace.
func (db *DB) GetRun(ctx context.Context, workspaceID, id uuid.UUID) (model.EvalRun, error) {
	r, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM eval_runs WHERE id = $1 AND workspace_id = $2`, id, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EvalRun{}, ErrNotFound
		}
		return model.EvalRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// GetRunByID retrieves a run without workspace scoping. Worker-internal.
func (db *DB) GetRunByID(ctx context.Context, id uuid.UUID) (model.EvalRun, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM eval_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EvalRun{}, ErrNotFound
		}
		return model.EvalRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// GetRunStatus reads only the status column; polled before every case.
func (db *DB) GetRunStatus(ctx context.Context, id uuid.UUID) (model.RunStatus, error) {
	var s model.RunStatus
	err := db.pool.QueryRow(ctx, `SELECT status FROM eval_runs WHERE id = $1`, id).Scan(&s)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: get run status: %w", err)
	}
	return s, nil
}

// ListRuns returns runs for a workspace newest first, with the unpaginated total.
func (db *DB) ListRuns(ctx context.Context, workspaceID uuid.UUID, f model.EvalRunFilter) ([]model.EvalRun, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	where := []string{"workspace_id = $1"}
	args := []any{workspaceID}
	if f.PromptID != nil {
		args = append(args, *f.PromptID)
		where = append(where, fmt.Sprintf("prompt_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM eval_runs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM eval_runs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			runColumns, cond, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.EvalRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// ClaimQueuedRuns atomically flips up to limit QUEUED runs to RUNNING and returns
// their ids, oldest first. SKIP LOCKED keeps concurrent workers disjoint.
func (db *DB) ClaimQueuedRuns(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := txRetry.Do(ctx, func() error {
		rows, err := db.pool.Query(ctx,
			`UPDATE eval_runs SET status = 'RUNNING', started_at = now()
			 WHERE id IN (
			     SELECT id FROM eval_runs
			     WHERE status = 'QUEUED'
			     ORDER BY created_at, id
			     LIMIT $1
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING id`,
			limit,
		)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: claim runs: %w", err)
	}
	return ids, nil
}

// MarkRunRunning moves a QUEUED run to RUNNING. Returns ErrRunNotActive if the
// run was not QUEUED.
func (db *DB) MarkRunRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE eval_runs SET status = 'RUNNING', started_at = COALESCE(started_at, now())
		 WHERE id = $1 AND status = ANY($2)`, id, model.RunSources(model.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("storage: mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotActive
	}
	return nil
}

// FinishRun persists FINISHED with the final summary. Only a RUNNING run may finish.
func (db *DB) FinishRun(ctx context.Context, id uuid.UUID, summary, costs model.JSONObject) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE eval_runs SET status = 'FINISHED', summary = $2, costs = $3, finished_at = now()
		 WHERE id = $1 AND status = ANY($4)`,
		id, jsonArg(summary), jsonArg(costs), model.RunSources(model.RunStatusFinished),
	)
	if err != nil {
		return fmt.Errorf("storage: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotActive
	}
	return nil
}

// FailRun persists FAILED with a partial summary and reason. A CANCELLED (or
// otherwise terminal) run is left untouched and ErrRunNotActive is returned.
func (db *DB) FailRun(ctx context.Context, id uuid.UUID, reason string, summary, costs model.JSONObject) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE eval_runs SET status = 'FAILED', fail_reason = $2,
		     summary = COALESCE($3, summary), costs = COALESCE($4, costs), finished_at = now()
		 WHERE id = $1 AND status = ANY($5)`,
		id, reason, jsonArg(summary), jsonArg(costs), model.RunSources(model.RunStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("storage: fail run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotActive
	}
	return nil
}

// CancelRun moves an active run to CANCELLED and returns the updated row.
func (db *DB) CancelRun(ctx context.Context, workspaceID, id uuid.UUID) (model.EvalRun, error) {
	r, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE eval_runs SET status = 'CANCELLED', finished_at = now()
		 WHERE id = $1 AND workspace_id = $2 AND status = ANY($3)
		 RETURNING `+runColumns,
		id, workspaceID, model.RunSources(model.RunStatusCancelled),
	))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.EvalRun{}, fmt.Errorf("storage: cancel run: %w", err)
	}
	if _, getErr := db.GetRun(ctx, workspaceID, id); getErr != nil {
		return model.EvalRun{}, getErr
	}
	return model.EvalRun{}, ErrRunNotActive
}

// ListTimedOutRuns returns RUNNING runs whose started_at is before cutoff.
func (db *DB) ListTimedOutRuns(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM eval_runs
		 WHERE status = 'RUNNING' AND started_at < $1
		 ORDER BY started_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list timed out runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan timed out runs: %w", err)
	}
	return ids, nil
}

// CountRunsByStatus returns the number of runs per status across all workspaces.
func (db *DB) CountRunsByStatus(ctx context.Context) (map[model.RunStatus]int, error) {
	rows, err := db.pool.Query(ctx, `SELECT status, COUNT(*) FROM eval_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count runs by status: %w", err)
	}
	defer rows.Close()

	out := make(map[model.RunStatus]int)
	for rows.Next() {
		var s model.RunStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("storage: scan run status count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}
