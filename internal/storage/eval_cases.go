package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

const caseColumns = `id, run_id, workspace_id, test_case_id, status,
	candidate_output, baseline_output, candidate_meta, baseline_meta, rule_checks, judge_output,
	overall_score, pass, error_code, error_message,
	human_verdict, human_override_pass, reviewed_by, reviewed_at,
	started_at, finished_at, created_at`

func scanCase(row pgx.Row) (model.EvalCaseResult, error) {
	var c model.EvalCaseResult
	err := row.Scan(
		&c.ID, &c.RunID, &c.WorkspaceID, &c.TestCaseID, &c.Status,
		&c.CandidateOutput, &c.BaselineOutput, &c.CandidateMeta, &c.BaselineMeta, &c.RuleChecks, &c.JudgeOutput,
		&c.OverallScore, &c.Pass, &c.ErrorCode, &c.ErrorMessage,
		&c.HumanVerdict, &c.HumanOverridePass, &c.ReviewedBy, &c.ReviewedAt,
		&c.StartedAt, &c.FinishedAt, &c.CreatedAt,
	)
	return c, err
}

// ListRunCases returns every case of a run in stable id order. Worker-internal.
func (db *DB) ListRunCases(ctx context.Context, runID uuid.UUID) ([]model.EvalCaseResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+caseColumns+` FROM eval_case_results WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list run cases: %w", err)
	}
	defer rows.Close()

	var out []model.EvalCaseResult
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCase retrieves a case by id scoped to a workspace.
func (db *DB) GetCase(ctx context.Context, workspaceID, id uuid.UUID) (model.EvalCaseResult, error) {
	c, err := scanCase(db.pool.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM eval_case_results WHERE id = $1 AND workspace_id = $2`, id, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EvalCaseResult{}, ErrNotFound
		}
		return model.EvalCaseResult{}, fmt.Errorf("storage: get case: %w", err)
	}
	return c, nil
}

// StartCase moves a QUEUED case to RUNNING.
func (db *DB) StartCase(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE eval_case_results SET status = 'RUNNING', started_at = now()
		 WHERE id = $1 AND status = ANY($2)`, id, model.CaseSources(model.CaseStatusRunning))
	if err != nil {
		return fmt.Errorf("storage: start case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: start case %s: %w", id, model.ErrIllegalTransition)
	}
	return nil
}

// CompleteCase marks a RUNNING case OK and bumps the run counters in one transaction.
func (db *DB) CompleteCase(ctx context.Context, runID, id uuid.UUID, out model.CaseOutcome) error {
	return txRetry.Do(ctx, func() error {
		return db.withTx(ctx, "complete case", func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`UPDATE eval_case_results
				 SET status = 'OK', candidate_output = $3, baseline_output = $4,
				     candidate_meta = $5, baseline_meta = $6, rule_checks = $7, judge_output = $8,
				     overall_score = $9, pass = $10, finished_at = now()
				 WHERE id = $1 AND run_id = $2 AND status = ANY($11)`,
				id, runID, out.CandidateOutput, out.BaselineOutput,
				jsonArg(out.CandidateMeta), jsonArg(out.BaselineMeta), jsonArg(out.RuleChecks), jsonArg(out.JudgeOutput),
				out.OverallScore, out.Pass, model.CaseSources(model.CaseStatusOK),
			)
			if err != nil {
				return fmt.Errorf("storage: complete case: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("storage: complete case %s: %w", id, model.ErrIllegalTransition)
			}
			passed, failed := 0, 1
			if out.Pass {
				passed, failed = 1, 0
			}
			return bumpRunCounters(ctx, tx, runID, passed, failed, 0)
		})
	})
}

// FailCase marks a QUEUED or RUNNING case ERROR and bumps the run error counter
// in one transaction.
func (db *DB) FailCase(ctx context.Context, runID, id uuid.UUID, code, message string) error {
	return txRetry.Do(ctx, func() error {
		return db.withTx(ctx, "fail case", func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`UPDATE eval_case_results
				 SET status = 'ERROR', error_code = $3, error_message = $4, finished_at = now()
				 WHERE id = $1 AND run_id = $2 AND status = ANY($5)`,
				id, runID, code, message, model.CaseSources(model.CaseStatusError),
			)
			if err != nil {
				return fmt.Errorf("storage: fail case: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("storage: fail case %s: %w", id, model.ErrIllegalTransition)
			}
			return bumpRunCounters(ctx, tx, runID, 0, 0, 1)
		})
	})
}

// bumpRunCounters increments the counters of a RUNNING run. A run that left
// RUNNING mid-case (cancelled) still receives the increment so the counter
// invariant holds for the case that was in flight.
func bumpRunCounters(ctx context.Context, tx pgx.Tx, runID uuid.UUID, passed, failed, errored int) error {
	tag, err := tx.Exec(ctx,
		`UPDATE eval_runs
		 SET processed_cases = processed_cases + 1,
		     passed_cases = passed_cases + $2,
		     failed_cases = failed_cases + $3,
		     error_cases = error_cases + $4
		 WHERE id = $1 AND status IN ('RUNNING', 'CANCELLED')`,
		runID, passed, failed, errored,
	)
	if err != nil {
		return fmt.Errorf("storage: bump run counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotActive
	}
	return nil
}

// ListCases returns a page of a run's cases matching f, plus the filtered total.
func (db *DB) ListCases(ctx context.Context, workspaceID, runID uuid.UUID, f model.CaseFilter) ([]model.EvalCaseResult, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	where := []string{"workspace_id = $1", "run_id = $2"}
	args := []any{workspaceID, runID}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Pass != nil {
		args = append(args, *f.Pass)
		where = append(where, fmt.Sprintf("pass = $%d", len(args)))
	}
	if f.Verdict != nil {
		args = append(args, string(*f.Verdict))
		where = append(where, fmt.Sprintf("human_verdict = $%d", len(args)))
	}
	if f.Overridden != nil {
		if *f.Overridden {
			where = append(where, "human_override_pass IS NOT NULL")
		} else {
			where = append(where, "human_override_pass IS NULL")
		}
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM eval_case_results WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count cases: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM eval_case_results WHERE %s ORDER BY id LIMIT $%d OFFSET $%d`,
			caseColumns, cond, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list cases: %w", err)
	}
	defer rows.Close()

	var out []model.EvalCaseResult
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan case: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// CaseStats aggregates a run's cases by status, pass and review state.
func (db *DB) CaseStats(ctx context.Context, workspaceID, runID uuid.UUID) (model.CaseStats, error) {
	var s model.CaseStats
	err := db.pool.QueryRow(ctx,
		`SELECT
		     COUNT(*),
		     COUNT(*) FILTER (WHERE status = 'QUEUED'),
		     COUNT(*) FILTER (WHERE status = 'RUNNING'),
		     COUNT(*) FILTER (WHERE status = 'OK'),
		     COUNT(*) FILTER (WHERE status = 'ERROR'),
		     COUNT(*) FILTER (WHERE status = 'OK' AND pass),
		     COUNT(*) FILTER (WHERE status = 'OK' AND NOT pass),
		     COUNT(*) FILTER (WHERE human_verdict <> 'UNREVIEWED'),
		     COUNT(*) FILTER (WHERE status = 'OK' AND human_verdict = 'UNREVIEWED'),
		     COUNT(*) FILTER (WHERE human_override_pass IS NOT NULL),
		     COUNT(*) FILTER (WHERE status = 'OK' AND
		         CASE WHEN human_verdict = 'INCORRECT' THEN human_override_pass ELSE pass END),
		     COUNT(*) FILTER (WHERE status = 'OK' AND NOT
		         CASE WHEN human_verdict = 'INCORRECT' THEN human_override_pass ELSE pass END)
		 FROM eval_case_results
		 WHERE workspace_id = $1 AND run_id = $2`,
		workspaceID, runID,
	).Scan(
		&s.Total, &s.Queued, &s.Running, &s.OK, &s.Error,
		&s.Passed, &s.Failed, &s.Reviewed, &s.Unreviewed, &s.Overridden,
		&s.EffectivePass, &s.EffectiveFail,
	)
	if err != nil {
		return model.CaseStats{}, fmt.Errorf("storage: case stats: %w", err)
	}
	return s, nil
}

// InterruptRunningCases closes every RUNNING case of a run as ERROR with the
// given code. Used when a run is re-processed after a worker died mid-case.
func (db *DB) InterruptRunningCases(ctx context.Context, runID uuid.UUID, code, message string) (int, error) {
	cases, err := db.ListRunCases(ctx, runID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range cases {
		if c.Status != model.CaseStatusRunning {
			continue
		}
		if err := db.FailCase(ctx, runID, c.ID, code, message); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
