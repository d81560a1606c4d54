package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

func collectAccuracyRows(rows pgx.Rows) ([]model.AccuracyRow, error) {
	defer rows.Close()
	var out []model.AccuracyRow
	for rows.Next() {
		var r model.AccuracyRow
		if err := rows.Scan(&r.MachinePass, &r.Verdict, &r.OverridePass); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunAccuracyRows projects the OK cases of one run for accuracy metrics.
func (db *DB) RunAccuracyRows(ctx context.Context, workspaceID, runID uuid.UUID) ([]model.AccuracyRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT pass, human_verdict, human_override_pass
		 FROM eval_case_results
		 WHERE workspace_id = $1 AND run_id = $2 AND status = 'OK'
		 ORDER BY id`,
		workspaceID, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: run accuracy rows: %w", err)
	}
	out, err := collectAccuracyRows(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan run accuracy rows: %w", err)
	}
	return out, nil
}

// RollupAccuracyRows projects reviewed OK cases across runs in the filter's
// window (by review time), plus the number of distinct runs they came from.
func (db *DB) RollupAccuracyRows(ctx context.Context, f model.AccuracyRollupFilter) ([]model.AccuracyRow, int, error) {
	where := []string{
		"c.workspace_id = $1",
		"c.status = 'OK'",
		"c.human_verdict <> 'UNREVIEWED'",
		"c.reviewed_at >= $2",
		"c.reviewed_at < $3",
	}
	args := []any{f.WorkspaceID, f.From, f.To}
	if f.PromptID != nil {
		args = append(args, *f.PromptID)
		where = append(where, fmt.Sprintf("r.prompt_id = $%d", len(args)))
	}
	if f.VersionID != nil {
		args = append(args, *f.VersionID)
		where = append(where, fmt.Sprintf("r.candidate_version_id = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var runCount int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT c.run_id)
		 FROM eval_case_results c JOIN eval_runs r ON r.id = c.run_id
		 WHERE `+cond, args...,
	).Scan(&runCount); err != nil {
		return nil, 0, fmt.Errorf("storage: count rollup runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT c.pass, c.human_verdict, c.human_override_pass
		 FROM eval_case_results c JOIN eval_runs r ON r.id = c.run_id
		 WHERE `+cond+`
		 ORDER BY c.reviewed_at, c.id`,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: rollup accuracy rows: %w", err)
	}
	out, err := collectAccuracyRows(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan rollup accuracy rows: %w", err)
	}
	return out, runCount, nil
}
