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

// The catalog tables are owned by the prompt/dataset management service; kensa
// reads them and only writes through the Create* helpers used for seeding.

const versionColumns = `id, prompt_id, workspace_id, version, system_template, user_template,
	provider, model, model_config, is_active, created_at`

func scanVersion(row pgx.Row) (model.PromptVersion, error) {
	var v model.PromptVersion
	err := row.Scan(&v.ID, &v.PromptID, &v.WorkspaceID, &v.Version, &v.SystemTemplate, &v.UserTemplate,
		&v.Provider, &v.Model, &v.ModelConfig, &v.IsActive, &v.CreatedAt)
	return v, err
}

// GetPromptVersion returns a prompt version scoped to a workspace.
func (db *DB) GetPromptVersion(ctx context.Context, workspaceID, id uuid.UUID) (model.PromptVersion, error) {
	v, err := scanVersion(db.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM prompt_versions WHERE id = $1 AND workspace_id = $2`, id, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PromptVersion{}, ErrNotFound
		}
		return model.PromptVersion{}, fmt.Errorf("storage: get prompt version: %w", err)
	}
	return v, nil
}

// GetActiveVersion returns the deployed version of a prompt, or ErrNotFound.
func (db *DB) GetActiveVersion(ctx context.Context, workspaceID, promptID uuid.UUID) (model.PromptVersion, error) {
	v, err := scanVersion(db.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM prompt_versions
		 WHERE prompt_id = $1 AND workspace_id = $2 AND is_active`, promptID, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PromptVersion{}, ErrNotFound
		}
		return model.PromptVersion{}, fmt.Errorf("storage: get active version: %w", err)
	}
	return v, nil
}

// GetDataset returns a dataset scoped to a workspace.
func (db *DB) GetDataset(ctx context.Context, workspaceID, id uuid.UUID) (model.Dataset, error) {
	var d model.Dataset
	err := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, name, created_at FROM datasets WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	).Scan(&d.ID, &d.WorkspaceID, &d.Name, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Dataset{}, ErrNotFound
		}
		return model.Dataset{}, fmt.Errorf("storage: get dataset: %w", err)
	}
	return d, nil
}

const testCaseColumns = `id, dataset_id, workspace_id, input, context, expected, constraints, enabled, created_at`

func scanTestCase(row pgx.Row) (model.TestCase, error) {
	var tc model.TestCase
	err := row.Scan(&tc.ID, &tc.DatasetID, &tc.WorkspaceID, &tc.Input, &tc.Context, &tc.Expected,
		&tc.Constraints, &tc.Enabled, &tc.CreatedAt)
	return tc, err
}

// ListEnabledTestCases returns a dataset's enabled test cases in creation order.
func (db *DB) ListEnabledTestCases(ctx context.Context, workspaceID, datasetID uuid.UUID) ([]model.TestCase, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+testCaseColumns+` FROM test_cases
		 WHERE dataset_id = $1 AND workspace_id = $2 AND enabled
		 ORDER BY created_at, id`,
		datasetID, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list test cases: %w", err)
	}
	defer rows.Close()

	var out []model.TestCase
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan test case: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// GetTestCase returns a single test case by id.
func (db *DB) GetTestCase(ctx context.Context, id uuid.UUID) (model.TestCase, error) {
	tc, err := scanTestCase(db.pool.QueryRow(ctx, `SELECT `+testCaseColumns+` FROM test_cases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TestCase{}, ErrNotFound
		}
		return model.TestCase{}, fmt.Errorf("storage: get test case: %w", err)
	}
	return tc, nil
}

// CreateWorkspace inserts a workspace.
func (db *DB) CreateWorkspace(ctx context.Context, name, slug string) (model.Workspace, error) {
	w := model.Workspace{ID: uuid.New(), Name: name, Slug: slug, CreatedAt: time.Now().UTC()}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO workspaces (id, name, slug, created_at) VALUES ($1, $2, $3, $4)`,
		w.ID, w.Name, w.Slug, w.CreatedAt)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("storage: create workspace: %w", err)
	}
	return w, nil
}

// EnsureWorkspace returns the workspace with slug, creating it if needed.
func (db *DB) EnsureWorkspace(ctx context.Context, name, slug string) (model.Workspace, error) {
	var w model.Workspace
	err := db.pool.QueryRow(ctx,
		`INSERT INTO workspaces (id, name, slug, created_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		 RETURNING id, name, slug, created_at`,
		uuid.New(), name, slug,
	).Scan(&w.ID, &w.Name, &w.Slug, &w.CreatedAt)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("storage: ensure workspace: %w", err)
	}
	return w, nil
}

// CreatePrompt inserts a prompt.
func (db *DB) CreatePrompt(ctx context.Context, workspaceID uuid.UUID, name string) (model.Prompt, error) {
	p := model.Prompt{ID: uuid.New(), WorkspaceID: workspaceID, Name: name, CreatedAt: time.Now().UTC()}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO prompts (id, workspace_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.WorkspaceID, p.Name, p.CreatedAt)
	if err != nil {
		return model.Prompt{}, fmt.Errorf("storage: create prompt: %w", err)
	}
	return p, nil
}

// CreatePromptVersion inserts a version. When v.IsActive is set, any other
// active version of the prompt is deactivated in the same transaction.
func (db *DB) CreatePromptVersion(ctx context.Context, v model.PromptVersion) (model.PromptVersion, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = time.Now().UTC()
	err := db.withTx(ctx, "create prompt version", func(tx pgx.Tx) error {
		if v.IsActive {
			if _, err := tx.Exec(ctx,
				`UPDATE prompt_versions SET is_active = false WHERE prompt_id = $1 AND is_active`, v.PromptID); err != nil {
				return fmt.Errorf("storage: deactivate versions: %w", err)
			}
		}
		if v.ModelConfig == nil {
			v.ModelConfig = model.JSONObject{}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO prompt_versions (`+versionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			v.ID, v.PromptID, v.WorkspaceID, v.Version, v.SystemTemplate, v.UserTemplate,
			v.Provider, v.Model, v.ModelConfig, v.IsActive, v.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: create prompt version: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.PromptVersion{}, err
	}
	return v, nil
}

// CreateDataset inserts a dataset.
func (db *DB) CreateDataset(ctx context.Context, workspaceID uuid.UUID, name string) (model.Dataset, error) {
	d := model.Dataset{ID: uuid.New(), WorkspaceID: workspaceID, Name: name, CreatedAt: time.Now().UTC()}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO datasets (id, workspace_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		d.ID, d.WorkspaceID, d.Name, d.CreatedAt)
	if err != nil {
		return model.Dataset{}, fmt.Errorf("storage: create dataset: %w", err)
	}
	return d, nil
}

// CreateTestCase inserts a test case. Ids are UUIDv7 so creation order is stable.
func (db *DB) CreateTestCase(ctx context.Context, tc model.TestCase) (model.TestCase, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.TestCase{}, fmt.Errorf("storage: test case id: %w", err)
	}
	tc.ID = id
	tc.CreatedAt = time.Now().UTC()
	_, err = db.pool.Exec(ctx,
		`INSERT INTO test_cases (`+testCaseColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tc.ID, tc.DatasetID, tc.WorkspaceID, tc.Input, jsonArg(tc.Context), jsonArg(tc.Expected),
		jsonArg(tc.Constraints), tc.Enabled, tc.CreatedAt,
	)
	if err != nil {
		return model.TestCase{}, fmt.Errorf("storage: create test case: %w", err)
	}
	return tc, nil
}
