package evalrun

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
)

// Store is the persistence surface the run service and orchestrator need.
// *storage.DB satisfies it.
type Store interface {
	GetPromptVersion(ctx context.Context, workspaceID, id uuid.UUID) (model.PromptVersion, error)
	GetActiveVersion(ctx context.Context, workspaceID, promptID uuid.UUID) (model.PromptVersion, error)
	GetDataset(ctx context.Context, workspaceID, id uuid.UUID) (model.Dataset, error)
	ListEnabledTestCases(ctx context.Context, workspaceID, datasetID uuid.UUID) ([]model.TestCase, error)
	GetTestCase(ctx context.Context, id uuid.UUID) (model.TestCase, error)

	CreateRunWithCases(ctx context.Context, run model.EvalRun, testCaseIDs []uuid.UUID) (model.EvalRun, error)
	GetRun(ctx context.Context, workspaceID, id uuid.UUID) (model.EvalRun, error)
	GetRunByID(ctx context.Context, id uuid.UUID) (model.EvalRun, error)
	GetRunStatus(ctx context.Context, id uuid.UUID) (model.RunStatus, error)
	ListRuns(ctx context.Context, workspaceID uuid.UUID, f model.EvalRunFilter) ([]model.EvalRun, int, error)
	MarkRunRunning(ctx context.Context, id uuid.UUID) error
	FinishRun(ctx context.Context, id uuid.UUID, summary, costs model.JSONObject) error
	FailRun(ctx context.Context, id uuid.UUID, reason string, summary, costs model.JSONObject) error
	CancelRun(ctx context.Context, workspaceID, id uuid.UUID) (model.EvalRun, error)
	ListTimedOutRuns(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)

	ListRunCases(ctx context.Context, runID uuid.UUID) ([]model.EvalCaseResult, error)
	ListCases(ctx context.Context, workspaceID, runID uuid.UUID, f model.CaseFilter) ([]model.EvalCaseResult, int, error)
	CaseStats(ctx context.Context, workspaceID, runID uuid.UUID) (model.CaseStats, error)
	StartCase(ctx context.Context, id uuid.UUID) error
	CompleteCase(ctx context.Context, runID, id uuid.UUID, out model.CaseOutcome) error
	FailCase(ctx context.Context, runID, id uuid.UUID, code, message string) error
	InterruptRunningCases(ctx context.Context, runID uuid.UUID, code, message string) (int, error)

	GetReleaseCriteria(ctx context.Context, workspaceID uuid.UUID) (model.EvalReleaseCriteria, error)
	UpsertReleaseCriteria(ctx context.Context, c model.EvalReleaseCriteria) (model.EvalReleaseCriteria, error)

	Notify(ctx context.Context, channel, payload string) error
}
