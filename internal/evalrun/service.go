// Package evalrun creates, processes, and finalizes evaluation runs.
//
// Service is the synchronous API surface: it validates and enqueues runs,
// answers estimates and reads, and cancels. Orchestrator is driven by the
// worker: it takes one claimed run through its cases strictly in id order,
// then computes the release decision and summary from the persisted rows.
package evalrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/render"
	"github.com/ashita-ai/kensa/internal/rubric"
	"github.com/ashita-ai/kensa/internal/runner"
	"github.com/ashita-ai/kensa/internal/storage"
)

// ErrInvalidInput is returned for requests that can never succeed as sent.
var ErrInvalidInput = errors.New("evalrun: invalid input")

// judgePromptOverheadTokens approximates the fixed instructions and rubric
// block of one judge prompt.
const judgePromptOverheadTokens = 600

// JudgeSettings is the judge configuration the estimate is computed against.
type JudgeSettings struct {
	Model           string
	MaxOutputTokens int
	MaxAttempts     int
}

// Service is the run API.
type Service struct {
	store   Store
	rubrics *rubric.Registry
	judge   JudgeSettings
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(store Store, rubrics *rubric.Registry, judge JudgeSettings, logger *slog.Logger) *Service {
	if judge.MaxAttempts < 1 {
		judge.MaxAttempts = 1
	}
	return &Service{store: store, rubrics: rubrics, judge: judge, logger: logger}
}

// plan is a validated create request.
type plan struct {
	candidate model.PromptVersion
	baseline  *model.PromptVersion
	cases     []model.TestCase
	rubric    model.ResolvedRubricConfig
}

func (s *Service) validate(ctx context.Context, workspaceID uuid.UUID, req *model.CreateEvalRunRequest) (plan, error) {
	var p plan
	if req.Mode == "" {
		req.Mode = model.RunModeCandidateOnly
	}
	req.Mode = model.RunMode(strings.ToUpper(string(req.Mode)))
	if !req.Mode.Valid() {
		return p, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, req.Mode)
	}
	if req.TriggerType == "" {
		req.TriggerType = model.TriggerAPI
	}
	req.TriggerType = model.TriggerType(strings.ToUpper(string(req.TriggerType)))
	if !req.TriggerType.Valid() {
		return p, fmt.Errorf("%w: unknown trigger_type %q", ErrInvalidInput, req.TriggerType)
	}
	if req.RubricTemplateCode == "" {
		req.RubricTemplateCode = model.RubricGeneralQA
	}
	req.RubricTemplateCode = strings.ToUpper(strings.TrimSpace(req.RubricTemplateCode))

	resolved, err := s.rubrics.Resolve(req.RubricTemplateCode, req.RubricOverrides)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p.rubric = resolved

	candidate, err := s.store.GetPromptVersion(ctx, workspaceID, req.CandidateVersionID)
	if err != nil {
		return p, notFoundAsInvalid(err, "candidate version")
	}
	if candidate.PromptID != req.PromptID {
		return p, fmt.Errorf("%w: candidate version %s does not belong to prompt %s", ErrInvalidInput, candidate.ID, req.PromptID)
	}
	p.candidate = candidate

	if _, err := s.store.GetDataset(ctx, workspaceID, req.DatasetID); err != nil {
		return p, notFoundAsInvalid(err, "dataset")
	}
	cases, err := s.store.ListEnabledTestCases(ctx, workspaceID, req.DatasetID)
	if err != nil {
		return p, err
	}
	if len(cases) == 0 {
		return p, fmt.Errorf("%w: dataset has no enabled test cases", ErrInvalidInput)
	}
	p.cases = cases

	if req.Mode == model.RunModeCompareActive {
		baseline, err := s.store.GetActiveVersion(ctx, workspaceID, req.PromptID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return p, fmt.Errorf("%w: compare mode requires an active version of the prompt", ErrInvalidInput)
		case err != nil:
			return p, err
		case baseline.ID == candidate.ID:
			return p, fmt.Errorf("%w: candidate is the active version; nothing to compare against", ErrInvalidInput)
		}
		p.baseline = &baseline
	}
	return p, nil
}

func notFoundAsInvalid(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s not found", ErrInvalidInput, what)
	}
	return err
}

// CreateRun validates req and enqueues a run with one QUEUED case per
// enabled test case. The active version is pinned as the baseline in
// compare mode.
func (s *Service) CreateRun(ctx context.Context, workspaceID uuid.UUID, createdBy string, req model.CreateEvalRunRequest) (model.EvalRun, error) {
	p, err := s.validate(ctx, workspaceID, &req)
	if err != nil {
		return model.EvalRun{}, err
	}

	run := model.EvalRun{
		WorkspaceID:        workspaceID,
		PromptID:           req.PromptID,
		CandidateVersionID: req.CandidateVersionID,
		DatasetID:          req.DatasetID,
		Mode:               req.Mode,
		TriggerType:        req.TriggerType,
		RubricTemplateCode: req.RubricTemplateCode,
		RubricOverrides:    req.RubricOverrides,
		CreatedBy:          createdBy,
	}
	if p.baseline != nil {
		id := p.baseline.ID
		run.BaselineVersionID = &id
	}
	ids := make([]uuid.UUID, len(p.cases))
	for i, tc := range p.cases {
		ids[i] = tc.ID
	}

	created, err := s.store.CreateRunWithCases(ctx, run, ids)
	if err != nil {
		return model.EvalRun{}, fmt.Errorf("evalrun: create run: %w", err)
	}
	s.logger.Info("evalrun: run queued",
		"run_id", created.ID,
		"mode", created.Mode,
		"total_cases", created.TotalCases,
		"created_by", createdBy,
	)
	if err := s.store.Notify(ctx, storage.ChannelRunsQueued, storage.RunPayload(created.WorkspaceID, created.ID)); err != nil {
		s.logger.Warn("evalrun: notify queued run failed", "run_id", created.ID, "error", err)
	}
	return created, nil
}

// EstimateRun reports the call counts and an upper-bound token and cost
// estimate for req without creating anything.
func (s *Service) EstimateRun(ctx context.Context, workspaceID uuid.UUID, req model.CreateEvalRunRequest) (model.EvalRunEstimate, error) {
	p, err := s.validate(ctx, workspaceID, &req)
	if err != nil {
		return model.EvalRunEstimate{}, err
	}

	est := model.EvalRunEstimate{
		TotalCases:               len(p.cases),
		CandidateCalls:           len(p.cases),
		CompareBaselineAvailable: p.baseline != nil,
	}
	if p.baseline != nil {
		est.BaselineCalls = len(p.cases)
	}
	est.MaxJudgeCalls = (est.CandidateCalls + est.BaselineCalls) * s.judge.MaxAttempts

	judgeOut := s.judge.MaxOutputTokens
	if judgeOut <= 0 {
		judgeOut = runner.DefaultMaxOutputTokens
	}
	var cost float64
	for _, tc := range p.cases {
		versions := []model.PromptVersion{p.candidate}
		if p.baseline != nil {
			versions = append(versions, *p.baseline)
		}
		for _, v := range versions {
			system, user := render.Prompt(v, tc)
			in := runner.EstimateTokens(system) + runner.EstimateTokens(user)
			out := int64(v.MaxOutputTokens(runner.DefaultMaxOutputTokens))
			cost += runner.EstimateCost(v.Model, in, out)

			judgeIn := in + out + judgePromptOverheadTokens + runner.EstimateTokens(tc.Input)
			attempts := int64(s.judge.MaxAttempts)
			cost += float64(attempts) * runner.EstimateCost(s.judge.Model, judgeIn, int64(judgeOut))

			est.EstimatedInputTokens += in + attempts*judgeIn
		}
	}
	est.EstimatedCostUSD = math.Round(cost*1e4) / 1e4
	return est, nil
}

// ListRuns returns a page of runs and the filtered total.
func (s *Service) ListRuns(ctx context.Context, workspaceID uuid.UUID, f model.EvalRunFilter) ([]model.EvalRun, int, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *f.Status)
	}
	return s.store.ListRuns(ctx, workspaceID, f)
}

// GetRun returns one run.
func (s *Service) GetRun(ctx context.Context, workspaceID, id uuid.UUID) (model.EvalRun, error) {
	return s.store.GetRun(ctx, workspaceID, id)
}

// CancelRun moves a QUEUED or RUNNING run to CANCELLED. A case already in
// flight still completes; no further cases start.
func (s *Service) CancelRun(ctx context.Context, workspaceID, id uuid.UUID) (model.EvalRun, error) {
	run, err := s.store.CancelRun(ctx, workspaceID, id)
	if err != nil {
		return model.EvalRun{}, err
	}
	s.logger.Info("evalrun: run cancelled", "run_id", id)
	return run, nil
}

// ListCases returns a page of a run's cases.
func (s *Service) ListCases(ctx context.Context, workspaceID, runID uuid.UUID, f model.CaseFilter) ([]model.EvalCaseResult, int, error) {
	if _, err := s.store.GetRun(ctx, workspaceID, runID); err != nil {
		return nil, 0, err
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown case status %q", ErrInvalidInput, *f.Status)
	}
	if f.Verdict != nil && !f.Verdict.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown verdict %q", ErrInvalidInput, *f.Verdict)
	}
	return s.store.ListCases(ctx, workspaceID, runID, f)
}

// CaseStats returns the status, pass, and review counts of a run's cases.
func (s *Service) CaseStats(ctx context.Context, workspaceID, runID uuid.UUID) (model.CaseStats, error) {
	if _, err := s.store.GetRun(ctx, workspaceID, runID); err != nil {
		return model.CaseStats{}, err
	}
	return s.store.CaseStats(ctx, workspaceID, runID)
}

// ReleaseCriteria returns the workspace thresholds, or the defaults.
func (s *Service) ReleaseCriteria(ctx context.Context, workspaceID uuid.UUID) (model.EvalReleaseCriteria, error) {
	return criteriaOrDefault(ctx, s.store, workspaceID)
}

// UpsertReleaseCriteria merges req onto the current thresholds and saves them.
func (s *Service) UpsertReleaseCriteria(ctx context.Context, workspaceID uuid.UUID, updatedBy string, req model.UpsertReleaseCriteriaRequest) (model.EvalReleaseCriteria, error) {
	current, err := criteriaOrDefault(ctx, s.store, workspaceID)
	if err != nil {
		return model.EvalReleaseCriteria{}, err
	}
	next := req.Apply(current)
	if err := next.Validate(); err != nil {
		return model.EvalReleaseCriteria{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	next.WorkspaceID = workspaceID
	next.UpdatedBy = &updatedBy
	return s.store.UpsertReleaseCriteria(ctx, next)
}

func criteriaOrDefault(ctx context.Context, store Store, workspaceID uuid.UUID) (model.EvalReleaseCriteria, error) {
	c, err := store.GetReleaseCriteria(ctx, workspaceID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.DefaultReleaseCriteria(workspaceID), nil
	}
	if err != nil {
		return model.EvalReleaseCriteria{}, err
	}
	return c, nil
}
