package evalrun

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

// memStore mirrors the guarded transitions of storage.DB: runs only move
// forward, case writes bump counters only while the run is RUNNING or
// CANCELLED, and a rejected bump leaves the case untouched.
type memStore struct {
	mu sync.Mutex

	versions  map[uuid.UUID]model.PromptVersion
	datasets  map[uuid.UUID]model.Dataset
	testCases []model.TestCase
	runs      map[uuid.UUID]*model.EvalRun
	cases     map[uuid.UUID][]*model.EvalCaseResult
	criteria  map[uuid.UUID]model.EvalReleaseCriteria
	notified  []string

	// afterStartCase runs after a case moves to RUNNING, outside the lock.
	afterStartCase func(caseID uuid.UUID)
	// beforeListRunCases runs at the top of ListRunCases, outside the lock.
	beforeListRunCases func()
}

func newMemStore() *memStore {
	return &memStore{
		versions: map[uuid.UUID]model.PromptVersion{},
		datasets: map[uuid.UUID]model.Dataset{},
		runs:     map[uuid.UUID]*model.EvalRun{},
		cases:    map[uuid.UUID][]*model.EvalCaseResult{},
		criteria: map[uuid.UUID]model.EvalReleaseCriteria{},
	}
}

func (s *memStore) addVersion(v model.PromptVersion) model.PromptVersion {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	s.versions[v.ID] = v
	return v
}

func (s *memStore) addDataset(ws uuid.UUID, cases ...model.TestCase) model.Dataset {
	d := model.Dataset{ID: uuid.New(), WorkspaceID: ws, Name: "golden"}
	s.datasets[d.ID] = d
	for _, tc := range cases {
		if tc.ID == uuid.Nil {
			tc.ID = uuid.New()
		}
		tc.DatasetID = d.ID
		tc.WorkspaceID = ws
		s.testCases = append(s.testCases, tc)
	}
	return d
}

func (s *memStore) run(id uuid.UUID) model.EvalRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

func (s *memStore) runCases(id uuid.UUID) []model.EvalCaseResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EvalCaseResult, len(s.cases[id]))
	for i, c := range s.cases[id] {
		out[i] = *c
	}
	return out
}

func (s *memStore) setRunStatus(id uuid.UUID, status model.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id].Status = status
}

func (s *memStore) GetPromptVersion(_ context.Context, ws, id uuid.UUID) (model.PromptVersion, error) {
	v, ok := s.versions[id]
	if !ok || v.WorkspaceID != ws {
		return model.PromptVersion{}, storage.ErrNotFound
	}
	return v, nil
}

func (s *memStore) GetActiveVersion(_ context.Context, ws, promptID uuid.UUID) (model.PromptVersion, error) {
	for _, v := range s.versions {
		if v.WorkspaceID == ws && v.PromptID == promptID && v.IsActive {
			return v, nil
		}
	}
	return model.PromptVersion{}, storage.ErrNotFound
}

func (s *memStore) GetDataset(_ context.Context, ws, id uuid.UUID) (model.Dataset, error) {
	d, ok := s.datasets[id]
	if !ok || d.WorkspaceID != ws {
		return model.Dataset{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *memStore) ListEnabledTestCases(_ context.Context, ws, datasetID uuid.UUID) ([]model.TestCase, error) {
	var out []model.TestCase
	for _, tc := range s.testCases {
		if tc.WorkspaceID == ws && tc.DatasetID == datasetID && tc.Enabled {
			out = append(out, tc)
		}
	}
	return out, nil
}

func (s *memStore) GetTestCase(_ context.Context, id uuid.UUID) (model.TestCase, error) {
	for _, tc := range s.testCases {
		if tc.ID == id {
			return tc, nil
		}
	}
	return model.TestCase{}, storage.ErrNotFound
}

func (s *memStore) CreateRunWithCases(_ context.Context, run model.EvalRun, testCaseIDs []uuid.UUID) (model.EvalRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = model.RunStatusQueued
	run.TotalCases = len(testCaseIDs)
	run.CreatedAt = time.Now().UTC()
	r := run
	s.runs[run.ID] = &r
	for _, tcID := range testCaseIDs {
		id, err := uuid.NewV7()
		if err != nil {
			return model.EvalRun{}, err
		}
		s.cases[run.ID] = append(s.cases[run.ID], &model.EvalCaseResult{
			ID:           id,
			RunID:        run.ID,
			WorkspaceID:  run.WorkspaceID,
			TestCaseID:   tcID,
			Status:       model.CaseStatusQueued,
			HumanVerdict: model.VerdictUnreviewed,
			CreatedAt:    run.CreatedAt,
		})
	}
	return run, nil
}

func (s *memStore) GetRun(_ context.Context, ws, id uuid.UUID) (model.EvalRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.WorkspaceID != ws {
		return model.EvalRun{}, storage.ErrNotFound
	}
	return *r, nil
}

func (s *memStore) GetRunByID(_ context.Context, id uuid.UUID) (model.EvalRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.EvalRun{}, storage.ErrNotFound
	}
	return *r, nil
}

func (s *memStore) GetRunStatus(ctx context.Context, id uuid.UUID) (model.RunStatus, error) {
	r, err := s.GetRunByID(ctx, id)
	return r.Status, err
}

func (s *memStore) ListRuns(_ context.Context, ws uuid.UUID, f model.EvalRunFilter) ([]model.EvalRun, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EvalRun
	for _, r := range s.runs {
		if r.WorkspaceID == ws && (f.Status == nil || r.Status == *f.Status) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (s *memStore) MarkRunRunning(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[id]
	if r == nil || r.Status != model.RunStatusQueued {
		return storage.ErrRunNotActive
	}
	now := time.Now().UTC()
	r.Status = model.RunStatusRunning
	r.StartedAt = &now
	return nil
}

func (s *memStore) FinishRun(_ context.Context, id uuid.UUID, summary, costs model.JSONObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[id]
	if r == nil || r.Status != model.RunStatusRunning {
		return storage.ErrRunNotActive
	}
	now := time.Now().UTC()
	r.Status = model.RunStatusFinished
	r.Summary = summary
	r.Costs = costs
	r.FinishedAt = &now
	return nil
}

func (s *memStore) FailRun(_ context.Context, id uuid.UUID, reason string, summary, costs model.JSONObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[id]
	if r == nil || !r.Status.IsActive() {
		return storage.ErrRunNotActive
	}
	now := time.Now().UTC()
	r.Status = model.RunStatusFailed
	r.FailReason = &reason
	if summary != nil {
		r.Summary = summary
	}
	if costs != nil {
		r.Costs = costs
	}
	r.FinishedAt = &now
	return nil
}

func (s *memStore) CancelRun(_ context.Context, ws, id uuid.UUID) (model.EvalRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.WorkspaceID != ws {
		return model.EvalRun{}, storage.ErrNotFound
	}
	if !r.Status.IsActive() {
		return model.EvalRun{}, storage.ErrRunNotActive
	}
	now := time.Now().UTC()
	r.Status = model.RunStatusCancelled
	r.FinishedAt = &now
	return *r, nil
}

func (s *memStore) ListTimedOutRuns(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for _, r := range s.runs {
		if r.Status == model.RunStatusRunning && r.StartedAt != nil && r.StartedAt.Before(cutoff) && len(out) < limit {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

func (s *memStore) ListRunCases(_ context.Context, runID uuid.UUID) ([]model.EvalCaseResult, error) {
	if s.beforeListRunCases != nil {
		s.beforeListRunCases()
	}
	return s.runCases(runID), nil
}

func (s *memStore) ListCases(_ context.Context, ws, runID uuid.UUID, f model.CaseFilter) ([]model.EvalCaseResult, int, error) {
	var out []model.EvalCaseResult
	for _, c := range s.runCases(runID) {
		if c.WorkspaceID == ws && (f.Status == nil || c.Status == *f.Status) {
			out = append(out, c)
		}
	}
	return out, len(out), nil
}

func (s *memStore) CaseStats(_ context.Context, _, runID uuid.UUID) (model.CaseStats, error) {
	var st model.CaseStats
	for _, c := range s.runCases(runID) {
		st.Total++
		switch c.Status {
		case model.CaseStatusQueued:
			st.Queued++
		case model.CaseStatusRunning:
			st.Running++
		case model.CaseStatusOK:
			st.OK++
		case model.CaseStatusError:
			st.Error++
		}
	}
	return st, nil
}

func (s *memStore) findCase(id uuid.UUID) *model.EvalCaseResult {
	for _, cs := range s.cases {
		for _, c := range cs {
			if c.ID == id {
				return c
			}
		}
	}
	return nil
}

func (s *memStore) StartCase(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	c := s.findCase(id)
	if c == nil {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	err := c.Start(time.Now().UTC())
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.afterStartCase != nil {
		s.afterStartCase(id)
	}
	return nil
}

// bump applies one terminal case to the run counters. Caller holds mu.
func (s *memStore) bump(runID uuid.UUID, status model.CaseStatus, pass bool) error {
	r := s.runs[runID]
	if r == nil || (r.Status != model.RunStatusRunning && r.Status != model.RunStatusCancelled) {
		return storage.ErrRunNotActive
	}
	c := r.Counters().Record(status, pass)
	r.ProcessedCases, r.PassedCases, r.FailedCases, r.ErrorCases = c.Processed, c.Passed, c.Failed, c.Errored
	return nil
}

func (s *memStore) CompleteCase(_ context.Context, runID, id uuid.UUID, out model.CaseOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findCase(id)
	if c == nil || c.RunID != runID {
		return storage.ErrNotFound
	}
	next := *c
	if err := next.Complete(out, time.Now().UTC()); err != nil {
		return err
	}
	if err := s.bump(runID, model.CaseStatusOK, out.Pass); err != nil {
		return err
	}
	*c = next
	return nil
}

func (s *memStore) FailCase(_ context.Context, runID, id uuid.UUID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findCase(id)
	if c == nil || c.RunID != runID {
		return storage.ErrNotFound
	}
	next := *c
	if err := next.Fail(code, message, time.Now().UTC()); err != nil {
		return err
	}
	if err := s.bump(runID, model.CaseStatusError, false); err != nil {
		return err
	}
	*c = next
	return nil
}

func (s *memStore) InterruptRunningCases(ctx context.Context, runID uuid.UUID, code, message string) (int, error) {
	n := 0
	for _, c := range s.runCases(runID) {
		if c.Status != model.CaseStatusRunning {
			continue
		}
		if err := s.FailCase(ctx, runID, c.ID, code, message); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *memStore) GetReleaseCriteria(_ context.Context, ws uuid.UUID) (model.EvalReleaseCriteria, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.criteria[ws]
	if !ok {
		return model.EvalReleaseCriteria{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStore) UpsertReleaseCriteria(_ context.Context, c model.EvalReleaseCriteria) (model.EvalReleaseCriteria, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c.UpdatedAt = &now
	c.IsDefault = false
	s.criteria[c.WorkspaceID] = c
	return c, nil
}

func (s *memStore) Notify(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, fmt.Sprintf("%s:%s", channel, payload))
	return nil
}

// ctxStore fails writes on a done context the way a pgx transaction does.
type ctxStore struct{ *memStore }

func (s ctxStore) StartCase(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	return s.memStore.StartCase(ctx, id)
}

func (s ctxStore) CompleteCase(ctx context.Context, runID, id uuid.UUID, out model.CaseOutcome) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	return s.memStore.CompleteCase(ctx, runID, id, out)
}

func (s ctxStore) FailCase(ctx context.Context, runID, id uuid.UUID, code, message string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	return s.memStore.FailCase(ctx, runID, id, code, message)
}

func (s ctxStore) InterruptRunningCases(ctx context.Context, runID uuid.UUID, code, message string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	return s.memStore.InterruptRunningCases(ctx, runID, code, message)
}

func (s ctxStore) FailRun(ctx context.Context, id uuid.UUID, reason string, summary, costs model.JSONObject) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	return s.memStore.FailRun(ctx, id, reason, summary, costs)
}

func (s ctxStore) ListRunCases(ctx context.Context, runID uuid.UUID) ([]model.EvalCaseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.memStore.ListRunCases(ctx, runID)
}
