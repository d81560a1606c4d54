package evalrun

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/judge"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/rubric"
	"github.com/ashita-ai/kensa/internal/rules"
	"github.com/ashita-ai/kensa/internal/runner"
	"github.com/ashita-ai/kensa/internal/storage"
)

const judgeModel = "judge-model"

const (
	replyPass5 = `{"pass": true, "scores": {"accuracy": 5, "completeness": 5, "relevance": 5, "clarity": 5}, "labels": [], "evidence": ["correct"]}`
	replyPass4 = `{"pass": true, "scores": {"accuracy": 4, "completeness": 4, "relevance": 4, "clarity": 4}, "labels": [], "evidence": ["fine"]}`
	replyFail2 = "```json\n" + `{"pass": false, "scores": {"accuracy": 2, "completeness": 2, "relevance": 2, "clarity": 2}, "labels": ["HALLUCINATION"]}` + "\n```"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fixture wires a Service and Orchestrator over a memStore with a scripted
// model runner. Candidate versions answer "answer cand <input>", baselines
// "answer base <input>"; the judge passes candidates with 5s, baselines
// with 4s, and fails any candidate whose input starts with "bad".
type fixture struct {
	store     *memStore
	ws        uuid.UUID
	promptID  uuid.UUID
	candidate model.PromptVersion
	baseline  model.PromptVersion
	dataset   model.Dataset
	svc       *Service
	orch      *Orchestrator

	mu       sync.Mutex
	requests []runner.Request
	// failModel makes non-judge calls fail for requests matching it.
	failModel func(req runner.Request) error
	// judgeErr makes judge calls fail when it returns non-nil.
	judgeErr func(prompt string) error
}

func newFixture(t *testing.T, inputs ...string) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), ws: uuid.New(), promptID: uuid.New()}

	system := "You answer questions."
	f.baseline = f.store.addVersion(model.PromptVersion{
		PromptID: f.promptID, WorkspaceID: f.ws, Version: 1, UserTemplate: "base {{question}}",
		Provider: runner.ProviderAnthropic, Model: "claude-3-5-haiku-latest", IsActive: true,
	})
	f.candidate = f.store.addVersion(model.PromptVersion{
		PromptID: f.promptID, WorkspaceID: f.ws, Version: 2, SystemTemplate: &system, UserTemplate: "cand {question}",
		Provider: runner.ProviderOpenAI, Model: "gpt-4o-mini", ModelConfig: model.JSONObject{"temperature": 0.2},
	})

	tcs := make([]model.TestCase, len(inputs))
	for i, in := range inputs {
		tcs[i] = model.TestCase{Input: in, Enabled: true}
	}
	f.dataset = f.store.addDataset(f.ws, tcs...)

	run := runner.Func(f.run)
	rubrics := rubric.MustNewRegistry()
	j := judge.New(run, judge.Config{Provider: runner.ProviderAnthropic, Model: judgeModel, MaxAttempts: 1}, quietLogger())
	f.svc = NewService(f.store, rubrics, JudgeSettings{Model: judgeModel, MaxOutputTokens: 512, MaxAttempts: 2}, quietLogger())
	f.orch = NewOrchestrator(f.store, rubrics, run, j, rules.Default{}, OrchestratorConfig{RunTimeout: time.Hour}, quietLogger())
	return f
}

func (f *fixture) run(_ context.Context, req runner.Request) (runner.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	meta := model.UsageMeta{
		Provider: req.Provider, RequestedModel: req.Model, UsedModel: req.Model,
		LatencyMs: 50, InputTokens: 100, OutputTokens: 20, TotalTokens: 120, EstimatedCostUSD: 0.001,
	}
	if req.Model == judgeModel {
		if f.judgeErr != nil {
			if err := f.judgeErr(req.Prompt); err != nil {
				return runner.Result{}, err
			}
		}
		reply := replyPass5
		switch {
		case strings.Contains(req.Prompt, `"candidateOutput": "answer base`):
			reply = replyPass4
		case strings.Contains(req.Prompt, `"candidateOutput": "answer cand bad`):
			reply = replyFail2
		}
		return runner.Result{OutputText: reply, Meta: meta}, nil
	}
	if f.failModel != nil {
		if err := f.failModel(req); err != nil {
			return runner.Result{}, err
		}
	}
	return runner.Result{OutputText: "answer " + req.Prompt, Meta: meta}, nil
}

func (f *fixture) calls(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Model == model {
			n++
		}
	}
	return n
}

func (f *fixture) create(t *testing.T, mode model.RunMode) model.EvalRun {
	t.Helper()
	run, err := f.svc.CreateRun(context.Background(), f.ws, "ci-bot", model.CreateEvalRunRequest{
		PromptID:           f.promptID,
		CandidateVersionID: f.candidate.ID,
		DatasetID:          f.dataset.ID,
		Mode:               mode,
		RubricTemplateCode: "general_qa",
	})
	require.NoError(t, err)
	return run
}

func (f *fixture) process(t *testing.T, runID uuid.UUID) model.EvalRun {
	t.Helper()
	require.NoError(t, f.orch.ProcessRun(context.Background(), runID))
	run := f.store.run(runID)
	require.NoError(t, run.Counters().Check())
	return run
}

func TestProcessRunCandidateOnly(t *testing.T) {
	f := newFixture(t, "q1", "q2", "bad q3")
	run := f.process(t, f.create(t, model.RunModeCandidateOnly).ID)

	assert.Equal(t, model.RunStatusFinished, run.Status)
	assert.Equal(t, model.RunCounters{Total: 3, Processed: 3, Passed: 2, Failed: 1}, run.Counters())

	s := run.Summary
	decision, _ := s.String("releaseDecision")
	risk, _ := s.String("riskLevel")
	passRate, _ := s.Float("passRate")
	avg, _ := s.Float("avgOverallScore")
	assert.Equal(t, string(model.DecisionHold), decision)
	assert.Equal(t, string(model.RiskMedium), risk)
	assert.InDelta(t, 66.67, passRate, 1e-9)
	assert.InDelta(t, 80.0, avg, 1e-9)
	assert.Equal(t, []string{model.ReasonPassRateBelowThreshold}, s.Strings("reasons"))

	wantIssues := []string{
		"Pass rate 66.6667% is below the minimum of 80.00%.",
		"Judge flagged HALLUCINATION (1 case)",
		"Judge flagged GATE_MIN_OVERALL_SCORE (1 case)",
	}
	if diff := cmp.Diff(wantIssues, s.Strings("topIssues")); diff != "" {
		t.Errorf("topIssues mismatch (-want +got):\n%s", diff)
	}
	plain, _ := s.String("plainSummary")
	assert.Equal(t, "HOLD (MEDIUM risk): 2 of 3 cases passed (66.67%), 0 errored, average score 80.00.", plain)

	cand, ok := run.Costs.Object("candidate")
	require.True(t, ok)
	calls, _ := cand.Float("calls")
	assert.Equal(t, 3.0, calls)
	judgeCosts, _ := run.Costs.Object("judge")
	judgeCalls, _ := judgeCosts.Float("calls")
	assert.Equal(t, 3.0, judgeCalls)

	cases := f.store.runCases(run.ID)
	for _, c := range cases {
		assert.Equal(t, model.CaseStatusOK, c.Status)
		assert.NotContains(t, c.RuleChecks, "candidate")
		assert.Nil(t, c.BaselineOutput)
	}
	assert.Equal(t, "answer cand q1", *cases[0].CandidateOutput)
	assert.False(t, *cases[2].Pass)
	assert.Contains(t, f.store.notified, storage.ChannelRunsFinished+":"+storage.RunPayload(f.ws, run.ID))
}

func TestProcessRunCompareMode(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	created := f.create(t, model.RunModeCompareActive)
	require.NotNil(t, created.BaselineVersionID)
	assert.Equal(t, f.baseline.ID, *created.BaselineVersionID)

	run := f.process(t, created.ID)
	assert.Equal(t, model.RunStatusFinished, run.Status)
	assert.Equal(t, 2, f.calls("gpt-4o-mini"))
	assert.Equal(t, 2, f.calls("claude-3-5-haiku-latest"))
	assert.Equal(t, 4, f.calls(judgeModel))

	for _, c := range f.store.runCases(run.ID) {
		require.Equal(t, model.CaseStatusOK, c.Status)
		require.NotNil(t, c.BaselineOutput)
		assert.True(t, strings.HasPrefix(*c.BaselineOutput, "answer base"))

		_, hasCand := c.RuleChecks.Object("candidate")
		_, hasBase := c.RuleChecks.Object("baseline")
		assert.True(t, hasCand && hasBase, "rule checks are combined")

		cmpBlock, ok := c.JudgeOutput.Object("compare")
		require.True(t, ok)
		delta, _ := cmpBlock.Float("scoreDelta")
		winner, _ := cmpBlock.String("winner")
		assert.InDelta(t, 20.0, delta, 1e-9)
		assert.Equal(t, model.WinnerCandidate, winner)

		baseOut, ok := c.JudgeOutput.Object("baseline")
		require.True(t, ok)
		baseScore, _ := baseOut.Float("overallScore")
		assert.InDelta(t, 80.0, baseScore, 1e-9)
	}

	s := run.Summary
	decision, _ := s.String("releaseDecision")
	risk, _ := s.String("riskLevel")
	assert.Equal(t, string(model.DecisionSafeToDeploy), decision)
	assert.Equal(t, string(model.RiskLow), risk)
	basis, _ := s.Object("decisionBasis")
	delta, _ := basis.Float("avgScoreDelta")
	assert.InDelta(t, 20.0, delta, 1e-9)
	complete, _ := basis.Bool("compareBaselineComplete")
	assert.True(t, complete)
	wins, _ := s.Object("compareWins")
	candWins, _ := wins.Float("candidate")
	assert.Equal(t, 2.0, candWins)

	_, hasCompare := run.Costs.Object("compare")
	assert.True(t, hasCompare)
}

func TestBaselineFailureDegradesComparison(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	f.failModel = func(req runner.Request) error {
		if req.Model == f.baseline.Model {
			return &runner.ProviderError{Provider: req.Provider, StatusCode: 500, Err: errors.New("api_key=sk-live-abcdefghijkl overloaded")}
		}
		return nil
	}
	run := f.process(t, f.create(t, model.RunModeCompareActive).ID)

	assert.Equal(t, model.RunStatusFinished, run.Status)
	assert.Equal(t, 2, run.PassedCases, "baseline failures never fail the candidate case")
	for _, c := range f.store.runCases(run.ID) {
		code, _ := c.BaselineMeta.String("error")
		msg, _ := c.BaselineMeta.String("message")
		assert.Equal(t, model.BaselineExecutionError, code)
		assert.NotContains(t, msg, "sk-live")
		_, hasCompare := c.JudgeOutput.Object("compare")
		assert.False(t, hasCompare)
	}

	decision, _ := run.Summary.String("releaseDecision")
	risk, _ := run.Summary.String("riskLevel")
	assert.Equal(t, string(model.DecisionHold), decision)
	assert.Equal(t, string(model.RiskHigh), risk)
	assert.Equal(t, []string{model.ReasonCompareBaselineIncomplete}, run.Summary.Strings("reasons"))
}

func TestBaselineJudgeFailureLeavesMarker(t *testing.T) {
	f := newFixture(t, "q1")
	f.judgeErr = func(prompt string) error {
		if strings.Contains(prompt, `"candidateOutput": "answer base`) {
			return errors.New("judge unavailable")
		}
		return nil
	}
	run := f.process(t, f.create(t, model.RunModeCompareActive).ID)

	c := f.store.runCases(run.ID)[0]
	require.Equal(t, model.CaseStatusOK, c.Status)
	marker, ok := c.JudgeOutput.Object("baseline")
	require.True(t, ok)
	code, _ := marker.String("error")
	assert.Equal(t, model.BaselineJudgeError, code)
	assert.Contains(t, run.Summary.Strings("reasons"), model.ReasonCompareBaselineIncomplete)
}

func TestCaseErrorIsIsolated(t *testing.T) {
	f := newFixture(t, "q1", "q2", "q3")
	f.failModel = func(req runner.Request) error {
		if strings.Contains(req.Prompt, "q2") {
			return errors.New("connection reset\n\n   Authorization: Bearer abc.def.ghi")
		}
		return nil
	}
	run := f.process(t, f.create(t, model.RunModeCandidateOnly).ID)

	assert.Equal(t, model.RunStatusFinished, run.Status)
	assert.Equal(t, model.RunCounters{Total: 3, Processed: 3, Passed: 2, Errored: 1}, run.Counters())

	c := f.store.runCases(run.ID)[1]
	assert.Equal(t, model.CaseStatusError, c.Status)
	assert.Equal(t, model.CaseErrExecution, *c.ErrorCode)
	assert.NotContains(t, *c.ErrorMessage, "abc.def.ghi")
	assert.NotContains(t, *c.ErrorMessage, "\n")

	assert.Contains(t, run.Summary.Strings("reasons"), model.ReasonErrorRateAboveThreshold)
	codes, _ := run.Summary["errorCodeCounts"].([]any)
	require.Len(t, codes, 1)
	assert.Equal(t, model.CaseErrExecution, codes[0].(map[string]any)["key"])
}

func TestCancellationStopsBeforeNextCase(t *testing.T) {
	f := newFixture(t, "q1", "q2", "q3")
	run := f.create(t, model.RunModeCandidateOnly)

	f.store.afterStartCase = func(uuid.UUID) {
		_, err := f.svc.CancelRun(context.Background(), f.ws, run.ID)
		require.NoError(t, err)
		f.store.afterStartCase = nil
	}
	got := f.process(t, run.ID)

	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Equal(t, 1, got.ProcessedCases, "the in-flight case still completes")
	cases := f.store.runCases(run.ID)
	assert.Equal(t, model.CaseStatusOK, cases[0].Status)
	assert.Equal(t, model.CaseStatusQueued, cases[1].Status)
	assert.Equal(t, model.CaseStatusQueued, cases[2].Status)
	assert.Nil(t, got.Summary)
}

func TestRunTimeoutLeavesCasesUntouched(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	run := f.create(t, model.RunModeCandidateOnly)

	started := time.Now().Add(-2 * time.Hour)
	f.store.mu.Lock()
	f.store.runs[run.ID].Status = model.RunStatusRunning
	f.store.runs[run.ID].StartedAt = &started
	f.store.cases[run.ID][0].Status = model.CaseStatusRunning
	f.store.mu.Unlock()
	before := f.store.runCases(run.ID)

	got := f.process(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.FailReason)
	assert.True(t, strings.HasPrefix(*got.FailReason, model.RunFailTimeout))
	code, _ := got.Summary.String("failCode")
	assert.Equal(t, model.RunFailTimeout, code)

	if diff := cmp.Diff(before, f.store.runCases(run.ID)); diff != "" {
		t.Errorf("cases changed on timeout (-before +after):\n%s", diff)
	}
	assert.Empty(t, f.requests)
}

func TestSweepTimedOut(t *testing.T) {
	f := newFixture(t, "q1")
	stale := f.create(t, model.RunModeCandidateOnly)
	fresh := f.create(t, model.RunModeCandidateOnly)

	old, recent := time.Now().Add(-3*time.Hour), time.Now().Add(-time.Minute)
	f.store.mu.Lock()
	f.store.runs[stale.ID].Status, f.store.runs[stale.ID].StartedAt = model.RunStatusRunning, &old
	f.store.runs[fresh.ID].Status, f.store.runs[fresh.ID].StartedAt = model.RunStatusRunning, &recent
	f.store.mu.Unlock()

	n, err := f.orch.SweepTimedOut(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.RunStatusFailed, f.store.run(stale.ID).Status)
	assert.Equal(t, model.RunStatusRunning, f.store.run(fresh.ID).Status)
}

func TestOrphanedRunningCaseIsInterrupted(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	run := f.create(t, model.RunModeCandidateOnly)

	started := time.Now().Add(-time.Minute)
	f.store.mu.Lock()
	f.store.runs[run.ID].Status = model.RunStatusRunning
	f.store.runs[run.ID].StartedAt = &started
	f.store.cases[run.ID][0].Status = model.CaseStatusRunning
	f.store.mu.Unlock()

	got := f.process(t, run.ID)
	assert.Equal(t, model.RunStatusFinished, got.Status)
	assert.Equal(t, model.RunCounters{Total: 2, Processed: 2, Passed: 1, Errored: 1}, got.Counters())

	cases := f.store.runCases(run.ID)
	assert.Equal(t, model.CaseErrInterrupted, *cases[0].ErrorCode)
	assert.Equal(t, model.CaseStatusOK, cases[1].Status)
}

func TestProcessRunSkipsTerminalRuns(t *testing.T) {
	f := newFixture(t, "q1")
	run := f.create(t, model.RunModeCandidateOnly)
	f.store.setRunStatus(run.ID, model.RunStatusCancelled)

	got := f.process(t, run.ID)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Empty(t, f.requests)
}

func TestMissingCandidateFailsRun(t *testing.T) {
	f := newFixture(t, "q1")
	run := f.create(t, model.RunModeCandidateOnly)
	delete(f.store.versions, f.candidate.ID)

	got := f.process(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(*got.FailReason, model.RunFailNoCandidate))
	code, _ := got.Summary.String("failCode")
	assert.Equal(t, model.RunFailNoCandidate, code)
}

func TestPanicFailsRunAndKeepsCounters(t *testing.T) {
	f := newFixture(t, "q1")
	run := f.create(t, model.RunModeCandidateOnly)

	var once sync.Once
	f.store.beforeListRunCases = func() {
		once.Do(func() { panic("list exploded") })
	}
	got := f.process(t, run.ID)

	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, *got.FailReason, "panic: list exploded")
	assert.Equal(t, 0, got.ProcessedCases)
}

func TestJudgePanicBecomesCaseError(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	f.orch.judge = panicJudge{}
	run := f.process(t, f.create(t, model.RunModeCandidateOnly).ID)

	assert.Equal(t, model.RunStatusFinished, run.Status)
	assert.Equal(t, 2, run.ErrorCases)
	for _, c := range f.store.runCases(run.ID) {
		assert.Contains(t, *c.ErrorMessage, "panic: judge exploded")
	}
}

type panicJudge struct{}

func (panicJudge) Judge(context.Context, judge.Input) (model.JudgeResult, error) {
	panic("judge exploded")
}

func TestCompareWinner(t *testing.T) {
	res := func(score float64, pass bool) model.JudgeResult {
		return model.JudgeResult{OverallScore: score, Pass: pass}
	}
	tests := []struct {
		name      string
		cand      model.JudgeResult
		base      model.JudgeResult
		wantDelta float64
		want      string
	}{
		{"candidate passes alone", res(50, true), res(90, false), -40, model.WinnerCandidate},
		{"baseline passes alone", res(90, false), res(50, true), 40, model.WinnerBaseline},
		{"tie within a hundredth", res(80.004, true), res(80.001, true), 0, model.WinnerTie},
		{"higher candidate", res(85, true), res(80, true), 5, model.WinnerCandidate},
		{"higher baseline", res(40, false), res(45.5, false), -5.5, model.WinnerBaseline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := compare(tt.cand, tt.base)
			assert.Equal(t, tt.want, b.Winner)
			assert.InDelta(t, tt.wantDelta, b.ScoreDelta, 1e-9)
		})
	}
}

func TestCancelledContextMidCaseLeavesNoRunningCase(t *testing.T) {
	f := newFixture(t, "q1", "q2", "q3")
	created := f.create(t, model.RunModeCandidateOnly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var candidateCalls int
	run := runner.Func(func(c context.Context, req runner.Request) (runner.Result, error) {
		if req.Model == f.candidate.Model {
			candidateCalls++
			if candidateCalls == 2 {
				cancel()
				return runner.Result{}, c.Err()
			}
		}
		return f.run(c, req)
	})
	j := judge.New(run, judge.Config{Provider: runner.ProviderAnthropic, Model: judgeModel, MaxAttempts: 1}, quietLogger())
	orch := NewOrchestrator(ctxStore{f.store}, rubric.MustNewRegistry(), run, j, rules.Default{}, OrchestratorConfig{RunTimeout: time.Hour}, quietLogger())

	require.NoError(t, orch.ProcessRun(ctx, created.ID))

	got := f.store.run(created.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	statuses := make([]model.CaseStatus, 0, 3)
	for _, c := range f.store.runCases(created.ID) {
		statuses = append(statuses, c.Status)
	}
	assert.Equal(t, []model.CaseStatus{model.CaseStatusOK, model.CaseStatusError, model.CaseStatusQueued}, statuses)
	require.NoError(t, got.Counters().Check())
}

func TestFailRunClosesRunningCases(t *testing.T) {
	f := newFixture(t, "q1", "q2")
	created := f.create(t, model.RunModeCandidateOnly)
	f.store.setRunStatus(created.ID, model.RunStatusRunning)
	f.store.cases[created.ID][0].Status = model.CaseStatusRunning

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.orch.failRun(ctx, f.store.run(created.ID), model.RunFailInternal, "worker shutting down"))

	assert.Equal(t, model.RunStatusFailed, f.store.run(created.ID).Status)
	first := f.store.runCases(created.ID)[0]
	assert.Equal(t, model.CaseStatusError, first.Status)
	require.NotNil(t, first.ErrorCode)
	assert.Equal(t, model.CaseErrInterrupted, *first.ErrorCode)
}
