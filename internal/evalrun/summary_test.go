package evalrun

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/release"
)

func TestTallyOrdersByCountThenFirstSeen(t *testing.T) {
	tl := newTally()
	for _, k := range []string{"b", "a", "c", "a", "c", "d", "", "c"} {
		tl.add(k)
	}
	want := []Count{{"c", 3}, {"a", 2}, {"b", 1}, {"d", 1}}
	if diff := cmp.Diff(want, tl.sorted()); diff != "" {
		t.Errorf("sorted mismatch (-want +got):\n%s", diff)
	}
}

func okCase(pass bool, score float64, ruleChecks, judgeOutput model.JSONObject) model.EvalCaseResult {
	return model.EvalCaseResult{Status: model.CaseStatusOK, Pass: &pass, OverallScore: &score, RuleChecks: ruleChecks, JudgeOutput: judgeOutput}
}

func errCase(code string) model.EvalCaseResult {
	return model.EvalCaseResult{Status: model.CaseStatusError, ErrorCode: &code}
}

func TestAggregateFromPersistedRows(t *testing.T) {
	withDelta := func(d float64, winner string) model.JSONObject {
		return model.JSONObject{"labels": []any{"VERBOSE"}, "compare": map[string]any{"scoreDelta": d, "winner": winner}}
	}
	cases := []model.EvalCaseResult{
		okCase(true, 90, model.JSONObject{
			"candidate": map[string]any{"failedChecks": []any{}, "warningChecks": []any{"expected_contains:Paris"}},
			"baseline":  map[string]any{"failedChecks": []any{"max_chars:900>500"}},
		}, withDelta(-2, model.WinnerBaseline)),
		okCase(false, 50, model.JSONObject{"failedChecks": []any{"max_chars:612>500", "must_include:Paris"}}, withDelta(-1, model.WinnerBaseline)),
		errCase(model.CaseErrExecution),
		{Status: model.CaseStatusQueued},
	}

	a := aggregate(cases, true, true)
	assert.Equal(t, model.RunCounters{Total: 4, Processed: 3, Passed: 1, Failed: 1, Errored: 1}, a.counters(4))

	m := a.metrics()
	assert.InDelta(t, 100.0/3, m.PassRate, 1e-9)
	assert.InDelta(t, 100.0/3, m.ErrorRate, 1e-9)
	assert.InDelta(t, 70.0, m.AvgOverallScore, 1e-9)
	require.NotNil(t, m.AvgScoreDelta)
	assert.InDelta(t, -1.5, *m.AvgScoreDelta, 1e-9)
	assert.True(t, m.CompareBaselineComplete)

	want := []Count{{"max_chars", 1}, {"must_include:Paris", 1}}
	if diff := cmp.Diff(want, a.ruleFailures.sorted()); diff != "" {
		t.Errorf("rule failures mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []Count{{"expected_contains:Paris", 1}}, a.ruleWarnings.sorted())
	assert.Equal(t, []Count{{"VERBOSE", 2}}, a.judgeLabels.sorted())
	assert.Equal(t, Wins{Baseline: 2}, a.wins)

	d := release.Decide(m, model.DefaultReleaseCriteria(uuid.Nil))
	assert.Equal(t, model.DecisionHold, d.Release)
	assert.Equal(t, model.RiskHigh, d.Risk)
	assert.Contains(t, d.Reasons, model.ReasonCompareRegressionDetected)
}

func TestDecisionUsesUnroundedAggregates(t *testing.T) {
	withDelta := func(d float64) model.JSONObject {
		return model.JSONObject{"compare": map[string]any{"scoreDelta": d, "winner": model.WinnerTie}}
	}
	cases := []model.EvalCaseResult{
		okCase(true, 69.99, nil, withDelta(-0.01)),
		okCase(true, 69.99, nil, withDelta(0)),
		okCase(true, 70.01, nil, withDelta(0)),
	}
	a := aggregate(cases, true, true)
	m := a.metrics()
	assert.Less(t, m.AvgOverallScore, 70.0)
	require.NotNil(t, m.AvgScoreDelta)
	assert.Less(t, *m.AvgScoreDelta, 0.0)

	d := release.Decide(m, model.DefaultReleaseCriteria(uuid.Nil))
	assert.Equal(t, model.DecisionHold, d.Release)
	assert.Equal(t, model.RiskHigh, d.Risk)
	assert.Equal(t, []string{model.ReasonAvgScoreBelowThreshold, model.ReasonCompareRegressionDetected}, d.Reasons)
	assert.Empty(t, d.Warnings)

	obj, err := buildSummary(a, d, 3)
	require.NoError(t, err)
	score, _ := obj.Float("avgOverallScore")
	assert.Equal(t, 70.0, score)
	details := obj.Strings("reasonDetails")
	require.Len(t, details, 2)
	assert.Equal(t, "Average score 69.9967 is below the minimum of 70.00.", details[0])
	assert.Contains(t, details[1], "0.0033 points below")
	plain, _ := obj.String("plainSummary")
	assert.Contains(t, plain, "0.0033 points below the baseline")
}

func TestBaselineCompleteness(t *testing.T) {
	compared := okCase(true, 80, nil, model.JSONObject{"compare": map[string]any{"scoreDelta": 1.0}})
	uncompared := okCase(true, 80, nil, model.JSONObject{})

	tests := []struct {
		name      string
		cases     []model.EvalCaseResult
		available bool
		want      bool
	}{
		{"every ok case compared", []model.EvalCaseResult{compared, errCase("X")}, true, true},
		{"one ok case missing compare", []model.EvalCaseResult{compared, uncompared}, true, false},
		{"no ok cases", []model.EvalCaseResult{errCase("X")}, true, true},
		{"baseline unavailable", []model.EvalCaseResult{compared}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregate(tt.cases, true, tt.available).baselineComplete())
		})
	}
}

func TestEmptyRunRatesAreZero(t *testing.T) {
	a := aggregate(nil, false, false)
	m := a.metrics()
	assert.Zero(t, m.PassRate)
	assert.Zero(t, m.ErrorRate)
	assert.Zero(t, m.AvgOverallScore)
	assert.Nil(t, m.AvgScoreDelta)
}

func TestTopIssuesCapAndRoundRobin(t *testing.T) {
	s := Summary{
		ReasonDetails:     []string{"reason one", "reason two"},
		RuleFailureCounts: []Count{{"max_chars", 4}, {"non_empty", 1}},
		ErrorCodeCounts:   []Count{{model.CaseErrExecution, 2}},
		JudgeLabelCounts:  []Count{{"HALLUCINATION", 3}, {"OFF_TOPIC", 1}},
		RuleWarningCounts: []Count{{"expected_contains:Paris", 1}},
	}
	want := []string{
		"reason one",
		"reason two",
		"Rule check failed: max_chars (4 cases)",
		"Case error EVAL_CASE_EXECUTION_ERROR (2 cases)",
		"Judge flagged HALLUCINATION (3 cases)",
	}
	if diff := cmp.Diff(want, topIssues(s)); diff != "" {
		t.Errorf("topIssues mismatch (-want +got):\n%s", diff)
	}

	s.ReasonDetails = nil
	s.ErrorCodeCounts = nil
	got := topIssues(s)
	assert.Equal(t, []string{
		"Rule check failed: max_chars (4 cases)",
		"Judge flagged HALLUCINATION (3 cases)",
		"Rule warning: expected_contains:Paris (1 case)",
		"Rule check failed: non_empty (1 case)",
		"Judge flagged OFF_TOPIC (1 case)",
	}, got)
}

func TestPlainSummaryCompare(t *testing.T) {
	delta := -1.5
	s := Summary{PassedCases: 9, ProcessedCases: 10, PassRate: 90, AvgOverallScore: 84.5}
	s.Release, s.Risk = model.DecisionHold, model.RiskHigh
	s.Basis = model.DecisionBasis{CompareMode: true, CompareBaselineComplete: true, AvgScoreDelta: &delta}

	got := plainSummary(s)
	assert.True(t, strings.HasPrefix(got, "HOLD (HIGH risk): 9 of 10 cases passed (90.00%), 0 errored, average score 84.50."))
	assert.True(t, strings.HasSuffix(got, "Candidate scores 1.50 points below the baseline on average."))

	s.Basis.CompareBaselineComplete = false
	assert.True(t, strings.HasSuffix(plainSummary(s), "Baseline comparison is incomplete."))
}

func TestBuildSummaryShape(t *testing.T) {
	a := aggregate([]model.EvalCaseResult{okCase(true, 100, nil, nil)}, false, false)
	d := release.Decide(a.metrics(), model.EvalReleaseCriteria{MinPassRate: 80, MinAvgOverallScore: 70, MaxErrorRate: 5})

	obj, err := buildSummary(a, d, 1)
	require.NoError(t, err)
	for _, key := range []string{
		"releaseDecision", "riskLevel", "reasons", "blockingReasons", "warningReasons", "decisionBasis",
		"ruleFailureCounts", "ruleWarningCounts", "errorCodeCounts", "judgeLabelCounts", "topIssues", "plainSummary",
	} {
		assert.Contains(t, obj, key)
	}
	assert.NotContains(t, obj, "compareWins")
	assert.Equal(t, []string{}, obj.Strings("reasons"))
	assert.Equal(t, []string{}, obj.Strings("topIssues"))
}
