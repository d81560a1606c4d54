package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kensa/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestCompactRun(t *testing.T) {
	run := model.EvalRun{
		ID:              uuid.New(),
		Status:          model.RunStatusFinished,
		Mode:            model.RunModeCandidateOnly,
		TotalCases:      4,
		ProcessedCases:  4,
		PassedCases:     2,
		FailedCases:     1,
		ErrorCases:      1,
		RubricOverrides: map[string]any{"passThreshold": 80},
		Summary:         model.JSONObject{"releaseDecision": "HOLD"},
		CreatedAt:       time.Now(),
		FinishedAt:      ptr(time.Now()),
	}
	m := compactRun(run)
	assert.Equal(t, "4/4 (2 passed, 1 failed, 1 errored)", m["progress"])
	assert.Equal(t, "HOLD", m["release_decision"])
	assert.NotContains(t, m, "rubric_overrides")
	assert.NotContains(t, m, "costs")
	assert.NotContains(t, m, "fail_reason")

	run.Status = model.RunStatusFailed
	run.FailReason = ptr(model.RunFailTimeout)
	m = compactRun(run)
	assert.Equal(t, model.RunFailTimeout, m["fail_reason"])
	assert.NotContains(t, m, "release_decision", "only finished runs carry a decision")
}

func TestCompactCase(t *testing.T) {
	long := strings.Repeat("x", maxCompactOutput+50)
	c := model.EvalCaseResult{
		ID:                uuid.New(),
		Status:            model.CaseStatusOK,
		CandidateOutput:   &long,
		Pass:              ptr(false),
		HumanVerdict:      model.VerdictIncorrect,
		HumanOverridePass: ptr(true),
		JudgeOutput:       model.JSONObject{"labels": []any{"HALLUCINATION"}, "attempts": []any{}},
	}
	m := compactCase(c)
	assert.Equal(t, false, m["machine_pass"])
	assert.Equal(t, true, m["effective_pass"])
	assert.Equal(t, []any{"HALLUCINATION"}, m["judge_labels"])
	assert.Len(t, []rune(m["candidate_output"].(string)), maxCompactOutput+3)
	assert.Equal(t, "A reviewer marked the judge verdict incorrect.", m["note"])
}

func TestCaseNote(t *testing.T) {
	tests := []struct {
		name string
		c    model.EvalCaseResult
		want string
	}{
		{"error", model.EvalCaseResult{Status: model.CaseStatusError}, "Errored before a verdict. Not counted toward judge accuracy."},
		{"unreviewed failure", model.EvalCaseResult{Status: model.CaseStatusOK, Pass: ptr(false), HumanVerdict: model.VerdictUnreviewed}, "Failed and not yet reviewed."},
		{"unreviewed pass", model.EvalCaseResult{Status: model.CaseStatusOK, Pass: ptr(true), HumanVerdict: model.VerdictUnreviewed}, ""},
		{"confirmed failure", model.EvalCaseResult{Status: model.CaseStatusOK, Pass: ptr(false), HumanVerdict: model.VerdictCorrect}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, caseNote(tt.c))
		})
	}
}

func TestReleaseView(t *testing.T) {
	run := model.EvalRun{
		ID:     uuid.New(),
		Status: model.RunStatusFinished,
		Summary: model.JSONObject{
			"releaseDecision":   "HOLD",
			"riskLevel":         "HIGH",
			"blockingReasons":   []any{model.ReasonPassRateBelowThreshold},
			"ruleFailureCounts": []any{},
		},
	}
	v := releaseView(run)
	assert.Equal(t, "HOLD", v["releaseDecision"])
	assert.Equal(t, "HIGH", v["riskLevel"])
	assert.NotContains(t, v, "ruleFailureCounts")
	assert.NotContains(t, v, "plainSummary", "absent keys are not invented")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo...", truncate("héllo world", 5))
	assert.Equal(t, "ab...", truncate("ab   cdef", 4), "trailing space is trimmed before the ellipsis")
}
