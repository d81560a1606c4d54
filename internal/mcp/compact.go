package mcp

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kensa/internal/model"
)

const maxCompactOutput = 300

// compactRun returns the fields of a run an agent acts on. Rubric overrides,
// costs and the full summary stay behind kensa_run_status.
func compactRun(r model.EvalRun) map[string]any {
	m := map[string]any{
		"id":                   r.ID,
		"prompt_id":            r.PromptID,
		"candidate_version_id": r.CandidateVersionID,
		"dataset_id":           r.DatasetID,
		"mode":                 r.Mode,
		"status":               r.Status,
		"progress":             progress(r),
		"created_by":           r.CreatedBy,
		"created_at":           r.CreatedAt,
	}
	if r.FinishedAt != nil {
		m["finished_at"] = r.FinishedAt
	}
	if r.FailReason != nil {
		m["fail_reason"] = *r.FailReason
	}
	if d, ok := r.Summary["releaseDecision"].(string); ok && r.Status == model.RunStatusFinished {
		m["release_decision"] = d
	}
	return m
}

// progress renders the counters as "processed/total (passed, failed, errored)".
func progress(r model.EvalRun) string {
	return fmt.Sprintf("%d/%d (%d passed, %d failed, %d errored)",
		r.ProcessedCases, r.TotalCases, r.PassedCases, r.FailedCases, r.ErrorCases)
}

// compactCase returns a case with long outputs truncated and the judge
// output reduced to its labels.
func compactCase(c model.EvalCaseResult) map[string]any {
	m := map[string]any{
		"id":            c.ID,
		"test_case_id":  c.TestCaseID,
		"status":        c.Status,
		"human_verdict": c.HumanVerdict,
	}
	if c.Pass != nil {
		m["machine_pass"] = *c.Pass
	}
	if eff := c.EffectivePass(); eff != nil {
		m["effective_pass"] = *eff
	}
	if c.OverallScore != nil {
		m["overall_score"] = *c.OverallScore
	}
	if c.CandidateOutput != nil {
		m["candidate_output"] = truncate(*c.CandidateOutput, maxCompactOutput)
	}
	if c.ErrorCode != nil {
		m["error_code"] = *c.ErrorCode
	}
	if labels, ok := c.JudgeOutput["labels"]; ok {
		m["judge_labels"] = labels
	}
	if note := caseNote(c); note != "" {
		m["note"] = note
	}
	return m
}

// caseNote flags cases worth a human look. First match wins.
func caseNote(c model.EvalCaseResult) string {
	switch {
	case c.Status == model.CaseStatusError:
		return "Errored before a verdict. Not counted toward judge accuracy."
	case c.HumanVerdict == model.VerdictIncorrect:
		return "A reviewer marked the judge verdict incorrect."
	case c.HumanVerdict == model.VerdictUnreviewed && c.Pass != nil && !*c.Pass:
		return "Failed and not yet reviewed."
	}
	return ""
}

// releaseView extracts the release decision block from a FINISHED summary.
func releaseView(r model.EvalRun) map[string]any {
	m := map[string]any{"run_id": r.ID, "status": r.Status}
	for _, k := range []string{
		"releaseDecision", "riskLevel", "blockingReasons", "warningReasons",
		"reasonDetails", "decisionBasis", "topIssues", "plainSummary",
	} {
		if v, ok := r.Summary[k]; ok {
			m[k] = v
		}
	}
	return m
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n])) + "..."
}
