package model

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// CaseStatus is the lifecycle state of one case within a run.
type CaseStatus string

const (
	CaseStatusQueued  CaseStatus = "QUEUED"
	CaseStatusRunning CaseStatus = "RUNNING"
	CaseStatusOK      CaseStatus = "OK"
	CaseStatusError   CaseStatus = "ERROR"
)

var caseStatuses = []CaseStatus{CaseStatusQueued, CaseStatusRunning, CaseStatusOK, CaseStatusError}

// caseTransitions lists the legal forward moves for a case. QUEUED may jump
// straight to ERROR when a stale case is closed out.
var caseTransitions = map[CaseStatus][]CaseStatus{
	CaseStatusQueued:  {CaseStatusRunning, CaseStatusError},
	CaseStatusRunning: {CaseStatusOK, CaseStatusError},
}

// IsTerminal reports whether the case has finished processing.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseStatusOK || s == CaseStatusError
}

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	return slices.Contains(caseStatuses, s)
}

// CanTransition reports whether s -> to is a legal case transition.
func (s CaseStatus) CanTransition(to CaseStatus) bool {
	return slices.Contains(caseTransitions[s], to)
}

// CaseSources returns the statuses a case may move to `to` from. Storage
// uses them as the status guard of each case UPDATE.
func CaseSources(to CaseStatus) []string {
	var out []string
	for _, s := range caseStatuses {
		if s.CanTransition(to) {
			out = append(out, string(s))
		}
	}
	return out
}

// Case-level error codes persisted in error_code.
const (
	CaseErrExecution   = "EVAL_CASE_EXECUTION_ERROR"
	CaseErrInterrupted = "EVAL_CASE_INTERRUPTED"
)

// MaxErrorMessageLen bounds persisted failure messages.
const MaxErrorMessageLen = 400

// ErrIllegalTransition is returned by the guarded case transitions.
var ErrIllegalTransition = errors.New("model: illegal status transition")

// EvalCaseResult is the per-test-case row of a run.
type EvalCaseResult struct {
	ID                uuid.UUID  `json:"id"`
	RunID             uuid.UUID  `json:"run_id"`
	WorkspaceID       uuid.UUID  `json:"workspace_id"`
	TestCaseID        uuid.UUID  `json:"test_case_id"`
	Status            CaseStatus `json:"status"`
	CandidateOutput   *string    `json:"candidate_output,omitempty"`
	BaselineOutput    *string    `json:"baseline_output,omitempty"`
	CandidateMeta     JSONObject `json:"candidate_meta,omitempty"`
	BaselineMeta      JSONObject `json:"baseline_meta,omitempty"`
	RuleChecks        JSONObject `json:"rule_checks,omitempty"`
	JudgeOutput       JSONObject `json:"judge_output,omitempty"`
	OverallScore      *float64   `json:"overall_score,omitempty"`
	Pass              *bool      `json:"pass,omitempty"`
	ErrorCode         *string    `json:"error_code,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	HumanVerdict      Verdict    `json:"human_verdict"`
	HumanOverridePass *bool      `json:"human_override_pass,omitempty"`
	ReviewedBy        *string    `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// EffectivePass is the machine pass after applying any human override.
func (c EvalCaseResult) EffectivePass() *bool {
	return EffectivePass(c.HumanVerdict, c.Pass, c.HumanOverridePass)
}

// EffectivePass returns override when verdict is INCORRECT, else machine.
func EffectivePass(verdict Verdict, machine, override *bool) *bool {
	if verdict == VerdictIncorrect {
		return override
	}
	return machine
}

// CaseOutcome is the payload written when a case completes successfully.
type CaseOutcome struct {
	CandidateOutput string
	BaselineOutput  *string
	CandidateMeta   JSONObject
	BaselineMeta    JSONObject
	RuleChecks      JSONObject
	JudgeOutput     JSONObject
	OverallScore    float64
	Pass            bool
}

// Complete moves a RUNNING case to OK with the given outcome.
func (c *EvalCaseResult) Complete(out CaseOutcome, now time.Time) error {
	if !c.Status.CanTransition(CaseStatusOK) {
		return fmt.Errorf("%w: case %s %s -> %s", ErrIllegalTransition, c.ID, c.Status, CaseStatusOK)
	}
	c.Status = CaseStatusOK
	co := out.CandidateOutput
	c.CandidateOutput = &co
	c.BaselineOutput = out.BaselineOutput
	c.CandidateMeta = out.CandidateMeta
	c.BaselineMeta = out.BaselineMeta
	c.RuleChecks = out.RuleChecks
	c.JudgeOutput = out.JudgeOutput
	score, pass := out.OverallScore, out.Pass
	c.OverallScore = &score
	c.Pass = &pass
	c.FinishedAt = &now
	return nil
}

// Fail moves a non-terminal case to ERROR.
func (c *EvalCaseResult) Fail(code, message string, now time.Time) error {
	if !c.Status.CanTransition(CaseStatusError) {
		return fmt.Errorf("%w: case %s %s -> %s", ErrIllegalTransition, c.ID, c.Status, CaseStatusError)
	}
	c.Status = CaseStatusError
	c.ErrorCode = &code
	c.ErrorMessage = &message
	c.FinishedAt = &now
	return nil
}

// Start moves a QUEUED case to RUNNING.
func (c *EvalCaseResult) Start(now time.Time) error {
	if !c.Status.CanTransition(CaseStatusRunning) {
		return fmt.Errorf("%w: case %s %s -> %s", ErrIllegalTransition, c.ID, c.Status, CaseStatusRunning)
	}
	c.Status = CaseStatusRunning
	c.StartedAt = &now
	return nil
}

// CaseFilter narrows the per-run case table.
type CaseFilter struct {
	Status     *CaseStatus
	Pass       *bool
	Verdict    *Verdict
	Overridden *bool
	Limit      int
	Offset     int
}

// CaseStats is the response of GET /v1/eval-runs/{run_id}/cases/stats.
type CaseStats struct {
	Total         int `json:"total"`
	Queued        int `json:"queued"`
	Running       int `json:"running"`
	OK            int `json:"ok"`
	Error         int `json:"error"`
	Passed        int `json:"passed"`
	Failed        int `json:"failed"`
	Reviewed      int `json:"reviewed"`
	Unreviewed    int `json:"unreviewed"`
	Overridden    int `json:"overridden"`
	EffectivePass int `json:"effective_pass"`
	EffectiveFail int `json:"effective_fail"`
}
