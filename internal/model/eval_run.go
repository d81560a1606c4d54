// Package model defines the core domain types for kensa.
//
// Types map directly onto the eval_* tables. Run and case statuses are
// modelled as closed string enums with guarded transitions so every call
// site that moves a row forward goes through the same rules.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an evaluation run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusFinished  RunStatus = "FINISHED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

var runStatuses = []RunStatus{RunStatusQueued, RunStatusRunning, RunStatusFinished, RunStatusFailed, RunStatusCancelled}

// runTransitions lists the legal forward moves for a run.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:  {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning: {RunStatusFinished, RunStatusFailed, RunStatusCancelled},
}

// IsTerminal reports whether no further mutation is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive reports whether the run may still be processed.
func (s RunStatus) IsActive() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// CanTransition reports whether s -> to is a legal run transition.
func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RunSources returns the statuses a run may move to `to` from. Storage uses
// them as the status guard of each run UPDATE.
func RunSources(to RunStatus) []string {
	var out []string
	for _, s := range runStatuses {
		if s.CanTransition(to) {
			out = append(out, string(s))
		}
	}
	return out
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusFinished, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunMode selects whether the deployed baseline is evaluated alongside the candidate.
type RunMode string

const (
	RunModeCandidateOnly RunMode = "CANDIDATE_ONLY"
	RunModeCompareActive RunMode = "COMPARE_ACTIVE"
)

// Valid reports whether m is a known mode.
func (m RunMode) Valid() bool {
	return m == RunModeCandidateOnly || m == RunModeCompareActive
}

// TriggerType records what enqueued a run.
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerAPI       TriggerType = "API"
	TriggerCI        TriggerType = "CI"
	TriggerScheduled TriggerType = "SCHEDULED"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerAPI, TriggerCI, TriggerScheduled:
		return true
	}
	return false
}

// Run-level failure codes persisted in fail_reason.
const (
	RunFailTimeout     = "RUN_TIMEOUT"
	RunFailInternal    = "RUN_EXECUTION_ERROR"
	RunFailNoCandidate = "RUN_CANDIDATE_NOT_FOUND"
)

// EvalRun is one evaluation of a candidate prompt version against a dataset.
type EvalRun struct {
	ID                 uuid.UUID      `json:"id"`
	WorkspaceID        uuid.UUID      `json:"workspace_id"`
	PromptID           uuid.UUID      `json:"prompt_id"`
	CandidateVersionID uuid.UUID      `json:"candidate_version_id"`
	BaselineVersionID  *uuid.UUID     `json:"baseline_version_id,omitempty"`
	DatasetID          uuid.UUID      `json:"dataset_id"`
	Mode               RunMode        `json:"mode"`
	TriggerType        TriggerType    `json:"trigger_type"`
	RubricTemplateCode string         `json:"rubric_template_code"`
	RubricOverrides    map[string]any `json:"rubric_overrides,omitempty"`
	Status             RunStatus      `json:"status"`
	TotalCases         int            `json:"total_cases"`
	ProcessedCases     int            `json:"processed_cases"`
	PassedCases        int            `json:"passed_cases"`
	FailedCases        int            `json:"failed_cases"`
	ErrorCases         int            `json:"error_cases"`
	Summary            JSONObject     `json:"summary,omitempty"`
	Costs              JSONObject     `json:"costs,omitempty"`
	FailReason         *string        `json:"fail_reason,omitempty"`
	CreatedBy          string         `json:"created_by"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty"`
}

// Counters returns the run's case counters.
func (r EvalRun) Counters() RunCounters {
	return RunCounters{
		Total:     r.TotalCases,
		Processed: r.ProcessedCases,
		Passed:    r.PassedCases,
		Failed:    r.FailedCases,
		Errored:   r.ErrorCases,
	}
}

// RunCounters mirrors the counter columns of eval_runs.
type RunCounters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Errored   int `json:"errored"`
}

// Check verifies processed = passed + failed + error <= total.
func (c RunCounters) Check() error {
	if c.Processed != c.Passed+c.Failed+c.Errored {
		return fmt.Errorf("processed %d != passed %d + failed %d + error %d", c.Processed, c.Passed, c.Failed, c.Errored)
	}
	if c.Processed > c.Total {
		return fmt.Errorf("processed %d exceeds total %d", c.Processed, c.Total)
	}
	return nil
}

// Record returns the counters after one case reached a terminal state.
func (c RunCounters) Record(status CaseStatus, pass bool) RunCounters {
	c.Processed++
	switch {
	case status == CaseStatusError:
		c.Errored++
	case pass:
		c.Passed++
	default:
		c.Failed++
	}
	return c
}

// CreateEvalRunRequest is the request body for POST /v1/eval-runs.
type CreateEvalRunRequest struct {
	PromptID           uuid.UUID      `json:"prompt_id"`
	CandidateVersionID uuid.UUID      `json:"candidate_version_id"`
	DatasetID          uuid.UUID      `json:"dataset_id"`
	Mode               RunMode        `json:"mode"`
	TriggerType        TriggerType    `json:"trigger_type,omitempty"`
	RubricTemplateCode string         `json:"rubric_template_code"`
	RubricOverrides    map[string]any `json:"rubric_overrides,omitempty"`
}

// EvalRunEstimate is the response of POST /v1/eval-runs/estimate.
type EvalRunEstimate struct {
	TotalCases               int     `json:"total_cases"`
	CandidateCalls           int     `json:"candidate_calls"`
	BaselineCalls            int     `json:"baseline_calls"`
	MaxJudgeCalls            int     `json:"max_judge_calls"`
	CompareBaselineAvailable bool    `json:"compare_baseline_available"`
	EstimatedInputTokens     int64   `json:"estimated_input_tokens"`
	EstimatedCostUSD         float64 `json:"estimated_cost_usd"`
}

// EvalRunFilter narrows ListRuns.
type EvalRunFilter struct {
	PromptID *uuid.UUID
	Status   *RunStatus
	Limit    int
	Offset   int
}
