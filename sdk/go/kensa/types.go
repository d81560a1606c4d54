package kensa

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run modes.
const (
	ModeCandidateOnly = "CANDIDATE_ONLY"
	ModeCompareActive = "COMPARE_ACTIVE"
)

// Run statuses.
const (
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusFinished  = "FINISHED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Release decisions.
const (
	DecisionSafeToDeploy = "SAFE_TO_DEPLOY"
	DecisionHold         = "HOLD"
)

// Human review verdicts.
const (
	VerdictUnreviewed = "UNREVIEWED"
	VerdictCorrect    = "CORRECT"
	VerdictIncorrect  = "INCORRECT"
)

// CreateRunRequest is the body of POST /v1/eval-runs.
type CreateRunRequest struct {
	PromptID           uuid.UUID      `json:"prompt_id"`
	CandidateVersionID uuid.UUID      `json:"candidate_version_id"`
	DatasetID          uuid.UUID      `json:"dataset_id"`
	Mode               string         `json:"mode"`
	TriggerType        string         `json:"trigger_type,omitempty"`
	RubricTemplateCode string         `json:"rubric_template_code"`
	RubricOverrides    map[string]any `json:"rubric_overrides,omitempty"`
}

// Estimate is the answer of POST /v1/eval-runs/estimate.
type Estimate struct {
	TotalCases               int     `json:"total_cases"`
	CandidateCalls           int     `json:"candidate_calls"`
	BaselineCalls            int     `json:"baseline_calls"`
	MaxJudgeCalls            int     `json:"max_judge_calls"`
	CompareBaselineAvailable bool    `json:"compare_baseline_available"`
	EstimatedInputTokens     int64   `json:"estimated_input_tokens"`
	EstimatedCostUSD         float64 `json:"estimated_cost_usd"`
}

// Run is an eval run as returned by the API.
type Run struct {
	ID                 uuid.UUID       `json:"id"`
	WorkspaceID        uuid.UUID       `json:"workspace_id"`
	PromptID           uuid.UUID       `json:"prompt_id"`
	CandidateVersionID uuid.UUID       `json:"candidate_version_id"`
	BaselineVersionID  *uuid.UUID      `json:"baseline_version_id,omitempty"`
	DatasetID          uuid.UUID       `json:"dataset_id"`
	Mode               string          `json:"mode"`
	TriggerType        string          `json:"trigger_type"`
	RubricTemplateCode string          `json:"rubric_template_code"`
	Status             string          `json:"status"`
	TotalCases         int             `json:"total_cases"`
	ProcessedCases     int             `json:"processed_cases"`
	PassedCases        int             `json:"passed_cases"`
	FailedCases        int             `json:"failed_cases"`
	ErrorCases         int             `json:"error_cases"`
	Summary            *Summary        `json:"summary,omitempty"`
	Costs              json.RawMessage `json:"costs,omitempty"`
	FailReason         *string         `json:"fail_reason,omitempty"`
	CreatedBy          string          `json:"created_by"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the run will not change status again.
func (r Run) Terminal() bool {
	return r.Status == StatusFinished || r.Status == StatusFailed || r.Status == StatusCancelled
}

// Summary is the part of a finished run's summary a release gate needs.
type Summary struct {
	PassRate        float64  `json:"passRate"`
	ErrorRate       float64  `json:"errorRate"`
	AvgOverallScore float64  `json:"avgOverallScore"`
	ReleaseDecision string   `json:"releaseDecision"`
	RiskLevel       string   `json:"riskLevel"`
	BlockingReasons []string `json:"blockingReasons"`
	WarningReasons  []string `json:"warningReasons"`
	TopIssues       []string `json:"topIssues"`
	PlainSummary    string   `json:"plainSummary"`
}

// ListRunsOptions filters ListRuns.
type ListRunsOptions struct {
	PromptID *uuid.UUID
	Status   string
	Limit    int
	Offset   int
}

// RunList is one page of runs.
type RunList struct {
	Runs    []Run
	Total   int
	HasMore bool
}

// CaseResult is one case of a run.
type CaseResult struct {
	ID                uuid.UUID       `json:"id"`
	RunID             uuid.UUID       `json:"run_id"`
	TestCaseID        uuid.UUID       `json:"test_case_id"`
	Status            string          `json:"status"`
	CandidateOutput   *string         `json:"candidate_output,omitempty"`
	BaselineOutput    *string         `json:"baseline_output,omitempty"`
	RuleChecks        json.RawMessage `json:"rule_checks,omitempty"`
	JudgeOutput       json.RawMessage `json:"judge_output,omitempty"`
	OverallScore      *float64        `json:"overall_score,omitempty"`
	Pass              *bool           `json:"pass,omitempty"`
	ErrorCode         *string         `json:"error_code,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	HumanVerdict      string          `json:"human_verdict"`
	HumanOverridePass *bool           `json:"human_override_pass,omitempty"`
	ReviewedBy        *string         `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time      `json:"reviewed_at,omitempty"`
}

// ListCasesOptions filters ListCases. Nil pointers mean "any".
type ListCasesOptions struct {
	Status     string
	Pass       *bool
	Verdict    string
	Overridden *bool
	Limit      int
	Offset     int
}

// CaseList is one page of case results.
type CaseList struct {
	Cases   []CaseResult
	Total   int
	HasMore bool
}

// ReviewRequest records a human verdict. OverridePass is required for INCORRECT.
type ReviewRequest struct {
	Verdict      string  `json:"verdict"`
	OverridePass *bool   `json:"override_pass,omitempty"`
	Note         *string `json:"note,omitempty"`
	RequestID    *string `json:"request_id,omitempty"`
}

// ReviewState is the review view of a case after a review call.
type ReviewState struct {
	CaseResultID      uuid.UUID  `json:"case_result_id"`
	RunID             uuid.UUID  `json:"run_id"`
	MachinePass       *bool      `json:"machine_pass"`
	HumanVerdict      string     `json:"human_verdict"`
	HumanOverridePass *bool      `json:"human_override_pass"`
	EffectivePass     *bool      `json:"effective_pass"`
	ReviewedBy        *string    `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty"`
	Replayed          bool       `json:"idempotent_replay"`
}

// ReleaseCriteria are the workspace thresholds behind every release decision.
type ReleaseCriteria struct {
	MinPassRate               float64 `json:"min_pass_rate"`
	MinAvgOverallScore        float64 `json:"min_avg_overall_score"`
	MaxErrorRate              float64 `json:"max_error_rate"`
	MinImprovementNoticeDelta float64 `json:"min_improvement_notice_delta"`
	IsDefault                 bool    `json:"is_default"`
}

// AccuracyMetrics are the judge-vs-human metrics. Ratios are nil when undefined.
type AccuracyMetrics struct {
	ReviewedCount    int      `json:"reviewedCount"`
	CorrectCount     int      `json:"correctCount"`
	IncorrectCount   int      `json:"incorrectCount"`
	Accuracy         *float64 `json:"accuracy"`
	OverrideRate     *float64 `json:"overrideRate"`
	Precision        *float64 `json:"precision"`
	Recall           *float64 `json:"recall"`
	F1               *float64 `json:"f1"`
	Specificity      *float64 `json:"specificity"`
	BalancedAccuracy *float64 `json:"balancedAccuracy"`
}

// AccuracyReport is returned by both judge accuracy endpoints.
type AccuracyReport struct {
	Scope struct {
		Kind     string `json:"kind"`
		RunCount *int   `json:"runCount,omitempty"`
	} `json:"scope"`
	Metrics AccuracyMetrics `json:"metrics"`
}

// AccuracyRollupOptions scopes JudgeAccuracy. Zero times use the server default window.
type AccuracyRollupOptions struct {
	PromptID  *uuid.UUID
	VersionID *uuid.UUID
	From      time.Time
	To        time.Time
}

// HealthResponse is the answer of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Worker   string `json:"worker"`
}
