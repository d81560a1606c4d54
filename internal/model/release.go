package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReleaseDecision is the automated release gate outcome.
type ReleaseDecision string

const (
	DecisionSafeToDeploy ReleaseDecision = "SAFE_TO_DEPLOY"
	DecisionHold         ReleaseDecision = "HOLD"
)

// RiskLevel grades how concerning a HOLD or warning is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Release reason codes. These strings are persisted and consumed downstream.
const (
	ReasonPassRateBelowThreshold    = "PASS_RATE_BELOW_THRESHOLD"
	ReasonAvgScoreBelowThreshold    = "AVG_SCORE_BELOW_THRESHOLD"
	ReasonErrorRateAboveThreshold   = "ERROR_RATE_ABOVE_THRESHOLD"
	ReasonCompareRegressionDetected = "COMPARE_REGRESSION_DETECTED"
	ReasonCompareBaselineIncomplete = "COMPARE_BASELINE_INCOMPLETE"
	ReasonCompareImprovementMinor   = "COMPARE_IMPROVEMENT_MINOR"
)

// Default release thresholds used when a workspace has no criteria row.
const (
	DefaultMinPassRate               = 80.0
	DefaultMinAvgOverallScore        = 70.0
	DefaultMaxErrorRate              = 5.0
	DefaultMinImprovementNoticeDelta = 2.0
)

// EvalReleaseCriteria are the per-workspace release thresholds.
type EvalReleaseCriteria struct {
	WorkspaceID               uuid.UUID  `json:"workspace_id"`
	MinPassRate               float64    `json:"min_pass_rate"`
	MinAvgOverallScore        float64    `json:"min_avg_overall_score"`
	MaxErrorRate              float64    `json:"max_error_rate"`
	MinImprovementNoticeDelta float64    `json:"min_improvement_notice_delta"`
	IsDefault                 bool       `json:"is_default"`
	UpdatedBy                 *string    `json:"updated_by,omitempty"`
	UpdatedAt                 *time.Time `json:"updated_at,omitempty"`
}

// DefaultReleaseCriteria returns the system defaults for a workspace.
func DefaultReleaseCriteria(workspaceID uuid.UUID) EvalReleaseCriteria {
	return EvalReleaseCriteria{
		WorkspaceID:               workspaceID,
		MinPassRate:               DefaultMinPassRate,
		MinAvgOverallScore:        DefaultMinAvgOverallScore,
		MaxErrorRate:              DefaultMaxErrorRate,
		MinImprovementNoticeDelta: DefaultMinImprovementNoticeDelta,
		IsDefault:                 true,
	}
}

// Validate checks that every threshold is within its meaningful range.
func (c EvalReleaseCriteria) Validate() error {
	for name, v := range map[string]float64{
		"min_pass_rate":         c.MinPassRate,
		"min_avg_overall_score": c.MinAvgOverallScore,
		"max_error_rate":        c.MaxErrorRate,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be between 0 and 100", name)
		}
	}
	if c.MinImprovementNoticeDelta < 0 || c.MinImprovementNoticeDelta > 100 {
		return fmt.Errorf("min_improvement_notice_delta must be between 0 and 100")
	}
	return nil
}

// UpsertReleaseCriteriaRequest is the request body for PUT /v1/release-criteria.
// Omitted fields keep their current (or default) value.
type UpsertReleaseCriteriaRequest struct {
	MinPassRate               *float64 `json:"min_pass_rate,omitempty"`
	MinAvgOverallScore        *float64 `json:"min_avg_overall_score,omitempty"`
	MaxErrorRate              *float64 `json:"max_error_rate,omitempty"`
	MinImprovementNoticeDelta *float64 `json:"min_improvement_notice_delta,omitempty"`
}

// Apply merges the request onto c.
func (r UpsertReleaseCriteriaRequest) Apply(c EvalReleaseCriteria) EvalReleaseCriteria {
	if r.MinPassRate != nil {
		c.MinPassRate = *r.MinPassRate
	}
	if r.MinAvgOverallScore != nil {
		c.MinAvgOverallScore = *r.MinAvgOverallScore
	}
	if r.MaxErrorRate != nil {
		c.MaxErrorRate = *r.MaxErrorRate
	}
	if r.MinImprovementNoticeDelta != nil {
		c.MinImprovementNoticeDelta = *r.MinImprovementNoticeDelta
	}
	c.IsDefault = false
	return c
}

// ReleaseMetrics are the aggregate inputs to the release decision.
type ReleaseMetrics struct {
	PassRate                float64
	AvgOverallScore         float64
	ErrorRate               float64
	CompareMode             bool
	AvgScoreDelta           *float64
	CompareBaselineComplete bool
}

// EvalReleaseDecision is the outcome of the release decision calculator.
type EvalReleaseDecision struct {
	Release  ReleaseDecision `json:"releaseDecision"`
	Risk     RiskLevel       `json:"riskLevel"`
	Reasons  []string        `json:"reasons"`
	Blocking []string        `json:"blockingReasons"`
	Warnings []string        `json:"warningReasons"`
	Basis    DecisionBasis   `json:"decisionBasis"`
}

// DecisionBasis records the metrics and thresholds a decision was made against.
type DecisionBasis struct {
	PassRate                  float64  `json:"passRate"`
	AvgOverallScore           float64  `json:"avgOverallScore"`
	ErrorRate                 float64  `json:"errorRate"`
	CompareMode               bool     `json:"compareMode"`
	AvgScoreDelta             *float64 `json:"avgScoreDelta"`
	CompareBaselineComplete   bool     `json:"compareBaselineComplete"`
	MinPassRate               float64  `json:"minPassRate"`
	MinAvgOverallScore        float64  `json:"minAvgOverallScore"`
	MaxErrorRate              float64  `json:"maxErrorRate"`
	MinImprovementNoticeDelta float64  `json:"minImprovementNoticeDelta"`
}
