package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultAccuracyWindow is the rollup window when no from/to is given.
const DefaultAccuracyWindow = 30 * 24 * time.Hour

// AccuracyRow is the projection of a case row needed for accuracy metrics.
type AccuracyRow struct {
	MachinePass  *bool
	Verdict      Verdict
	OverridePass *bool
}

// ConfusionMatrix counts machine pass/fail against human ground truth.
// Positive means "pass".
type ConfusionMatrix struct {
	TP int `json:"tp"`
	TN int `json:"tn"`
	FP int `json:"fp"`
	FN int `json:"fn"`
}

// JudgeAccuracyMetrics is the shared metric shape for run and rollup views.
type JudgeAccuracyMetrics struct {
	ReviewedCount    int             `json:"reviewedCount"`
	CorrectCount     int             `json:"correctCount"`
	IncorrectCount   int             `json:"incorrectCount"`
	Accuracy         *float64        `json:"accuracy"`
	OverrideRate     *float64        `json:"overrideRate"`
	Confusion        ConfusionMatrix `json:"confusionMatrix"`
	Precision        *float64        `json:"precision"`
	Recall           *float64        `json:"recall"`
	F1               *float64        `json:"f1"`
	Specificity      *float64        `json:"specificity"`
	BalancedAccuracy *float64        `json:"balancedAccuracy"`
}

// AccuracyScope names what a metrics report covers.
type AccuracyScope struct {
	Kind        string     `json:"kind"`
	WorkspaceID uuid.UUID  `json:"workspaceId"`
	RunID       *uuid.UUID `json:"runId,omitempty"`
	PromptID    *uuid.UUID `json:"promptId,omitempty"`
	VersionID   *uuid.UUID `json:"versionId,omitempty"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	RunCount    *int       `json:"runCount,omitempty"`
}

// Accuracy scope kinds.
const (
	ScopeRun    = "RUN"
	ScopeRollup = "ROLLUP"
)

// JudgeAccuracyReport is the response of both judge-accuracy endpoints.
type JudgeAccuracyReport struct {
	Scope   AccuracyScope        `json:"scope"`
	Metrics JudgeAccuracyMetrics `json:"metrics"`
}

// AccuracyRollupFilter scopes a workspace/prompt rollup.
type AccuracyRollupFilter struct {
	WorkspaceID uuid.UUID
	PromptID    *uuid.UUID
	VersionID   *uuid.UUID
	From        time.Time
	To          time.Time
}
