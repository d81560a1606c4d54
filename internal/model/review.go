package model

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is a human reviewer's judgement of the machine pass/fail.
type Verdict string

const (
	VerdictUnreviewed Verdict = "UNREVIEWED"
	VerdictCorrect    Verdict = "CORRECT"
	VerdictIncorrect  Verdict = "INCORRECT"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	return v == VerdictUnreviewed || v == VerdictCorrect || v == VerdictIncorrect
}

// ReviewAction classifies an audit row.
type ReviewAction string

const (
	ReviewActionUpsert ReviewAction = "UPSERT"
	ReviewActionClear  ReviewAction = "CLEAR"
)

// ReviewHistoryLimit is the number of audit rows returned per case.
const ReviewHistoryLimit = 20

// HumanReviewAudit is an append-only record of one reconciliation call.
type HumanReviewAudit struct {
	ID                   uuid.UUID    `json:"id"`
	WorkspaceID          uuid.UUID    `json:"workspace_id"`
	CaseResultID         uuid.UUID    `json:"case_result_id"`
	RunID                uuid.UUID    `json:"run_id"`
	RequestID            *string      `json:"request_id,omitempty"`
	Action               ReviewAction `json:"action"`
	PreviousVerdict      Verdict      `json:"previous_verdict"`
	PreviousOverridePass *bool        `json:"previous_override_pass,omitempty"`
	NewVerdict           Verdict      `json:"new_verdict"`
	NewOverridePass      *bool        `json:"new_override_pass,omitempty"`
	MachinePass          *bool        `json:"machine_pass,omitempty"`
	EffectivePassBefore  *bool        `json:"effective_pass_before,omitempty"`
	EffectivePassAfter   *bool        `json:"effective_pass_after,omitempty"`
	Note                 *string      `json:"note,omitempty"`
	Reviewer             string       `json:"reviewer"`
	CreatedAt            time.Time    `json:"created_at"`
}

// ReviewState is the review view of a case returned by upsert/clear.
type ReviewState struct {
	CaseResultID      uuid.UUID  `json:"case_result_id"`
	RunID             uuid.UUID  `json:"run_id"`
	MachinePass       *bool      `json:"machine_pass"`
	HumanVerdict      Verdict    `json:"human_verdict"`
	HumanOverridePass *bool      `json:"human_override_pass"`
	EffectivePass     *bool      `json:"effective_pass"`
	ReviewedBy        *string    `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty"`
	Idempotent        bool       `json:"idempotent_replay"`
}

// ReviewStateOf projects a case row into its review view.
func ReviewStateOf(c EvalCaseResult) ReviewState {
	return ReviewState{
		CaseResultID:      c.ID,
		RunID:             c.RunID,
		MachinePass:       c.Pass,
		HumanVerdict:      c.HumanVerdict,
		HumanOverridePass: c.HumanOverridePass,
		EffectivePass:     c.EffectivePass(),
		ReviewedBy:        c.ReviewedBy,
		ReviewedAt:        c.ReviewedAt,
	}
}

// UpsertReviewRequest is the request body for PUT /v1/eval-cases/{case_id}/review.
type UpsertReviewRequest struct {
	Verdict      Verdict `json:"verdict"`
	OverridePass *bool   `json:"override_pass,omitempty"`
	Note         *string `json:"note,omitempty"`
	RequestID    *string `json:"request_id,omitempty"`
}

// ClearReviewRequest is the optional request body for DELETE /v1/eval-cases/{case_id}/review.
type ClearReviewRequest struct {
	Note      *string `json:"note,omitempty"`
	RequestID *string `json:"request_id,omitempty"`
}

// ReviewChange is a validated review mutation ready to persist.
type ReviewChange struct {
	CaseResultID uuid.UUID
	WorkspaceID  uuid.UUID
	Verdict      Verdict
	OverridePass *bool
	Action       ReviewAction
	RequestID    *string
	Note         *string
	Reviewer     string
	At           time.Time
}
