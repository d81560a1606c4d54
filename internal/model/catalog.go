package model

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is the tenant boundary; every row carries a workspace_id.
type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// Prompt groups the versions of one prompt.
type Prompt struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// PromptVersion is an immutable prompt template plus the model it targets.
// IsActive marks the currently deployed version used as the baseline.
type PromptVersion struct {
	ID             uuid.UUID  `json:"id"`
	PromptID       uuid.UUID  `json:"prompt_id"`
	WorkspaceID    uuid.UUID  `json:"workspace_id"`
	Version        int        `json:"version"`
	SystemTemplate *string    `json:"system_template,omitempty"`
	UserTemplate   string     `json:"user_template"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	ModelConfig    JSONObject `json:"model_config,omitempty"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Temperature returns model_config.temperature if set.
func (v PromptVersion) Temperature() *float64 {
	if t, ok := v.ModelConfig.Float("temperature"); ok {
		return &t
	}
	return nil
}

// MaxOutputTokens returns model_config.maxOutputTokens or def.
func (v PromptVersion) MaxOutputTokens(def int) int {
	if n, ok := v.ModelConfig.Float("maxOutputTokens"); ok && n > 0 {
		return int(n)
	}
	return def
}

// Dataset is a fixed set of test cases.
type Dataset struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// TestCase is one input in a dataset. Disabled cases are not evaluated.
type TestCase struct {
	ID          uuid.UUID  `json:"id"`
	DatasetID   uuid.UUID  `json:"dataset_id"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	Input       string     `json:"input"`
	Context     JSONObject `json:"context,omitempty"`
	Expected    JSONObject `json:"expected,omitempty"`
	Constraints JSONObject `json:"constraints,omitempty"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
}
