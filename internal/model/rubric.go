package model

// Builtin rubric template codes.
const (
	RubricGeneralQA      = "GENERAL_QA"
	RubricJSONExtraction = "JSON_EXTRACTION"
	RubricSummarization  = "SUMMARIZATION"
	RubricCustom         = "CUSTOM"
)

// RubricGates are hard thresholds applied after weighted scoring.
// Nil fields are unset.
type RubricGates struct {
	MinOverallScore      *float64           `json:"minOverallScore,omitempty" yaml:"minOverallScore,omitempty"`
	RequireJSONParsePass *bool              `json:"requireJsonParsePass,omitempty" yaml:"requireJsonParsePass,omitempty"`
	MinCriterionScores   map[string]float64 `json:"minCriterionScores,omitempty" yaml:"minCriterionScores,omitempty"`
}

// ResolvedRubricConfig is a rubric template with overrides applied.
// Criteria holds the builtin meaning of each criterion; CUSTOM rubrics
// define theirs in Description.
type ResolvedRubricConfig struct {
	TemplateCode string             `json:"templateCode"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Weights      map[string]float64 `json:"weights"`
	Criteria     map[string]string  `json:"criteria,omitempty"`
	Gates        RubricGates        `json:"gates"`
	RequiresJSON bool               `json:"requiresJson"`
}

// PositiveWeights returns the criterion weights that participate in scoring.
func (r ResolvedRubricConfig) PositiveWeights() map[string]float64 {
	out := make(map[string]float64, len(r.Weights))
	for k, w := range r.Weights {
		if w > 0 {
			out[k] = w
		}
	}
	return out
}
