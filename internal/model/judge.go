package model

// Judge diagnostic labels.
const (
	LabelJudgeJSONNotFound          = "JUDGE_JSON_NOT_FOUND"
	LabelJudgeJSONParseFail         = "JUDGE_JSON_PARSE_FAIL"
	LabelRubricDefinitionMissing    = "RUBRIC_CRITERION_DEFINITION_MISSING"
	LabelGateMinOverallScore        = "GATE_MIN_OVERALL_SCORE"
	LabelGateJSONParse              = "GATE_JSON_PARSE_REQUIRED"
	LabelGateMinCriterionScore      = "GATE_MIN_CRITERION_SCORE"
	SelectionPassIfAnyElseBestScore = "PASS_IF_ANY_ELSE_BEST_SCORE"
	BaselineExecutionError          = "BASELINE_EXECUTION_ERROR"
	BaselineJudgeError              = "BASELINE_JUDGE_ERROR"
)

// Compare winners.
const (
	WinnerCandidate = "CANDIDATE"
	WinnerBaseline  = "BASELINE"
	WinnerTie       = "TIE"
)

// JudgeResult is the normalized outcome of judging one output.
// Output is the persisted judge_output blob; Calls are the judge model
// calls made to produce it.
type JudgeResult struct {
	Output       JSONObject
	OverallScore float64
	Pass         bool
	Calls        []UsageMeta
}

// AttemptSummary is one entry of judge_output.attempts.
type AttemptSummary struct {
	Attempt      int      `json:"attempt"`
	Pass         bool     `json:"pass"`
	ModelPass    bool     `json:"modelPass"`
	GatePass     bool     `json:"gatePass"`
	OverallScore float64  `json:"overallScore"`
	Labels       []string `json:"labels"`
}

// JSON returns s as a JSONObject entry.
func (s AttemptSummary) JSON() JSONObject {
	labels := make([]any, len(s.Labels))
	for i, l := range s.Labels {
		labels[i] = l
	}
	return JSONObject{
		"attempt":      float64(s.Attempt),
		"pass":         s.Pass,
		"modelPass":    s.ModelPass,
		"gatePass":     s.GatePass,
		"overallScore": s.OverallScore,
		"labels":       labels,
	}
}

// CompareBlock is judge_output.compare for COMPARE_ACTIVE cases.
type CompareBlock struct {
	CandidateScore float64 `json:"candidateScore"`
	BaselineScore  float64 `json:"baselineScore"`
	ScoreDelta     float64 `json:"scoreDelta"`
	CandidatePass  bool    `json:"candidatePass"`
	BaselinePass   bool    `json:"baselinePass"`
	Winner         string  `json:"winner"`
}

// JSON returns c as a JSONObject.
func (c CompareBlock) JSON() JSONObject {
	return JSONObject{
		"candidateScore": c.CandidateScore,
		"baselineScore":  c.BaselineScore,
		"scoreDelta":     c.ScoreDelta,
		"candidatePass":  c.CandidatePass,
		"baselinePass":   c.BaselinePass,
		"winner":         c.Winner,
	}
}

// ScoreDelta returns judge_output.compare.scoreDelta if present.
func (o JSONObject) ScoreDelta() (float64, bool) {
	cmp, ok := o.Object("compare")
	if !ok {
		return 0, false
	}
	return cmp.Float("scoreDelta")
}
