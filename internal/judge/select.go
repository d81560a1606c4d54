package judge

import "github.com/ashita-ai/kensa/internal/model"

// Attempt is one evaluated judge call.
type Attempt struct {
	N            int
	Output       model.JSONObject
	OverallScore float64
	ModelPass    bool
	GatePass     bool
	Pass         bool
	Labels       []string
}

// Summary returns the persisted attempt summary.
func (a Attempt) Summary() model.AttemptSummary {
	return model.AttemptSummary{
		Attempt:      a.N,
		Pass:         a.Pass,
		ModelPass:    a.ModelPass,
		GatePass:     a.GatePass,
		OverallScore: a.OverallScore,
		Labels:       a.Labels,
	}
}

// prefer picks between the attempt kept so far and the next one: a passing
// attempt is never displaced, and among failures only a strictly higher
// score wins, so ties keep the earlier attempt.
func prefer(kept, next Attempt) Attempt {
	switch {
	case kept.Pass:
		return kept
	case next.Pass:
		return next
	case next.OverallScore > kept.OverallScore:
		return next
	default:
		return kept
	}
}

// Select folds attempts into the first passing one, else the best-scoring
// failure. It reports false for an empty slice.
func Select(attempts []Attempt) (Attempt, bool) {
	if len(attempts) == 0 {
		return Attempt{}, false
	}
	kept := attempts[0]
	for _, a := range attempts[1:] {
		kept = prefer(kept, a)
	}
	return kept, true
}
