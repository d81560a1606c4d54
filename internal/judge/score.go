package judge

import (
	"fmt"
	"sort"

	"github.com/ashita-ai/kensa/internal/model"
)

// Criterion scores are on a 0..5 scale.
const (
	minScore = 0.0
	maxScore = 5.0
)

func clampScore(v float64) float64 {
	return min(max(v, minScore), maxScore)
}

// clampScores bounds every reported score to [0,5].
func clampScores(raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		out[k] = clampScore(v)
	}
	return out
}

// WeightedScore maps 0..5 criterion scores onto 0..100 using the positive
// weights only. A criterion without a score counts as 0. The result is
// rounded to two decimals; with no positive weight it is 0.
func WeightedScore(weights, scores map[string]float64) float64 {
	var num, den float64
	for k, w := range weights {
		if w <= 0 {
			continue
		}
		num += clampScore(scores[k]) / maxScore * 100 * w
		den += w
	}
	if den == 0 {
		return 0
	}
	return model.Round2(num / den)
}

// gateResult is the outcome of the rubric's hard thresholds.
type gateResult struct {
	Pass   bool
	Labels []string
}

// applyGates checks the rubric gates against one attempt. Every failing gate
// contributes a label; criterion gates are reported in key order.
func applyGates(g model.RubricGates, overall float64, scores map[string]float64, ruleChecks model.JSONObject) gateResult {
	res := gateResult{Pass: true}
	if g.MinOverallScore != nil && overall < *g.MinOverallScore {
		res.Pass = false
		res.Labels = append(res.Labels, model.LabelGateMinOverallScore)
	}
	if g.RequireJSONParsePass != nil && *g.RequireJSONParsePass && jsonParseStatus(ruleChecks) != "PASS" {
		res.Pass = false
		res.Labels = append(res.Labels, model.LabelGateJSONParse)
	}
	keys := make([]string, 0, len(g.MinCriterionScores))
	for k := range g.MinCriterionScores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if clampScore(scores[k]) < g.MinCriterionScores[k] {
			res.Pass = false
			res.Labels = append(res.Labels, fmt.Sprintf("%s:%s", model.LabelGateMinCriterionScore, k))
		}
	}
	return res
}

// jsonParseStatus reads the json_parse check from a rule-check result, top-level first.
func jsonParseStatus(ruleChecks model.JSONObject) string {
	if s, ok := ruleChecks.String("json_parse"); ok {
		return s
	}
	if checks, ok := ruleChecks.Object("checks"); ok {
		s, _ := checks.String("json_parse")
		return s
	}
	return ""
}

// ruleChecksPass reads ruleChecks.pass; an absent flag does not block.
func ruleChecksPass(ruleChecks model.JSONObject) bool {
	if p, ok := ruleChecks.Bool("pass"); ok {
		return p
	}
	return true
}
