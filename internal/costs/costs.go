// Package costs aggregates token, cost, and latency usage across the model
// calls of a run.
package costs

import (
	"math"

	"github.com/ashita-ai/kensa/internal/model"
)

// Totals sums the usage of a set of calls.
type Totals struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd"`
	LatencyMs    int64   `json:"latencyMs"`
	Retries      int     `json:"retries"`
}

// Add folds one call into t.
func (t *Totals) Add(m model.UsageMeta) {
	t.Calls++
	t.InputTokens += m.InputTokens
	t.OutputTokens += m.OutputTokens
	total := m.TotalTokens
	if total == 0 {
		total = m.InputTokens + m.OutputTokens
	}
	t.TotalTokens += total
	t.CostUSD += m.EstimatedCostUSD
	t.LatencyMs += m.LatencyMs
	t.Retries += m.RetryCount
}

// Merge adds other into t.
func (t *Totals) Merge(other Totals) {
	t.Calls += other.Calls
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.TotalTokens += other.TotalTokens
	t.CostUSD += other.CostUSD
	t.LatencyMs += other.LatencyMs
	t.Retries += other.Retries
}

// Sum totals the given calls.
func Sum(metas ...model.UsageMeta) Totals {
	var t Totals
	for _, m := range metas {
		t.Add(m)
	}
	return t
}

// AvgLatencyMs is the mean latency per call, 0 with no calls.
func (t Totals) AvgLatencyMs() float64 { return t.avg(float64(t.LatencyMs)) }

// AvgCostUSD is the mean cost per call, 0 with no calls.
func (t Totals) AvgCostUSD() float64 { return t.avg(t.CostUSD) }

// AvgTokens is the mean total tokens per call, 0 with no calls.
func (t Totals) AvgTokens() float64 { return t.avg(float64(t.TotalTokens)) }

func (t Totals) avg(v float64) float64 {
	if t.Calls == 0 {
		return 0
	}
	return v / float64(t.Calls)
}

// Comparison is candidate minus baseline per-call averages.
type Comparison struct {
	AvgLatencyMsDelta float64 `json:"avgLatencyMsDelta"`
	AvgCostUSDDelta   float64 `json:"avgCostUsdDelta"`
	AvgTokensDelta    float64 `json:"avgTokensDelta"`
}

// Compare returns the candidate-vs-baseline deltas, or false when either
// side made no calls.
func Compare(candidate, baseline Totals) (Comparison, bool) {
	if candidate.Calls == 0 || baseline.Calls == 0 {
		return Comparison{}, false
	}
	return Comparison{
		AvgLatencyMsDelta: model.Round2(candidate.AvgLatencyMs() - baseline.AvgLatencyMs()),
		AvgCostUSDDelta:   roundCost(candidate.AvgCostUSD() - baseline.AvgCostUSD()),
		AvgTokensDelta:    model.Round2(candidate.AvgTokens() - baseline.AvgTokens()),
	}, true
}

// Breakdown groups a run's usage by call role.
type Breakdown struct {
	Candidate Totals
	Baseline  Totals
	Judge     Totals
}

// Total is the sum over all roles.
func (b Breakdown) Total() Totals {
	var t Totals
	t.Merge(b.Candidate)
	t.Merge(b.Baseline)
	t.Merge(b.Judge)
	return t
}

// Aggregate reads the persisted usage metadata of a run's cases: candidate_meta,
// baseline_meta (error markers are skipped), and the judge calls recorded in
// judge_output.judgeUsage, including those of a judged baseline.
func Aggregate(cases []model.EvalCaseResult) Breakdown {
	var b Breakdown
	for _, c := range cases {
		if m, ok := model.UsageMetaFromJSON(c.CandidateMeta); ok {
			b.Candidate.Add(m)
		}
		if m, ok := model.UsageMetaFromJSON(c.BaselineMeta); ok {
			b.Baseline.Add(m)
		}
		addJudgeUsage(&b.Judge, c.JudgeOutput)
		if baseline, ok := c.JudgeOutput.Object("baseline"); ok {
			addJudgeUsage(&b.Judge, baseline)
		}
	}
	return b
}

func addJudgeUsage(t *Totals, judgeOutput model.JSONObject) {
	calls, ok := judgeOutput["judgeUsage"].([]any)
	if !ok {
		return
	}
	for _, raw := range calls {
		var obj model.JSONObject
		switch v := raw.(type) {
		case model.JSONObject:
			obj = v
		case map[string]any:
			obj = v
		default:
			continue
		}
		if m, ok := model.UsageMetaFromJSON(obj); ok {
			t.Add(m)
		}
	}
}

// JSON returns the persisted eval_runs.costs object.
func (b Breakdown) JSON() model.JSONObject {
	out := model.JSONObject{
		"candidate": b.Candidate.json(),
		"baseline":  b.Baseline.json(),
		"judge":     b.Judge.json(),
		"total":     b.Total().json(),
	}
	if cmp, ok := Compare(b.Candidate, b.Baseline); ok {
		out["compare"] = model.JSONObject{
			"avgLatencyMsDelta": cmp.AvgLatencyMsDelta,
			"avgCostUsdDelta":   cmp.AvgCostUSDDelta,
			"avgTokensDelta":    cmp.AvgTokensDelta,
		}
	}
	return out
}

func (t Totals) json() model.JSONObject {
	return model.JSONObject{
		"calls":        float64(t.Calls),
		"inputTokens":  float64(t.InputTokens),
		"outputTokens": float64(t.OutputTokens),
		"totalTokens":  float64(t.TotalTokens),
		"costUsd":      roundCost(t.CostUSD),
		"latencyMs":    float64(t.LatencyMs),
		"avgLatencyMs": model.Round2(t.AvgLatencyMs()),
		"retries":      float64(t.Retries),
	}
}

func roundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
