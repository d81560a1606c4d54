package costs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kensa/internal/model"
)

func meta(in, out, latency int64, cost float64, retries int) model.UsageMeta {
	return model.UsageMeta{InputTokens: in, OutputTokens: out, TotalTokens: in + out, LatencyMs: latency, EstimatedCostUSD: cost, RetryCount: retries}
}

func TestSumAndAverages(t *testing.T) {
	got := Sum(meta(100, 50, 200, 0.01, 1), meta(300, 150, 400, 0.03, 0))
	want := Totals{Calls: 2, InputTokens: 400, OutputTokens: 200, TotalTokens: 600, CostUSD: 0.04, LatencyMs: 600, Retries: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Sum mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 300.0, got.AvgLatencyMs())
	assert.InDelta(t, 0.02, got.AvgCostUSD(), 1e-12)
	assert.Equal(t, 300.0, got.AvgTokens())
	assert.Equal(t, 0.0, Totals{}.AvgLatencyMs())
}

func TestCompare(t *testing.T) {
	_, ok := Compare(Sum(meta(1, 1, 1, 0, 0)), Totals{})
	assert.False(t, ok)

	cmpRes, ok := Compare(
		Sum(meta(100, 100, 300, 0.002, 0)),
		Sum(meta(100, 50, 500, 0.001, 0), meta(100, 50, 300, 0.001, 0)),
	)
	assert.True(t, ok)
	assert.Equal(t, Comparison{AvgLatencyMsDelta: -100, AvgCostUSDDelta: 0.001, AvgTokensDelta: 50}, cmpRes)
}

func TestAggregateReadsPersistedMeta(t *testing.T) {
	cases := []model.EvalCaseResult{
		{
			CandidateMeta: meta(100, 20, 100, 0.01, 0).JSON(),
			BaselineMeta:  meta(90, 20, 120, 0.005, 1).JSON(),
			JudgeOutput: model.JSONObject{
				"judgeUsage": []any{meta(500, 50, 900, 0.02, 0).JSON(), meta(500, 50, 800, 0.02, 0).JSON()},
				"baseline": map[string]any{
					"judgeUsage": []any{map[string]any(meta(400, 40, 700, 0.01, 0).JSON())},
				},
			},
		},
		{
			CandidateMeta: meta(100, 20, 100, 0.01, 2).JSON(),
			BaselineMeta:  model.JSONObject{"error": model.BaselineExecutionError, "message": "timeout"},
		},
		{}, // queued case: nothing recorded
	}

	b := Aggregate(cases)
	assert.Equal(t, 2, b.Candidate.Calls)
	assert.Equal(t, 2, b.Candidate.Retries)
	assert.Equal(t, 1, b.Baseline.Calls)
	assert.Equal(t, 3, b.Judge.Calls)
	assert.Equal(t, int64(1400), b.Judge.InputTokens)
	assert.Equal(t, int64(2400), b.Judge.LatencyMs)

	total := b.Total()
	assert.Equal(t, 6, total.Calls)
	assert.InDelta(t, 0.075, total.CostUSD, 1e-9)

	js := b.JSON()
	assert.Contains(t, js, "compare")
	totalJS, _ := js.Object("total")
	assert.Equal(t, 6.0, totalJS["calls"])
}
