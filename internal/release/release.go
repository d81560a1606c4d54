// Package release computes the automated release gate for a finished run.
package release

import (
	"fmt"
	"math"
	"strconv"

	"github.com/ashita-ai/kensa/internal/model"
)

// Decide maps aggregate run metrics and workspace thresholds to a decision.
// Blocking reasons come first, then warnings, each in check order. Metrics
// are compared as given; callers must not round them first.
func Decide(m model.ReleaseMetrics, c model.EvalReleaseCriteria) model.EvalReleaseDecision {
	var blocking, warnings []string

	if m.PassRate < c.MinPassRate {
		blocking = append(blocking, model.ReasonPassRateBelowThreshold)
	}
	if m.AvgOverallScore < c.MinAvgOverallScore {
		blocking = append(blocking, model.ReasonAvgScoreBelowThreshold)
	}
	if m.ErrorRate > c.MaxErrorRate {
		blocking = append(blocking, model.ReasonErrorRateAboveThreshold)
	}
	if m.CompareMode {
		if m.AvgScoreDelta != nil && *m.AvgScoreDelta < 0 {
			blocking = append(blocking, model.ReasonCompareRegressionDetected)
		}
		if !m.CompareBaselineComplete {
			blocking = append(blocking, model.ReasonCompareBaselineIncomplete)
		}
		if m.AvgScoreDelta != nil && *m.AvgScoreDelta >= 0 && *m.AvgScoreDelta < c.MinImprovementNoticeDelta {
			warnings = append(warnings, model.ReasonCompareImprovementMinor)
		}
	}

	d := model.EvalReleaseDecision{
		Release:  model.DecisionSafeToDeploy,
		Risk:     riskLevel(blocking, warnings),
		Reasons:  append(append([]string{}, blocking...), warnings...),
		Blocking: nonNil(blocking),
		Warnings: nonNil(warnings),
		Basis: model.DecisionBasis{
			PassRate:                  m.PassRate,
			AvgOverallScore:           m.AvgOverallScore,
			ErrorRate:                 m.ErrorRate,
			CompareMode:               m.CompareMode,
			AvgScoreDelta:             m.AvgScoreDelta,
			CompareBaselineComplete:   m.CompareBaselineComplete,
			MinPassRate:               c.MinPassRate,
			MinAvgOverallScore:        c.MinAvgOverallScore,
			MaxErrorRate:              c.MaxErrorRate,
			MinImprovementNoticeDelta: c.MinImprovementNoticeDelta,
		},
	}
	if len(blocking) > 0 {
		d.Release = model.DecisionHold
	}
	return d
}

func riskLevel(blocking, warnings []string) model.RiskLevel {
	for _, r := range blocking {
		switch r {
		case model.ReasonCompareRegressionDetected, model.ReasonCompareBaselineIncomplete, model.ReasonErrorRateAboveThreshold:
			return model.RiskHigh
		}
	}
	if len(blocking) > 0 || len(warnings) > 0 {
		return model.RiskMedium
	}
	return model.RiskLow
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Describe returns a human-readable sentence for a reason code.
func Describe(code string, b model.DecisionBasis) string {
	switch code {
	case model.ReasonPassRateBelowThreshold:
		return fmt.Sprintf("Pass rate %s%% is below the minimum of %s%%.", Figure(b.PassRate), Figure(b.MinPassRate))
	case model.ReasonAvgScoreBelowThreshold:
		return fmt.Sprintf("Average score %s is below the minimum of %s.", Figure(b.AvgOverallScore), Figure(b.MinAvgOverallScore))
	case model.ReasonErrorRateAboveThreshold:
		return fmt.Sprintf("Error rate %s%% exceeds the maximum of %s%%.", Figure(b.ErrorRate), Figure(b.MaxErrorRate))
	case model.ReasonCompareRegressionDetected:
		return fmt.Sprintf("Candidate scores %s points below the active baseline on average.", Figure(-deref(b.AvgScoreDelta)))
	case model.ReasonCompareBaselineIncomplete:
		return "Baseline comparison is incomplete; not every case was compared against the active version."
	case model.ReasonCompareImprovementMinor:
		return fmt.Sprintf("Improvement over baseline (%s points) is below the notice threshold of %s.", Figure(deref(b.AvgScoreDelta)), Figure(b.MinImprovementNoticeDelta))
	}
	return code
}

// Figure formats a metric with two decimals, or four when two would hide
// the difference from a threshold (69.9967 is not 70.00).
func Figure(v float64) string {
	if v == 0 {
		return "0.00"
	}
	if math.Abs(v*100-math.Round(v*100)) < 1e-9 {
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
