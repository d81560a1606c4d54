package evalrun

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/release"
	"github.com/ashita-ai/kensa/internal/rules"
)

const maxTopIssues = 5

// Count is one row of a frequency table.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Wins tallies compare winners across OK cases.
type Wins struct {
	Candidate int `json:"candidate"`
	Baseline  int `json:"baseline"`
	Tie       int `json:"tie"`
}

// Summary is the persisted summary of a FINISHED run. It carries enough to
// diagnose the decision without logs.
type Summary struct {
	TotalCases     int `json:"totalCases"`
	ProcessedCases int `json:"processedCases"`
	PassedCases    int `json:"passedCases"`
	FailedCases    int `json:"failedCases"`
	ErrorCases     int `json:"errorCases"`

	PassRate        float64 `json:"passRate"`
	ErrorRate       float64 `json:"errorRate"`
	AvgOverallScore float64 `json:"avgOverallScore"`

	CompareBaselineAvailable bool     `json:"compareBaselineAvailable"`
	CompareWins              *Wins    `json:"compareWins,omitempty"`
	ReasonDetails            []string `json:"reasonDetails"`

	model.EvalReleaseDecision

	RuleFailureCounts []Count  `json:"ruleFailureCounts"`
	RuleWarningCounts []Count  `json:"ruleWarningCounts"`
	ErrorCodeCounts   []Count  `json:"errorCodeCounts"`
	JudgeLabelCounts  []Count  `json:"judgeLabelCounts"`
	TopIssues         []string `json:"topIssues"`
	PlainSummary      string   `json:"plainSummary"`
}

// tally counts keys and remembers first-seen order for tie breaks.
type tally struct {
	order  []string
	counts map[string]int
}

func newTally() *tally { return &tally{counts: make(map[string]int)} }

func (t *tally) add(key string) {
	if key == "" {
		return
	}
	if _, seen := t.counts[key]; !seen {
		t.order = append(t.order, key)
	}
	t.counts[key]++
}

// sorted returns the table by descending count, ties in first-seen order.
func (t *tally) sorted() []Count {
	out := make([]Count, len(t.order))
	for i, k := range t.order {
		out[i] = Count{Key: k, Count: t.counts[k]}
	}
	slices.SortStableFunc(out, func(a, b Count) int { return b.Count - a.Count })
	return out
}

// aggregates is everything finishRun derives from the persisted case rows.
// Rates and means are unrounded; only the Summary fields are rounded.
type aggregates struct {
	processed, passed, failed, errored int

	scored   int
	scoreSum float64

	compareMode      bool
	compareAvailable bool
	ok               int
	okWithoutCompare int
	deltaCount       int
	deltaSum         float64
	wins             Wins

	ruleFailures *tally
	ruleWarnings *tally
	errorCodes   *tally
	judgeLabels  *tally
}

func aggregate(cases []model.EvalCaseResult, compareMode, compareAvailable bool) aggregates {
	a := aggregates{
		compareMode:      compareMode,
		compareAvailable: compareAvailable,
		ruleFailures:     newTally(),
		ruleWarnings:     newTally(),
		errorCodes:       newTally(),
		judgeLabels:      newTally(),
	}
	for _, c := range cases {
		switch c.Status {
		case model.CaseStatusError:
			a.processed++
			a.errored++
			if c.ErrorCode != nil {
				a.errorCodes.add(*c.ErrorCode)
			}
		case model.CaseStatusOK:
			a.processed++
			a.ok++
			if c.Pass != nil && *c.Pass {
				a.passed++
			} else {
				a.failed++
			}
			if c.OverallScore != nil {
				a.scored++
				a.scoreSum += *c.OverallScore
			}
			checks := candidateChecks(c.RuleChecks)
			for _, l := range checks.Strings("failedChecks") {
				a.ruleFailures.add(ruleKey(l))
			}
			for _, l := range checks.Strings("warningChecks") {
				a.ruleWarnings.add(ruleKey(l))
			}
			for _, l := range c.JudgeOutput.Labels() {
				a.judgeLabels.add(l)
			}
			if compareMode {
				a.addCompare(c.JudgeOutput)
			}
		}
	}
	return a
}

func (a *aggregates) addCompare(judgeOutput model.JSONObject) {
	cmp, ok := judgeOutput.Object("compare")
	if !ok {
		a.okWithoutCompare++
		return
	}
	if d, ok := cmp.Float("scoreDelta"); ok {
		a.deltaCount++
		a.deltaSum += d
	}
	switch w, _ := cmp.String("winner"); w {
	case model.WinnerCandidate:
		a.wins.Candidate++
	case model.WinnerBaseline:
		a.wins.Baseline++
	case model.WinnerTie:
		a.wins.Tie++
	}
}

// candidateChecks returns the candidate's rule checks from either the
// combined {candidate, baseline} shape or the plain one.
func candidateChecks(rc model.JSONObject) model.JSONObject {
	if cand, ok := rc.Object("candidate"); ok {
		return cand
	}
	return rc
}

// ruleKey drops the measured value from length labels so they group.
func ruleKey(label string) string {
	name, _, _ := strings.Cut(label, ":")
	if name == rules.CheckMaxChars || name == rules.CheckMinChars {
		return name
	}
	return label
}

func (a aggregates) passRate() float64  { return percent(a.passed, a.processed) }
func (a aggregates) errorRate() float64 { return percent(a.errored, a.processed) }

func (a aggregates) avgScore() float64 {
	if a.scored == 0 {
		return 0
	}
	return a.scoreSum / float64(a.scored)
}

func (a aggregates) avgDelta() *float64 {
	if !a.compareMode || a.deltaCount == 0 {
		return nil
	}
	d := a.deltaSum / float64(a.deltaCount)
	return &d
}

func (a aggregates) baselineComplete() bool {
	return a.compareAvailable && (a.ok == 0 || a.okWithoutCompare == 0)
}

func (a aggregates) metrics() model.ReleaseMetrics {
	return model.ReleaseMetrics{
		PassRate:                a.passRate(),
		AvgOverallScore:         a.avgScore(),
		ErrorRate:               a.errorRate(),
		CompareMode:             a.compareMode,
		AvgScoreDelta:           a.avgDelta(),
		CompareBaselineComplete: a.baselineComplete(),
	}
}

func (a aggregates) counters(total int) model.RunCounters {
	return model.RunCounters{
		Total:     total,
		Processed: a.processed,
		Passed:    a.passed,
		Failed:    a.failed,
		Errored:   a.errored,
	}
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}

// buildSummary assembles the FINISHED summary.
func buildSummary(a aggregates, d model.EvalReleaseDecision, total int) (model.JSONObject, error) {
	s := Summary{
		TotalCases:               total,
		ProcessedCases:           a.processed,
		PassedCases:              a.passed,
		FailedCases:              a.failed,
		ErrorCases:               a.errored,
		PassRate:                 model.Round2(a.passRate()),
		ErrorRate:                model.Round2(a.errorRate()),
		AvgOverallScore:          model.Round2(a.avgScore()),
		CompareBaselineAvailable: a.compareAvailable,
		ReasonDetails:            make([]string, 0, len(d.Reasons)),
		EvalReleaseDecision:      d,
		RuleFailureCounts:        a.ruleFailures.sorted(),
		RuleWarningCounts:        a.ruleWarnings.sorted(),
		ErrorCodeCounts:          a.errorCodes.sorted(),
		JudgeLabelCounts:         a.judgeLabels.sorted(),
	}
	if a.compareMode {
		w := a.wins
		s.CompareWins = &w
	}
	for _, r := range d.Reasons {
		s.ReasonDetails = append(s.ReasonDetails, release.Describe(r, d.Basis))
	}
	s.TopIssues = topIssues(s)
	s.PlainSummary = plainSummary(s)

	return model.ToJSONObject(s)
}

// topIssues lists decision reasons first, then walks the frequency tables
// round-robin, capped at maxTopIssues.
func topIssues(s Summary) []string {
	issues := make([]string, 0, maxTopIssues)
	for _, r := range s.ReasonDetails {
		if len(issues) == maxTopIssues {
			return issues
		}
		issues = append(issues, r)
	}

	tables := []struct {
		rows   []Count
		format string
	}{
		{s.RuleFailureCounts, "Rule check failed: %s (%s)"},
		{s.ErrorCodeCounts, "Case error %s (%s)"},
		{s.JudgeLabelCounts, "Judge flagged %s (%s)"},
		{s.RuleWarningCounts, "Rule warning: %s (%s)"},
	}
	for i := 0; len(issues) < maxTopIssues; i++ {
		added := false
		for _, t := range tables {
			if i >= len(t.rows) || len(issues) == maxTopIssues {
				continue
			}
			issues = append(issues, fmt.Sprintf(t.format, t.rows[i].Key, caseCount(t.rows[i].Count)))
			added = true
		}
		if !added {
			break
		}
	}
	return issues
}

func plainSummary(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s risk): %d of %d cases passed (%.2f%%), %d errored, average score %.2f.",
		s.Release, s.Risk, s.PassedCases, s.ProcessedCases, s.PassRate, s.ErrorCases, s.AvgOverallScore)
	if !s.Basis.CompareMode {
		return b.String()
	}
	switch d := s.Basis.AvgScoreDelta; {
	case !s.Basis.CompareBaselineComplete:
		b.WriteString(" Baseline comparison is incomplete.")
	case d == nil:
	case *d < 0:
		fmt.Fprintf(&b, " Candidate scores %s points below the baseline on average.", release.Figure(-*d))
	default:
		fmt.Fprintf(&b, " Candidate scores %s points above the baseline on average.", release.Figure(*d))
	}
	return b.String()
}

func caseCount(n int) string {
	if n == 1 {
		return "1 case"
	}
	return fmt.Sprintf("%d cases", n)
}

// partialSummary is the summary of a FAILED run.
func partialSummary(c model.RunCounters, code, reason string) model.JSONObject {
	return model.JSONObject{
		"totalCases":     float64(c.Total),
		"processedCases": float64(c.Processed),
		"passedCases":    float64(c.Passed),
		"failedCases":    float64(c.Failed),
		"errorCases":     float64(c.Errored),
		"passRate":       model.Round2(percent(c.Passed, c.Processed)),
		"errorRate":      model.Round2(percent(c.Errored, c.Processed)),
		"failCode":       code,
		"failReason":     reason,
	}
}
