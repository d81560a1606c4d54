// Package judge scores model outputs with an LLM judge.
//
// One Judge call builds a structured prompt, runs up to MaxAttempts judge
// calls sequentially, scores each with the rubric's weights and gates, and
// selects the final verdict: the first passing attempt, otherwise the
// highest-scoring failure.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/runner"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// Config selects the judge model and attempt policy.
type Config struct {
	Provider        string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	MaxAttempts     int
	RetryOnFail     bool
}

// Input is everything the judge sees about one output.
type Input struct {
	WorkspaceID     uuid.UUID
	Rubric          model.ResolvedRubricConfig
	Input           string
	Context         model.JSONObject
	Expected        model.JSONObject
	Constraints     model.JSONObject
	CandidateOutput string
	RuleChecks      model.JSONObject
	BaselineOutput  *string
}

// Engine runs the judge loop.
type Engine struct {
	runner runner.Runner
	cfg    Config
	logger *slog.Logger

	attempts metric.Int64Counter
}

// New creates an Engine. MaxAttempts below 1 is treated as 1.
func New(r runner.Runner, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	attempts, _ := telemetry.Meter("kensa/judge").Int64Counter("kensa.judge.attempts",
		metric.WithDescription("Judge model calls by attempt outcome"),
	)
	return &Engine{runner: r, cfg: cfg, logger: logger, attempts: attempts}
}

// MaxAttempts returns the configured attempt bound.
func (e *Engine) MaxAttempts() int { return e.cfg.MaxAttempts }

// Judge grades one output. Runner failures and prompt serialization failures
// are returned as errors; unparseable judge responses become failing attempts.
func (e *Engine) Judge(ctx context.Context, in Input) (model.JudgeResult, error) {
	prompt, err := BuildPrompt(in)
	if err != nil {
		return model.JudgeResult{}, err
	}
	missing := missingDefinitions(in.Rubric)

	var (
		attempts []Attempt
		calls    []model.UsageMeta
	)
	for n := 1; n <= e.cfg.MaxAttempts; n++ {
		temp := e.cfg.Temperature
		res, err := e.runner.Run(ctx, runner.Request{
			WorkspaceID:     in.WorkspaceID,
			Provider:        e.cfg.Provider,
			Model:           e.cfg.Model,
			Prompt:          prompt,
			Temperature:     &temp,
			MaxOutputTokens: e.cfg.MaxOutputTokens,
		})
		if err != nil {
			return model.JudgeResult{}, fmt.Errorf("judge: attempt %d: %w", n, err)
		}
		calls = append(calls, res.Meta)

		a := evaluate(n, res.OutputText, in, missing)
		attempts = append(attempts, a)
		e.attempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("pass", a.Pass)))
		if a.Pass || !e.cfg.RetryOnFail {
			break
		}
		e.logger.Debug("judge: attempt failed, retrying",
			"attempt", n,
			"overall_score", a.OverallScore,
			"labels", a.Labels,
		)
	}

	final, _ := Select(attempts)
	out := final.Output.Clone()
	if len(attempts) > 1 {
		summaries := make([]any, len(attempts))
		for i, a := range attempts {
			summaries[i] = a.Summary().JSON()
		}
		out["attempts"] = summaries
		out["strategy"] = model.SelectionPassIfAnyElseBestScore
	}
	usage := make([]any, len(calls))
	for i, m := range calls {
		usage[i] = m.JSON()
	}
	out["judgeUsage"] = usage

	return model.JudgeResult{
		Output:       out,
		OverallScore: final.OverallScore,
		Pass:         final.Pass,
		Calls:        calls,
	}, nil
}

// evaluate scores one raw judge response.
func evaluate(n int, raw string, in Input, missingDefs []string) Attempt {
	parsed, err := parseResponse(raw)
	if err != nil {
		label := model.LabelJudgeJSONParseFail
		if errors.Is(err, errJSONNotFound) {
			label = model.LabelJudgeJSONNotFound
		}
		labels := []string{label}
		if len(missingDefs) > 0 {
			labels = append(labels, model.LabelRubricDefinitionMissing)
		}
		return Attempt{
			N: n,
			Output: model.JSONObject{
				"pass":         false,
				"scores":       map[string]any{},
				"labels":       toAny(labels),
				"evidence":     []any{},
				"suggestions":  []any{},
				"overallScore": 0.0,
				"reason":       err.Error(),
				"rawExcerpt":   excerpt(raw, 200),
			},
			Labels: labels,
		}
	}

	scores := clampScores(parsed.Scores())
	overall := WeightedScore(in.Rubric.Weights, scores)
	modelPass, _ := parsed.Bool("pass")
	gates := applyGates(in.Rubric.Gates, overall, scores, in.RuleChecks)
	pass := modelPass && ruleChecksPass(in.RuleChecks) && gates.Pass

	labels := parsed.Labels()
	labels = append(labels, gates.Labels...)
	if len(missingDefs) > 0 {
		labels = append(labels, model.LabelRubricDefinitionMissing)
	}

	out := parsed.Clone()
	scoreObj := make(map[string]any, len(scores))
	for k, v := range scores {
		scoreObj[k] = v
	}
	out["scores"] = scoreObj
	out["labels"] = toAny(labels)
	out["modelPass"] = modelPass
	out["gatePass"] = gates.Pass
	out["pass"] = pass
	out["overallScore"] = overall
	if _, ok := out["evidence"]; !ok {
		out["evidence"] = []any{}
	}
	if _, ok := out["suggestions"]; !ok {
		out["suggestions"] = []any{}
	}
	if len(missingDefs) > 0 {
		out["missingCriterionDefinitions"] = toAny(missingDefs)
	}

	return Attempt{
		N:            n,
		Output:       out,
		OverallScore: overall,
		ModelPass:    modelPass,
		GatePass:     gates.Pass,
		Pass:         pass,
		Labels:       labels,
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
