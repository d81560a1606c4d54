package evalrun

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kensa/internal/judge"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/render"
	"github.com/ashita-ai/kensa/internal/rules"
	"github.com/ashita-ai/kensa/internal/runner"
	"github.com/ashita-ai/kensa/internal/storage"
)

// processCase takes one QUEUED case to OK or ERROR. Failures inside the case
// are recorded on the case; only failures to persist the case's terminal
// state are returned. Case writes ignore cancellation of ctx so a case that
// started always reaches a terminal state.
func (o *Orchestrator) processCase(ctx context.Context, run model.EvalRun, p runPlan, c model.EvalCaseResult) error {
	ctx, span := o.tracer.Start(ctx, "evalrun.processCase", trace.WithAttributes(
		attribute.String("kensa.run_id", run.ID.String()),
		attribute.String("kensa.case_id", c.ID.String()),
	))
	defer span.End()
	write := context.WithoutCancel(ctx)

	if err := o.store.StartCase(write, c.ID); err != nil {
		if errors.Is(err, model.ErrIllegalTransition) {
			o.logger.Debug("evalrun: case no longer queued, skipping", "run_id", run.ID, "case_id", c.ID)
			return nil
		}
		return fmt.Errorf("start case %s: %w", c.ID, err)
	}

	out, err := o.evaluateCase(ctx, run, p, c)
	if err != nil {
		msg := Sanitize(err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		o.logger.Warn("evalrun: case failed", "run_id", run.ID, "case_id", c.ID, "error", msg)

		if ferr := o.store.FailCase(write, run.ID, c.ID, model.CaseErrExecution, msg); ferr != nil {
			return caseWriteError(ferr, c)
		}
		o.casesFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.CaseStatusError))))
		return nil
	}

	if err := o.store.CompleteCase(write, run.ID, c.ID, out); err != nil {
		return caseWriteError(err, c)
	}
	span.SetAttributes(
		attribute.Bool("kensa.pass", out.Pass),
		attribute.Float64("kensa.overall_score", out.OverallScore),
	)
	o.casesFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.CaseStatusOK))))
	return nil
}

// caseWriteError maps a failed terminal case write. A run that left RUNNING
// while the case was in flight (timed out) stops processing quietly.
func caseWriteError(err error, c model.EvalCaseResult) error {
	if errors.Is(err, storage.ErrRunNotActive) {
		return errStopped
	}
	return fmt.Errorf("persist case %s: %w", c.ID, err)
}

// evaluateCase runs the candidate (and baseline), rule checks, and judge for
// one case. A panic inside is reported as the case's error.
func (o *Orchestrator) evaluateCase(ctx context.Context, run model.EvalRun, p runPlan, c model.EvalCaseResult) (out model.CaseOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	tc, err := o.store.GetTestCase(ctx, c.TestCaseID)
	if err != nil {
		return out, fmt.Errorf("load test case: %w", err)
	}

	cand, err := o.runVersion(ctx, run, p.candidate, tc)
	if err != nil {
		return out, fmt.Errorf("candidate execution: %w", err)
	}
	out.CandidateOutput = cand.OutputText
	out.CandidateMeta = cand.Meta.JSON()

	if p.baseline != nil {
		base, err := o.runVersion(ctx, run, *p.baseline, tc)
		if err != nil {
			o.logger.Warn("evalrun: baseline execution failed", "run_id", run.ID, "case_id", c.ID, "error", err)
			out.BaselineMeta = errorMarker(model.BaselineExecutionError, err)
		} else {
			text := base.OutputText
			out.BaselineOutput = &text
			out.BaselineMeta = base.Meta.JSON()
		}
	}

	checkIn := rules.Input{
		Output:      out.CandidateOutput,
		Constraints: tc.Constraints,
		Expected:    tc.Expected,
		RubricCode:  p.rubric.TemplateCode,
		RequireJSON: p.rubric.RequiresJSON,
	}
	candChecks := o.checker.Check(checkIn).JSON()
	out.RuleChecks = candChecks

	var baseChecks model.JSONObject
	if out.BaselineOutput != nil {
		checkIn.Output = *out.BaselineOutput
		baseChecks = o.checker.Check(checkIn).JSON()
		out.RuleChecks = model.JSONObject{"candidate": candChecks, "baseline": baseChecks}
	}

	judgeIn := judge.Input{
		WorkspaceID:     run.WorkspaceID,
		Rubric:          p.rubric,
		Input:           tc.Input,
		Context:         tc.Context,
		Expected:        tc.Expected,
		Constraints:     tc.Constraints,
		CandidateOutput: out.CandidateOutput,
		RuleChecks:      candChecks,
		BaselineOutput:  out.BaselineOutput,
	}
	verdict, err := o.judge.Judge(ctx, judgeIn)
	if err != nil {
		return out, fmt.Errorf("judge: %w", err)
	}
	out.JudgeOutput = verdict.Output.Clone()
	if out.JudgeOutput == nil {
		out.JudgeOutput = model.JSONObject{}
	}
	out.OverallScore = verdict.OverallScore
	out.Pass = verdict.Pass

	if out.BaselineOutput != nil {
		judgeIn.CandidateOutput = *out.BaselineOutput
		judgeIn.RuleChecks = baseChecks
		judgeIn.BaselineOutput = nil
		baseVerdict, err := o.judge.Judge(ctx, judgeIn)
		if err != nil {
			o.logger.Warn("evalrun: baseline judging failed", "run_id", run.ID, "case_id", c.ID, "error", err)
			out.JudgeOutput["baseline"] = errorMarker(model.BaselineJudgeError, err)
		} else {
			out.JudgeOutput["baseline"] = baseVerdict.Output
			out.JudgeOutput["compare"] = compare(verdict, baseVerdict).JSON()
		}
	}
	return out, nil
}

// runVersion renders v for tc and runs it.
func (o *Orchestrator) runVersion(ctx context.Context, run model.EvalRun, v model.PromptVersion, tc model.TestCase) (runner.Result, error) {
	system, user := render.Prompt(v, tc)
	return o.runner.Run(ctx, runner.Request{
		WorkspaceID:     run.WorkspaceID,
		Provider:        v.Provider,
		Model:           v.Model,
		System:          system,
		Prompt:          user,
		Temperature:     v.Temperature(),
		MaxOutputTokens: v.MaxOutputTokens(o.cfg.DefaultMaxOutputTokens),
	})
}

func errorMarker(code string, err error) model.JSONObject {
	return model.JSONObject{"error": code, "message": Sanitize(err.Error())}
}

// compare builds the candidate-vs-baseline block. A pass/fail split decides
// the winner outright; otherwise the score delta does, with |delta| < 0.01
// a tie.
func compare(candidate, baseline model.JudgeResult) model.CompareBlock {
	b := model.CompareBlock{
		CandidateScore: candidate.OverallScore,
		BaselineScore:  baseline.OverallScore,
		ScoreDelta:     model.Round2(candidate.OverallScore - baseline.OverallScore),
		CandidatePass:  candidate.Pass,
		BaselinePass:   baseline.Pass,
	}
	switch {
	case candidate.Pass && !baseline.Pass:
		b.Winner = model.WinnerCandidate
	case baseline.Pass && !candidate.Pass:
		b.Winner = model.WinnerBaseline
	case math.Abs(b.ScoreDelta) < 0.01:
		b.Winner = model.WinnerTie
	case b.ScoreDelta > 0:
		b.Winner = model.WinnerCandidate
	default:
		b.Winner = model.WinnerBaseline
	}
	return b
}
