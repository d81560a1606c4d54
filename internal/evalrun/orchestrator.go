package evalrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kensa/internal/costs"
	"github.com/ashita-ai/kensa/internal/judge"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/release"
	"github.com/ashita-ai/kensa/internal/rubric"
	"github.com/ashita-ai/kensa/internal/rules"
	"github.com/ashita-ai/kensa/internal/runner"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// errStopped ends processing of a run that another actor moved out of
// RUNNING (cancelled or timed out). It is never surfaced to callers.
var errStopped = errors.New("evalrun: run no longer running")

// runError is a run-level failure with its persisted code.
type runError struct {
	code string
	msg  string
}

func (e *runError) Error() string { return e.code + ": " + e.msg }

// Judge grades one output.
type Judge interface {
	Judge(ctx context.Context, in judge.Input) (model.JudgeResult, error)
}

// OrchestratorConfig bounds run processing.
type OrchestratorConfig struct {
	// RunTimeout fails a RUNNING run once this long has passed since it
	// started. Zero disables the check.
	RunTimeout time.Duration

	// DefaultMaxOutputTokens applies to prompt versions that set none.
	DefaultMaxOutputTokens int
}

// Orchestrator processes claimed runs.
type Orchestrator struct {
	store   Store
	rubrics *rubric.Registry
	runner  runner.Runner
	judge   Judge
	checker rules.Checker
	cfg     OrchestratorConfig
	logger  *slog.Logger
	now     func() time.Time

	tracer        trace.Tracer
	runsFinished  metric.Int64Counter
	casesFinished metric.Int64Counter
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store Store, rubrics *rubric.Registry, r runner.Runner, j Judge, checker rules.Checker, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if cfg.DefaultMaxOutputTokens <= 0 {
		cfg.DefaultMaxOutputTokens = runner.DefaultMaxOutputTokens
	}
	meter := telemetry.Meter("kensa/evalrun")
	runsFinished, _ := meter.Int64Counter("kensa.runs.finished",
		metric.WithDescription("Runs reaching a terminal state, by status and release decision"),
	)
	casesFinished, _ := meter.Int64Counter("kensa.cases.processed",
		metric.WithDescription("Cases reaching a terminal state, by status"),
	)
	return &Orchestrator{
		store:         store,
		rubrics:       rubrics,
		runner:        r,
		judge:         j,
		checker:       checker,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		tracer:        telemetry.Tracer("kensa/evalrun"),
		runsFinished:  runsFinished,
		casesFinished: casesFinished,
	}
}

// runPlan is what a run resolves once before its first case.
type runPlan struct {
	candidate        model.PromptVersion
	baseline         *model.PromptVersion
	rubric           model.ResolvedRubricConfig
	compareAvailable bool
}

// ProcessRun takes a run to a terminal state. Runs that are no longer
// QUEUED or RUNNING are left alone. Errors are returned only when the run's
// own state could not be read or written; everything that happens inside
// the run is recorded on the run.
func (o *Orchestrator) ProcessRun(ctx context.Context, runID uuid.UUID) (err error) {
	run, err := o.store.GetRunByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("evalrun: load run %s: %w", runID, err)
	}
	if !run.Status.IsActive() {
		o.logger.Debug("evalrun: run not active, skipping", "run_id", runID, "status", run.Status)
		return nil
	}
	if run.Status == model.RunStatusRunning && o.timedOut(run) {
		return o.timeoutRun(ctx, run)
	}
	if run.Status == model.RunStatusQueued {
		if err := o.store.MarkRunRunning(ctx, runID); err != nil {
			if errors.Is(err, storage.ErrRunNotActive) {
				return nil
			}
			return fmt.Errorf("evalrun: start run %s: %w", runID, err)
		}
		started := o.now().UTC()
		run.Status = model.RunStatusRunning
		run.StartedAt = &started
	}

	ctx, span := o.tracer.Start(ctx, "evalrun.ProcessRun", trace.WithAttributes(
		attribute.String("kensa.run_id", runID.String()),
		attribute.String("kensa.mode", string(run.Mode)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("evalrun: panic during run", "run_id", runID, "panic", r)
			span.SetStatus(codes.Error, "panic")
			err = o.failRun(ctx, run, model.RunFailInternal, fmt.Sprintf("panic: %v", r))
		}
	}()

	o.logger.Info("evalrun: processing run", "run_id", runID, "mode", run.Mode, "total_cases", run.TotalCases)
	if err := o.execute(ctx, run); err != nil {
		if errors.Is(err, errStopped) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("evalrun: run failed", "run_id", runID, "error", err)
		code := model.RunFailInternal
		var re *runError
		if errors.As(err, &re) {
			code = re.code
		}
		return o.failRun(ctx, run, code, err.Error())
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, run model.EvalRun) error {
	p, err := o.resolve(ctx, run)
	if err != nil {
		return err
	}

	n, err := o.store.InterruptRunningCases(ctx, run.ID, model.CaseErrInterrupted, "case was still running when the run was resumed")
	switch {
	case errors.Is(err, storage.ErrRunNotActive):
		return errStopped
	case err != nil:
		return fmt.Errorf("interrupt running cases: %w", err)
	case n > 0:
		o.logger.Warn("evalrun: closed interrupted cases", "run_id", run.ID, "count", n)
	}

	cases, err := o.store.ListRunCases(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list cases: %w", err)
	}
	for _, c := range cases {
		if c.Status != model.CaseStatusQueued {
			continue
		}
		if err := o.checkpoint(ctx, run); err != nil {
			return err
		}
		if err := o.processCase(ctx, run, p, c); err != nil {
			return err
		}
	}
	return o.finishRun(ctx, run, p)
}

// checkpoint runs before every case: a cancelled or otherwise stopped run
// halts here, leaving its remaining cases QUEUED.
func (o *Orchestrator) checkpoint(ctx context.Context, run model.EvalRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status, err := o.store.GetRunStatus(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	if status == model.RunStatusCancelled {
		o.logger.Info("evalrun: run cancelled, stopping", "run_id", run.ID)
		o.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
		return errStopped
	}
	if status != model.RunStatusRunning {
		return errStopped
	}
	if o.timedOut(run) {
		if err := o.timeoutRun(ctx, run); err != nil {
			return err
		}
		return errStopped
	}
	return nil
}

// resolve loads the candidate, rubric, and baseline once per run. A missing
// or identical baseline downgrades the comparison, it does not fail the run.
func (o *Orchestrator) resolve(ctx context.Context, run model.EvalRun) (runPlan, error) {
	var p runPlan
	candidate, err := o.store.GetPromptVersion(ctx, run.WorkspaceID, run.CandidateVersionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return p, &runError{code: model.RunFailNoCandidate, msg: "candidate version " + run.CandidateVersionID.String() + " not found"}
		}
		return p, fmt.Errorf("load candidate: %w", err)
	}
	p.candidate = candidate

	p.rubric, err = o.rubrics.Resolve(run.RubricTemplateCode, run.RubricOverrides)
	if err != nil {
		return p, fmt.Errorf("resolve rubric: %w", err)
	}

	if run.Mode != model.RunModeCompareActive {
		return p, nil
	}
	var baseline model.PromptVersion
	if run.BaselineVersionID != nil {
		baseline, err = o.store.GetPromptVersion(ctx, run.WorkspaceID, *run.BaselineVersionID)
	} else {
		baseline, err = o.store.GetActiveVersion(ctx, run.WorkspaceID, run.PromptID)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		o.logger.Warn("evalrun: no baseline available, comparison disabled", "run_id", run.ID)
		return p, nil
	case err != nil:
		return p, fmt.Errorf("load baseline: %w", err)
	case baseline.ID == candidate.ID:
		o.logger.Warn("evalrun: baseline is the candidate, comparison disabled", "run_id", run.ID)
		return p, nil
	}
	p.baseline = &baseline
	p.compareAvailable = true
	return p, nil
}

func (o *Orchestrator) timedOut(run model.EvalRun) bool {
	if o.cfg.RunTimeout <= 0 || run.StartedAt == nil {
		return false
	}
	return o.now().Sub(*run.StartedAt) > o.cfg.RunTimeout
}

// timeoutRun fails a run that ran past the timeout. Case rows are not
// touched; the partial summary comes from the run's counters.
func (o *Orchestrator) timeoutRun(ctx context.Context, run model.EvalRun) error {
	reason := Sanitize(fmt.Sprintf("%s: run exceeded timeout of %s", model.RunFailTimeout, o.cfg.RunTimeout))
	summary := partialSummary(run.Counters(), model.RunFailTimeout, reason)
	err := o.store.FailRun(ctx, run.ID, reason, summary, nil)
	if errors.Is(err, storage.ErrRunNotActive) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("evalrun: time out run %s: %w", run.ID, err)
	}
	o.logger.Warn("evalrun: run timed out", "run_id", run.ID, "timeout", o.cfg.RunTimeout)
	o.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(model.RunStatusFailed)),
		attribute.String("reason", model.RunFailTimeout),
	))
	o.notifyFinished(ctx, run)
	return nil
}

// failRun persists FAILED with a partial summary built from whatever case
// rows exist. Cases still RUNNING are closed as interrupted first. A run that
// was cancelled meanwhile stays cancelled.
func (o *Orchestrator) failRun(ctx context.Context, run model.EvalRun, code, message string) error {
	ctx = context.WithoutCancel(ctx)
	reason := Sanitize(message)

	if n, err := o.store.InterruptRunningCases(ctx, run.ID, model.CaseErrInterrupted, "case was still running when the run failed"); err != nil {
		if !errors.Is(err, storage.ErrRunNotActive) {
			o.logger.Warn("evalrun: close running cases", "run_id", run.ID, "error", err)
		}
	} else if n > 0 {
		o.logger.Warn("evalrun: closed interrupted cases", "run_id", run.ID, "count", n)
	}

	var (
		summary   = partialSummary(run.Counters(), code, reason)
		costsJSON model.JSONObject
	)
	if cases, err := o.store.ListRunCases(ctx, run.ID); err == nil {
		agg := aggregate(cases, run.Mode == model.RunModeCompareActive, false)
		summary = partialSummary(agg.counters(run.TotalCases), code, reason)
		costsJSON = costs.Aggregate(cases).JSON()
	} else {
		o.logger.Warn("evalrun: partial summary unavailable", "run_id", run.ID, "error", err)
	}

	err := o.store.FailRun(ctx, run.ID, reason, summary, costsJSON)
	if errors.Is(err, storage.ErrRunNotActive) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("evalrun: fail run %s: %w", run.ID, err)
	}
	o.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(model.RunStatusFailed)),
		attribute.String("reason", code),
	))
	o.notifyFinished(ctx, run)
	return nil
}

// finishRun recomputes every aggregate from the persisted case rows,
// decides the release, and persists FINISHED.
func (o *Orchestrator) finishRun(ctx context.Context, run model.EvalRun, p runPlan) error {
	cases, err := o.store.ListRunCases(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list cases for summary: %w", err)
	}
	criteria, err := criteriaOrDefault(ctx, o.store, run.WorkspaceID)
	if err != nil {
		return fmt.Errorf("load release criteria: %w", err)
	}

	agg := aggregate(cases, run.Mode == model.RunModeCompareActive, p.compareAvailable)
	decision := release.Decide(agg.metrics(), criteria)
	summary, err := buildSummary(agg, decision, run.TotalCases)
	if err != nil {
		return fmt.Errorf("build summary: %w", err)
	}
	costsJSON := costs.Aggregate(cases).JSON()

	if err := o.store.FinishRun(ctx, run.ID, summary, costsJSON); err != nil {
		if errors.Is(err, storage.ErrRunNotActive) {
			return errStopped
		}
		return fmt.Errorf("persist finished run: %w", err)
	}
	o.logger.Info("evalrun: run finished",
		"run_id", run.ID,
		"decision", decision.Release,
		"risk", decision.Risk,
		"pass_rate", agg.passRate(),
		"processed", agg.processed,
	)
	o.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(model.RunStatusFinished)),
		attribute.String("decision", string(decision.Release)),
	))
	o.notifyFinished(ctx, run)
	return nil
}

func (o *Orchestrator) notifyFinished(ctx context.Context, run model.EvalRun) {
	if err := o.store.Notify(ctx, storage.ChannelRunsFinished, storage.RunPayload(run.WorkspaceID, run.ID)); err != nil {
		o.logger.Warn("evalrun: notify finished run failed", "run_id", run.ID, "error", err)
	}
}

// SweepTimedOut fails RUNNING runs that started before now minus the run
// timeout. It returns how many runs it failed.
func (o *Orchestrator) SweepTimedOut(ctx context.Context, limit int) (int, error) {
	if o.cfg.RunTimeout <= 0 {
		return 0, nil
	}
	ids, err := o.store.ListTimedOutRuns(ctx, o.now().Add(-o.cfg.RunTimeout), limit)
	if err != nil {
		return 0, fmt.Errorf("evalrun: list timed out runs: %w", err)
	}
	n := 0
	for _, id := range ids {
		run, err := o.store.GetRunByID(ctx, id)
		if err != nil {
			return n, fmt.Errorf("evalrun: load run %s: %w", id, err)
		}
		if run.Status != model.RunStatusRunning || !o.timedOut(run) {
			continue
		}
		if err := o.timeoutRun(ctx, run); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
