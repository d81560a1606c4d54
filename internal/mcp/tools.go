package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/model"
)

const maxToolLimit = 100

func (s *Server) registerTools() {
	// kensa_create_run: enqueue an eval run for a candidate prompt version.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_create_run",
			mcplib.WithDescription(`Enqueue an evaluation run of a candidate prompt version against a dataset.

WHEN TO USE: After changing a prompt, before asking for it to be released.
The run is processed asynchronously. Poll kensa_run_status with the returned
id until status is FINISHED, FAILED or CANCELLED.

MODES:
- CANDIDATE_ONLY: score the candidate alone
- COMPARE_ACTIVE: also run the currently deployed version and compare

Requires the reviewer role.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("prompt_id",
				mcplib.Description("The prompt being evaluated"),
				mcplib.Required(),
			),
			mcplib.WithString("candidate_version_id",
				mcplib.Description("The prompt version to evaluate"),
				mcplib.Required(),
			),
			mcplib.WithString("dataset_id",
				mcplib.Description("The dataset whose enabled test cases are run"),
				mcplib.Required(),
			),
			mcplib.WithString("rubric_template_code",
				mcplib.Description("Rubric the judge scores against: GENERAL_QA, JSON_EXTRACTION, SUMMARIZATION or CUSTOM"),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description("CANDIDATE_ONLY or COMPARE_ACTIVE"),
				mcplib.Enum(string(model.RunModeCandidateOnly), string(model.RunModeCompareActive)),
				mcplib.DefaultString(string(model.RunModeCandidateOnly)),
			),
		),
		s.handleCreateRun,
	)

	// kensa_run_status: one run with its summary.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_run_status",
			mcplib.WithDescription(`Get the status and progress of an eval run.

Returns counters while the run is in flight and the full summary once it is
FINISHED. A FAILED run carries fail_reason.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The eval run id"),
				mcplib.Required(),
			),
		),
		s.handleRunStatus,
	)

	// kensa_list_runs: recent runs, newest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_list_runs",
			mcplib.WithDescription("List recent eval runs in the workspace, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("prompt_id",
				mcplib.Description("Optional: only runs for this prompt"),
			),
			mcplib.WithString("status",
				mcplib.Description("Optional: QUEUED, RUNNING, FINISHED, FAILED or CANCELLED"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return"),
				mcplib.Min(1),
				mcplib.Max(maxToolLimit),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleListRuns,
	)

	// kensa_release_decision: the gate outcome of a finished run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_release_decision",
			mcplib.WithDescription(`Get the release decision of a FINISHED eval run.

WHAT YOU GET BACK:
- releaseDecision: SAFE_TO_DEPLOY or HOLD
- riskLevel: LOW, MEDIUM or HIGH
- blockingReasons / warningReasons: machine-readable codes
- reasonDetails: one readable line per reason
- plainSummary: a short description of the outcome

Do not deploy a candidate whose decision is HOLD with riskLevel HIGH.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The eval run id"),
				mcplib.Required(),
			),
		),
		s.handleReleaseDecision,
	)

	// kensa_cancel_run: stop a queued or running run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_cancel_run",
			mcplib.WithDescription("Cancel a QUEUED or RUNNING eval run. Requires the reviewer role."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The eval run id"),
				mcplib.Required(),
			),
		),
		s.handleCancelRun,
	)

	// kensa_list_cases: per-case results of a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_list_cases",
			mcplib.WithDescription(`List the case results of an eval run.

Use failed_only=true to see the cases that pulled the pass rate down. Each
case carries a note when it deserves a human look.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The eval run id"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("failed_only",
				mcplib.Description("Only cases the judge failed"),
			),
			mcplib.WithString("verdict",
				mcplib.Description("Optional: UNREVIEWED, CORRECT or INCORRECT"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of cases to return"),
				mcplib.Min(1),
				mcplib.Max(maxToolLimit),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListCases,
	)

	// kensa_review_case: record a human verdict on the judge.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_review_case",
			mcplib.WithDescription(`Record a human verdict on the judge's pass/fail for one case.

VERDICTS:
- CORRECT: the judge got it right
- INCORRECT: the judge got it wrong; pass override_pass with the right answer
- UNREVIEWED: withdraw a previous verdict

Replaying the same request_id returns the current state without a new audit
row. Requires the reviewer role.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("case_id",
				mcplib.Description("The case result id"),
				mcplib.Required(),
			),
			mcplib.WithString("verdict",
				mcplib.Description("CORRECT, INCORRECT or UNREVIEWED"),
				mcplib.Enum(string(model.VerdictCorrect), string(model.VerdictIncorrect), string(model.VerdictUnreviewed)),
				mcplib.Required(),
			),
			mcplib.WithBoolean("override_pass",
				mcplib.Description("Required with INCORRECT: the pass/fail the judge should have given"),
			),
			mcplib.WithString("note",
				mcplib.Description("Optional reviewer note kept in the audit trail"),
			),
			mcplib.WithString("request_id",
				mcplib.Description("Optional idempotency key"),
			),
		),
		s.handleReviewCase,
	)

	// kensa_judge_accuracy: how often reviewers agree with the judge.
	s.mcpServer.AddTool(
		mcplib.NewTool("kensa_judge_accuracy",
			mcplib.WithDescription(`Measure judge accuracy against human review.

With run_id, reports on that run's reviewed cases. Without it, rolls up the
workspace over the last "days" days, optionally narrowed to one prompt or
prompt version.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("Optional: a single run"),
			),
			mcplib.WithString("prompt_id",
				mcplib.Description("Optional: only runs for this prompt"),
			),
			mcplib.WithString("version_id",
				mcplib.Description("Optional: only runs of this candidate version"),
			),
			mcplib.WithNumber("days",
				mcplib.Description("Rollup window in days"),
				mcplib.Min(1),
				mcplib.Max(365),
				mcplib.DefaultNumber(30),
			),
		),
		s.handleJudgeAccuracy,
	)
}

func (s *Server) handleCreateRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, denied := workspace(ctx)
	if denied != nil {
		return denied, nil
	}
	if denied := requireRole(ctx, model.RoleReviewer); denied != nil {
		return denied, nil
	}

	req := model.CreateEvalRunRequest{
		Mode:               model.RunMode(request.GetString("mode", string(model.RunModeCandidateOnly))),
		TriggerType:        model.TriggerAPI,
		RubricTemplateCode: strings.TrimSpace(request.GetString("rubric_template_code", "")),
	}
	for _, arg := range []struct {
		name string
		dst  *uuid.UUID
	}{
		{"prompt_id", &req.PromptID},
		{"candidate_version_id", &req.CandidateVersionID},
		{"dataset_id", &req.DatasetID},
	} {
		id, err := uuidArg(request, arg.name, true)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		*arg.dst = *id
	}

	key := runKey{workspaceID: ws, versionID: req.CandidateVersionID, datasetID: req.DatasetID}
	prior, seen := s.recent.Recent(key)

	run, err := s.runs.CreateRun(ctx, ws, ctxutil.ActorFromContext(ctx), req)
	if err != nil {
		return s.serviceErrorResult("create run", err), nil
	}
	s.recent.Record(key, run.ID)

	out := compactRun(run)
	if seen {
		out["note"] = fmt.Sprintf("Run %s for the same candidate and dataset was enqueued moments ago. Poll it instead of creating more.", prior)
	}
	return jsonResult(out)
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, denied := workspace(ctx)
	if denied != nil {
		return denied, nil
	}
	runID, err := uuidArg(request, "run_id", true)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	run, err := s.runs.GetRun(ctx, ws, *runID)
	if err != nil {
		return s.serviceErrorResult("eval run", err), nil
	}
	out := compactRun(run)
	if len(run.Summary) > 0 {
		out["summary"] = run.Summary
	}
	return jsonResult(out)
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, denied := workspace(ctx)
	if denied != nil {
		return denied, nil
	}
	f := model.EvalRunFilter{Limit: clampLimit(request.GetInt("limit", 10))}
	var err error
	if f.PromptID, err = uuidArg(request, "prompt_id", false); err != nil {
		return errorResult(err.Error()), nil
	}
	if raw := request.GetString("status", ""); raw != "" {
		st := model.RunStatus(strings.ToUpper(raw))
		if !st.Valid() {
			return errorResult("status must be one of QUEUED, RUNNING, FINISHED, FAILED, CANCELLED"), nil
		}
		f.Status = &st
	}

	runs, total, err := s.runs.ListRuns(ctx, ws, f)
	if err != nil {
		return s.serviceErrorResult("list runs", err), nil
	}
	compact := make([]map[string]any, len(runs))
	for i, r := range runs {
		compact[i] = compactRun(r)
	}
	return jsonResult(map[string]any{
		"runs":  compact,
		"total": total,
	})
}

func (s *Server) handleReleaseDecision(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, denied := workspace(ctx)
	if denied != nil {
		return denied, nil
	}
	runID, err := uuidArg(request, "run_id", true)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	run, err := s.runs.GetRun(ctx, ws, *runID)
	if err != nil {
		return s.serviceErrorResult("eval run", err), nil
	}
	if run.Status != model.RunStatusFinished {
		return errorResult(fmt.Sprintf("run is %s; a release decision exists only for FINISHED runs (%s)", run.Status, progress(run))), nil
	}
	return jsonResult(releaseView(run))
}

func (s *Server) handleCancelRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, denied := workspace(ctx)
	if denied != nil {
		return denied, nil
	}
	if denied := requireRole(ctx, model.RoleReviewer); denied != nil {
		return denied, nil
	}
	runID, err := uuidArg(request, "run_id", true)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	run, err := s.runs.CancelRun(ctx, ws, *runID)
	if err != nil {
		return s.serviceErrorResult("cancel run", err), nil
	}
	s.logger.Info("mcp: run cancelled", "run_id", run.ID, "cancelled_by", ctxutil.ActorFromContext(ctx))
	return jsonResult(compactRun(run))
}

func (s *Server) handleListCases(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, denied := workspace(ctx)
	if denied != nil {
		return denied, nil
	}
	runID, err := uuidArg(request, "run_id", true)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	f := model.CaseFilter{Limit: clampLimit(request.GetInt("limit", 20))}
	if request.GetBool("failed_only", false) {
		fail := false
		f.Pass = &fail
	}
	if raw := request.GetString("verdict", ""); raw != "" {
		v := model.Verdict(strings.ToUpper(raw))
		if !v.Valid() {
			return errorResult("verdict must be one of UNREVIEWED, CORRECT, INCORRECT"), nil
		}
		f.Verdict = &v
	}

	cases, total, err := s.runs.ListCases(ctx, ws, *runID, f)
	if err != nil {
		return s.serviceErrorResult("eval run", err), nil
	}
	compact := make([]map[string]any, len(cases))
	for i, c := range cases {
		compact[i] = compactCase(c)
	}
	return jsonResult(map[string]any{
		"cases": compact,
		"total": total,
	})
}

func (s *Server) handleReviewCase(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, denied := workspace(ctx)
	if denied != nil {
		return denied, nil
	}
	if denied := requireRole(ctx, model.RoleReviewer); denied != nil {
		return denied, nil
	}
	caseID, err := uuidArg(request, "case_id", true)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	req := model.UpsertReviewRequest{
		Verdict: model.Verdict(strings.ToUpper(request.GetString("verdict", ""))),
	}
	if v, ok := request.GetArguments()["override_pass"].(bool); ok {
		req.OverridePass = &v
	}
	if note := request.GetString("note", ""); note != "" {
		req.Note = &note
	}
	if rid := request.GetString("request_id", ""); rid != "" {
		req.RequestID = &rid
	}

	state, err := s.reviews.Upsert(ctx, ws, *caseID, ctxutil.ActorFromContext(ctx), req)
	if err != nil {
		return s.serviceErrorResult("eval case", err), nil
	}
	return jsonResult(state)
}

func (s *Server) handleJudgeAccuracy(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, denied := workspace(ctx)
	if denied != nil {
		return denied, nil
	}
	runID, err := uuidArg(request, "run_id", false)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if runID != nil {
		report, err := s.accuracy.ForRun(ctx, ws, *runID)
		if err != nil {
			return s.serviceErrorResult("eval run", err), nil
		}
		return jsonResult(report)
	}

	f := model.AccuracyRollupFilter{WorkspaceID: ws}
	if f.PromptID, err = uuidArg(request, "prompt_id", false); err != nil {
		return errorResult(err.Error()), nil
	}
	if f.VersionID, err = uuidArg(request, "version_id", false); err != nil {
		return errorResult(err.Error()), nil
	}
	days := request.GetInt("days", 30)
	if days < 1 {
		return errorResult("days must be at least 1"), nil
	}
	f.To = time.Now().UTC()
	f.From = f.To.AddDate(0, 0, -days)

	report, err := s.accuracy.Rollup(ctx, f)
	if err != nil {
		return s.serviceErrorResult("judge accuracy", err), nil
	}
	return jsonResult(report)
}

func clampLimit(n int) int {
	return max(1, min(n, maxToolLimit))
}
