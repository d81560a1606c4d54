package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// gate-prompt-change: walks an agent through evaluating a prompt edit.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("gate-prompt-change",
			mcplib.WithPromptDescription("Evaluate a candidate prompt version and decide whether it can ship"),
			mcplib.WithArgument("candidate_version_id",
				mcplib.ArgumentDescription("The prompt version you just created"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("dataset_id",
				mcplib.ArgumentDescription("The dataset to evaluate against"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleGatePrompt,
	)

	// triage-run: review the failures of a finished run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-run",
			mcplib.WithPromptDescription("Inspect the failed cases of a finished run and review the judge"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The finished eval run"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriagePrompt,
	)
}

func (s *Server) handleGatePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	versionID := request.Params.Arguments["candidate_version_id"]
	datasetID := request.Params.Arguments["dataset_id"]
	if versionID == "" || datasetID == "" {
		return nil, fmt.Errorf("candidate_version_id and dataset_id arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Gate prompt version %s", versionID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before this prompt change ships, evaluate it:

1. CALL kensa_create_run with candidate_version_id="%s" and dataset_id="%s".
   Use mode=COMPARE_ACTIVE when a version of this prompt is already deployed.

2. POLL kensa_run_status with the returned id until status is FINISHED,
   FAILED or CANCELLED. Do not create another run while this one is active.

3. CALL kensa_release_decision.
   - SAFE_TO_DEPLOY: report the plainSummary and proceed.
   - HOLD: report every blocking reason. Do not ship. Use the triage-run
     prompt to look at the failures.

4. If the run FAILED, report fail_reason instead of a decision.`, versionID, datasetID),
				},
			},
		},
	}, nil
}

func (s *Server) handleTriagePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Triage eval run %s", runID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Triage eval run %s:

1. CALL kensa_list_cases with run_id="%s" and failed_only=true.

2. For each case, compare candidate_output against what the test case expects.
   - If the judge was right to fail it, the prompt needs work. Note the pattern.
   - If the judge was wrong, CALL kensa_review_case with verdict=INCORRECT
     and override_pass=true. Only reviewers can record verdicts.

3. CALL kensa_judge_accuracy with run_id="%s" once you are done and report
   how often the judge agreed with you.`, runID, runID, runID),
				},
			},
		},
	}, nil
}
