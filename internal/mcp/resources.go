package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/model"
)

const (
	uriRecentRuns      = "kensa://runs/recent"
	uriReleaseCriteria = "kensa://release-criteria"
	runSummaryPrefix   = "kensa://runs/"
	runSummarySuffix   = "/summary"
)

func (s *Server) registerResources() {
	// kensa://runs/recent: the latest runs in the caller's workspace.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriRecentRuns,
			"Recent Runs",
			mcplib.WithResourceDescription("The 20 most recent eval runs in the workspace"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRuns,
	)

	// kensa://release-criteria: thresholds the release gate applies.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriReleaseCriteria,
			"Release Criteria",
			mcplib.WithResourceDescription("Release thresholds for the workspace, or the defaults if none are set"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleReleaseCriteria,
	)

	// kensa://runs/{id}/summary: the persisted summary of one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runSummaryPrefix+"{id}"+runSummarySuffix,
			"Run Summary",
			mcplib.WithTemplateDescription("Summary and release decision of one eval run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunSummary,
	)
}

func (s *Server) handleRecentRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ws, err := resourceWorkspace(ctx)
	if err != nil {
		return nil, err
	}
	runs, _, err := s.runs.ListRuns(ctx, ws, model.EvalRunFilter{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}
	compact := make([]map[string]any, len(runs))
	for i, r := range runs {
		compact[i] = compactRun(r)
	}
	return jsonContents(uriRecentRuns, compact)
}

func (s *Server) handleReleaseCriteria(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ws, err := resourceWorkspace(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.runs.ReleaseCriteria(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("mcp: release criteria: %w", err)
	}
	return jsonContents(uriReleaseCriteria, c)
}

func (s *Server) handleRunSummary(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ws, err := resourceWorkspace(ctx)
	if err != nil {
		return nil, err
	}
	uri := request.Params.URI
	runID, err := parseRunSummaryURI(uri)
	if err != nil {
		return nil, err
	}
	run, err := s.runs.GetRun(ctx, ws, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run summary: %w", err)
	}
	return jsonContents(uri, map[string]any{
		"run":     compactRun(run),
		"summary": run.Summary,
	})
}

// parseRunSummaryURI extracts the run id from kensa://runs/{id}/summary.
func parseRunSummaryURI(uri string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, runSummaryPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid run summary URI: %s", uri)
	}
	raw, ok := strings.CutSuffix(rest, runSummarySuffix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid run summary URI: %s", uri)
	}
	if raw == "" {
		return uuid.Nil, fmt.Errorf("mcp: empty run id in URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: run id in URI is not a UUID: %s", uri)
	}
	return id, nil
}

func resourceWorkspace(ctx context.Context) (uuid.UUID, error) {
	if ctxutil.ClaimsFromContext(ctx) == nil {
		return uuid.Nil, fmt.Errorf("mcp: authentication required")
	}
	return ctxutil.WorkspaceIDFromContext(ctx), nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
