// Package mcp implements the Model Context Protocol server for Kensa.
//
// The MCP server exposes eval runs, release decisions and human review
// through MCP tools and resources so coding agents can gate a prompt
// change without leaving their session. Every call runs with the claims
// of the HTTP request that carried it.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kensa/internal/accuracy"
	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/evalrun"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/review"
	"github.com/ashita-ai/kensa/internal/storage"
)

// duplicateRunWindow is how long a create call is remembered for the
// duplicate-run note.
const duplicateRunWindow = 2 * time.Minute

// Server wraps the MCP server with Kensa's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runs      *evalrun.Service
	reviews   *review.Service
	accuracy  *accuracy.Service
	recent    *runTracker
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(runs *evalrun.Service, reviews *review.Service, acc *accuracy.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		runs:     runs,
		reviews:  reviews,
		accuracy: acc,
		recent:   newRunTracker(duplicateRunWindow),
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kensa",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Kensa evaluates candidate prompt versions against a dataset with an LLM judge
and decides whether the candidate is safe to release.

Typical flow: kensa_create_run, poll kensa_run_status until the run is
FINISHED, then read kensa_release_decision. Use kensa_list_cases with
failed_only=true to inspect failures and kensa_review_case to record a human
verdict when the judge got a case wrong.`

// workspace returns the caller's workspace or an error result when the
// request carries no claims.
func workspace(ctx context.Context) (uuid.UUID, *mcplib.CallToolResult) {
	if ctxutil.ClaimsFromContext(ctx) == nil {
		return uuid.Nil, errorResult("authentication required")
	}
	return ctxutil.WorkspaceIDFromContext(ctx), nil
}

// requireRole returns an error result unless the caller holds at least min.
func requireRole(ctx context.Context, min model.WorkspaceRole) *mcplib.CallToolResult {
	if ctxutil.HasRole(ctx, min) {
		return nil
	}
	return errorResult(fmt.Sprintf("this tool requires the %s role", min))
}

// uuidArg parses a UUID argument. Empty optional arguments return nil.
func uuidArg(request mcplib.CallToolRequest, name string, required bool) (*uuid.UUID, error) {
	raw := strings.TrimSpace(request.GetString(name, ""))
	if raw == "" {
		if required {
			return nil, fmt.Errorf("%s is required", name)
		}
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a UUID", name)
	}
	return &id, nil
}

// serviceErrorResult turns a service error into something an agent can act on.
func (s *Server) serviceErrorResult(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, evalrun.ErrInvalidInput),
		errors.Is(err, review.ErrInvalidInput),
		errors.Is(err, accuracy.ErrInvalidWindow):
		return errorResult(clientMessage(err))
	case errors.Is(err, storage.ErrNotFound):
		return errorResult(op + ": not found")
	case errors.Is(err, storage.ErrRunNotActive):
		return errorResult(op + ": run is already terminal")
	}
	s.logger.Error("mcp: "+op+" failed", "error", err)
	return errorResult(op + " failed")
}

func clientMessage(err error) string {
	msg := err.Error()
	for _, p := range []string{"evalrun: ", "review: ", "accuracy: ", "invalid input: "} {
		msg = strings.TrimPrefix(msg, p)
	}
	return msg
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
