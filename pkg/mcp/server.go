package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"

	"github.com/rendis/ensemble/internal/actions"
	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/resultstore"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/pkg/schema"
)

// WorkflowOrchestrator is the slice of the engine the MCP surface needs.
type WorkflowOrchestrator interface {
	Execute(ctx context.Context, plan *schema.WorkflowPlan) (*engine.BatchHandle, error)
}

// EnsembleServerDeps holds the dependencies for creating an EnsembleServer.
type EnsembleServerDeps struct {
	Orchestrator WorkflowOrchestrator
	Store        store.Store
	Results      resultstore.Store
	Registry     *actions.Registry
	Hub          streaming.EventHub
	Logger       *slog.Logger
}

// EnsembleServer wraps an MCP server with the workflow tool handlers.
type EnsembleServer struct {
	orchestrator WorkflowOrchestrator
	store        store.Store
	results      resultstore.Store
	registry     *actions.Registry
	hub          streaming.EventHub
	sessions     *SessionRegistry
	cronParser   cron.Parser
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewEnsembleServer creates a new EnsembleServer with all tools registered.
func NewEnsembleServer(deps EnsembleServerDeps) *EnsembleServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &EnsembleServer{
		orchestrator: deps.Orchestrator,
		store:        deps.Store,
		results:      deps.Results,
		registry:     deps.Registry,
		hub:          deps.Hub,
		sessions:     NewSessionRegistry(),
		cronParser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:       logger,
	}

	mcpSrv := server.NewMCPServer(
		"ensemble",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Ensemble is a multi-agent workflow orchestration engine. Use ensemble.run to submit a workflow plan, ensemble.status to check run progress, ensemble.result to fetch outputs, ensemble.actions to list available lifecycle actions, ensemble.schedule to manage recurring plans, ensemble.query to list runs/events/schedules, and ensemble.diagram to visualize a plan."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *EnsembleServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *EnsembleServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *EnsembleServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resultTool(), Handler: s.handleResult},
		{Tool: actionsTool(), Handler: s.handleActions},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("ensemble.run",
		mcp.WithDescription("Submit a workflow plan for execution"),
		mcp.WithObject("plan", mcp.Required(), mcp.Description("Workflow plan object (query, strategy, stages, synthesizer)")),
		mcp.WithString("wait", mcp.Description("Block until the run finishes and return the final output (default: false)")),
		mcp.WithString("wait_timeout", mcp.Description("Maximum time to block when wait=true, as a Go duration (default: 5m)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("ensemble.status",
		mcp.WithDescription("Get the status of a workflow run and its nodes"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func resultTool() mcp.Tool {
	return mcp.NewTool("ensemble.result",
		mcp.WithDescription("Fetch the final output of a run, or one node's intermediate result"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("node_id", mcp.Description("Node ID for an intermediate result (default: final run output)")),
	)
}

func actionsTool() mcp.Tool {
	return mcp.NewTool("ensemble.actions",
		mcp.WithDescription("List the lifecycle actions available for plan configuration"),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("ensemble.schedule",
		mcp.WithDescription("Manage recurring workflow plans"),
		mcp.WithString("op", mcp.Required(),
			mcp.Enum("create", "enable", "disable", "delete"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("schedule_id", mcp.Description("Schedule ID (required for enable/disable/delete)")),
		mcp.WithString("name", mcp.Description("Schedule name (required for create)")),
		mcp.WithString("cron", mcp.Description("Cron expression, standard 5-field syntax (required for create)")),
		mcp.WithObject("plan", mcp.Description("Workflow plan to run on schedule (required for create)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("ensemble.query",
		mcp.WithDescription("Query runs, events, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, strategy, since, limit, run_id, enabled)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("ensemble.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow plan. Returns ASCII art or Mermaid flowchart syntax"),
		mcp.WithString("run_id", mcp.Description("Run ID to diagram (includes node status overlay)")),
		mcp.WithObject("plan", mcp.Description("Plan object to diagram without running it")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid"),
			mcp.Description("Output format: ascii (text) or mermaid (flowchart syntax)"),
		),
	)
}
