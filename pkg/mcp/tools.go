package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/ensemble/internal/diagram"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

const defaultWaitTimeout = 5 * time.Minute

// handleRun submits a workflow plan for execution.
func (s *EnsembleServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planRaw := mcp.ParseStringMap(req, "plan", nil)
	if planRaw == nil {
		return mcp.NewToolResultError("plan is required"), nil
	}

	plan, planErr := decodePlan(planRaw)
	if planErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", planErr)), nil
	}

	handle, execErr := s.orchestrator.Execute(ctx, plan)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan rejected: %v", execErr)), nil
	}

	// Capture session mapping so phase notifications reach this client.
	s.captureSession(ctx, handle.RunID)

	if req.GetString("wait", "false") != "true" {
		return marshalResult(map[string]any{
			"run_id":   handle.RunID,
			"batch_id": handle.BatchID,
			"status":   "accepted",
		})
	}

	timeout := defaultWaitTimeout
	if raw := req.GetString("wait_timeout", ""); raw != "" {
		d, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid wait_timeout: %v", parseErr)), nil
		}
		timeout = d
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, runErr := handle.Wait(waitCtx)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %s failed: %v", handle.RunID, runErr)), nil
	}
	return marshalResult(map[string]any{
		"run_id": handle.RunID,
		"status": "completed",
		"output": output,
	})
}

// handleStatus returns the current state of a run and its nodes.
func (s *EnsembleServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, runErr := s.store.GetRun(ctx, runID)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", runErr)), nil
	}

	nodes, nodesErr := s.store.ListNodeExecutions(ctx, runID)
	if nodesErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("node query failed: %v", nodesErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id":     run.ID,
		"status":     run.Status,
		"strategy":   run.Strategy,
		"node_count": run.NodeCount,
		"created_at": run.CreatedAt,
		"nodes":      nodes,
	})
}

// handleResult returns a run's final output or one node's stored result.
func (s *EnsembleServer) handleResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, runErr := s.store.GetRun(ctx, runID)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", runErr)), nil
	}

	if nodeID := req.GetString("node_id", ""); nodeID != "" {
		entry, entryErr := s.results.Get(ctx, run.BatchID, nodeID)
		if entryErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("node result unavailable: %v", entryErr)), nil
		}
		return marshalResult(map[string]any{
			"run_id":    runID,
			"node_id":   nodeID,
			"data":      entry.Data,
			"metadata":  entry.Metadata,
			"stored_at": entry.StoredAt,
		})
	}

	switch run.Status {
	case schema.RunStatusCompleted:
		return marshalResult(map[string]any{
			"run_id": runID,
			"status": run.Status,
			"output": run.Output,
		})
	case schema.RunStatusFailed:
		return marshalResult(map[string]any{
			"run_id": runID,
			"status": run.Status,
			"error":  run.Error,
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("run %s has not finished (status: %s)", runID, run.Status)), nil
	}
}

// handleActions lists the registered lifecycle actions.
func (s *EnsembleServer) handleActions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"actions": s.registry.List()})
}

// handleSchedule manages recurring plans.
func (s *EnsembleServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := req.RequireString("op")
	if err != nil {
		return mcp.NewToolResultError("op is required"), nil
	}

	switch op {
	case "create":
		return s.createSchedule(ctx, req)
	case "enable", "disable":
		return s.toggleSchedule(ctx, req, op == "enable")
	case "delete":
		return s.deleteSchedule(ctx, req)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown op: %s", op)), nil
	}
}

func (s *EnsembleServer) createSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name is required for create"), nil
	}
	cronExpr := req.GetString("cron", "")
	if cronExpr == "" {
		return mcp.NewToolResultError("cron is required for create"), nil
	}
	planRaw := mcp.ParseStringMap(req, "plan", nil)
	if planRaw == nil {
		return mcp.NewToolResultError("plan is required for create"), nil
	}

	plan, planErr := decodePlan(planRaw)
	if planErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", planErr)), nil
	}

	schedule, cronErr := s.cronParser.Parse(cronExpr)
	if cronErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", cronErr)), nil
	}

	now := time.Now().UTC()
	next := schedule.Next(now)
	sp := &store.ScheduledPlan{
		ID:        uuid.New().String(),
		Name:      name,
		CronExpr:  cronExpr,
		Plan:      *plan,
		Enabled:   true,
		NextRunAt: &next,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if createErr := s.store.CreateScheduledPlan(ctx, sp); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create schedule: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"schedule_id": sp.ID,
		"name":        name,
		"next_run_at": next,
	})
}

func (s *EnsembleServer) toggleSchedule(ctx context.Context, req mcp.CallToolRequest, enabled bool) (*mcp.CallToolResult, error) {
	scheduleID := req.GetString("schedule_id", "")
	if scheduleID == "" {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}

	update := store.ScheduledPlanUpdate{Enabled: &enabled}
	if updateErr := s.store.UpdateScheduledPlan(ctx, scheduleID, update); updateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update failed: %v", updateErr)), nil
	}
	return marshalResult(map[string]any{
		"schedule_id": scheduleID,
		"enabled":     enabled,
	})
}

func (s *EnsembleServer) deleteSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID := req.GetString("schedule_id", "")
	if scheduleID == "" {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}

	if delErr := s.store.DeleteScheduledPlan(ctx, scheduleID); delErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", delErr)), nil
	}
	return marshalResult(map[string]any{
		"schedule_id": scheduleID,
		"deleted":     true,
	})
}

// handleQuery lists runs, events, or schedules based on filters.
func (s *EnsembleServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *EnsembleServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if strategy, ok := filter["strategy"].(string); ok && strategy != "" {
		st := schema.StrategyType(strategy)
		rf.Strategy = &st
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *EnsembleServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	eventType, _ := filter["event_type"].(string)

	if eventType != "" {
		ef := store.EventFilter{
			RunID: runID,
			Limit: extractInt(filter, "limit", 100),
		}
		if since, ok := filter["since"].(string); ok && since != "" {
			if t, err := time.Parse(time.RFC3339, since); err == nil {
				ef.Since = &t
			}
		}
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if runID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *EnsembleServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.ScheduledPlanFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.Enabled = &enabled
	}

	schedules, err := s.store.ListScheduledPlans(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// handleDiagram generates a plan diagram in the requested format.
func (s *EnsembleServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" {
		return mcp.NewToolResultError("format must be ascii or mermaid"), nil
	}

	runID := req.GetString("run_id", "")
	planRaw := mcp.ParseStringMap(req, "plan", nil)

	if runID == "" && planRaw == nil {
		return mcp.NewToolResultError("at least one of run_id or plan is required"), nil
	}

	var plan *schema.WorkflowPlan
	var execs []*store.NodeExecution

	if runID != "" {
		run, runErr := s.store.GetRun(ctx, runID)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", runErr)), nil
		}
		plan = &run.Plan

		// Status overlay comes from the materialized node view.
		if nodes, nodesErr := s.store.ListNodeExecutions(ctx, runID); nodesErr == nil {
			execs = nodes
		}
	} else {
		decoded, planErr := decodePlan(planRaw)
		if planErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", planErr)), nil
		}
		plan = decoded
	}

	model, buildErr := diagram.Build(plan, execs)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	default:
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
}

// --- Internal helpers ---

// decodePlan converts a raw tool argument map into a WorkflowPlan.
func decodePlan(raw map[string]any) (*schema.WorkflowPlan, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var plan schema.WorkflowPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the run ID to its current MCP session for notifications.
func (s *EnsembleServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
