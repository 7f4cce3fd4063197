package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// Run is the persisted representation of one workflow execution.
type Run struct {
	ID              string              `json:"id"`
	BatchID         string              `json:"batch_id,omitempty"`
	Query           string              `json:"query"`
	Strategy        schema.StrategyType `json:"strategy"`
	Plan            schema.WorkflowPlan `json:"plan"`
	Status          schema.RunStatus    `json:"status"`
	RequireAllNodes bool                `json:"require_all_nodes"`
	NodeCount       int                 `json:"node_count"`
	Output          json.RawMessage     `json:"output,omitempty"`
	Error           json.RawMessage     `json:"error,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// NodeExecution is the materialized view of one node's current state.
type NodeExecution struct {
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"`
	Capability  string            `json:"capability"`
	Status      schema.NodeStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the append-only run log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledPlan is a cron-triggered recurring workflow plan.
type ScheduledPlan struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	CronExpr      string              `json:"cron_expr"`
	Plan          schema.WorkflowPlan `json:"plan"`
	Enabled       bool                `json:"enabled"`
	LastRunAt     *time.Time          `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time          `json:"next_run_at,omitempty"`
	LastRunStatus string              `json:"last_run_status,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   *schema.RunStatus    `json:"status,omitempty"`
	Strategy *schema.StrategyType `json:"strategy,omitempty"`
	Since    *time.Time           `json:"since,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
	Offset   int                  `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	BatchID     *string           `json:"batch_id,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	NodeID string     `json:"node_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// ScheduledPlanUpdate specifies mutable fields of a scheduled plan.
type ScheduledPlanUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledPlanFilter specifies criteria for listing scheduled plans.
type ScheduledPlanFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
