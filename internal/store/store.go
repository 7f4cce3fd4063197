package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Append-only run log
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Node executions (materialized view)
	UpsertNodeExecution(ctx context.Context, exec *NodeExecution) error
	GetNodeExecution(ctx context.Context, runID, nodeID string) (*NodeExecution, error)
	ListNodeExecutions(ctx context.Context, runID string) ([]*NodeExecution, error)

	// Scheduled plans
	CreateScheduledPlan(ctx context.Context, plan *ScheduledPlan) error
	GetScheduledPlan(ctx context.Context, id string) (*ScheduledPlan, error)
	UpdateScheduledPlan(ctx context.Context, id string, update ScheduledPlanUpdate) error
	ListScheduledPlans(ctx context.Context, filter ScheduledPlanFilter) ([]*ScheduledPlan, error)
	DeleteScheduledPlan(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
