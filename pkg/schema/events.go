package schema

// Event type constants for the run event log.
const (
	EventRunCreated         = "run_created"
	EventRunStarted         = "run_started"
	EventRunCompleted       = "run_completed"
	EventRunFailed          = "run_failed"
	EventInitialActionsDone = "initial_actions_done"
	EventStageDispatched    = "stage_dispatched"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"

	EventActionExecuted = "action_executed"
	EventActionSkipped  = "action_skipped"
	EventActionFailed   = "action_failed"

	EventResultStored       = "result_stored"
	EventSynthesisScheduled = "synthesis_scheduled"
	EventSynthesisStarted   = "synthesis_started"
	EventFinalActionsDone   = "final_actions_done"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending          = RunStatus("pending")
	RunStatusInitialActions   = RunStatus("initial_actions")
	RunStatusDispatching      = RunStatus("dispatching")
	RunStatusRunning          = RunStatus("running")
	RunStatusSynthesisPending = RunStatus("synthesis_pending")
	RunStatusSynthesizing     = RunStatus("synthesizing")
	RunStatusCompleted        = RunStatus("completed")
	RunStatusFailed           = RunStatus("failed")
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// NodeStatus represents the lifecycle state of a node execution.
type NodeStatus string

const (
	NodeStatusPending   = NodeStatus("pending")
	NodeStatusRunning   = NodeStatus("running")
	NodeStatusCompleted = NodeStatus("completed")
	NodeStatusFailed    = NodeStatus("failed")
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed
}
