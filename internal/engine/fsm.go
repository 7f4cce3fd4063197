package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

// EventAppender appends entries to the run event log. Satisfied by both
// store.Store and store.EventLog.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// validRunTransitions is the run lifecycle graph. Any transition not
// listed here is rejected with INVALID_TRANSITION.
var validRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:          {schema.RunStatusInitialActions, schema.RunStatusFailed},
	schema.RunStatusInitialActions:   {schema.RunStatusDispatching, schema.RunStatusFailed},
	schema.RunStatusDispatching:      {schema.RunStatusRunning, schema.RunStatusFailed},
	schema.RunStatusRunning:          {schema.RunStatusSynthesisPending, schema.RunStatusFailed},
	schema.RunStatusSynthesisPending: {schema.RunStatusSynthesizing, schema.RunStatusFailed},
	schema.RunStatusSynthesizing:     {schema.RunStatusCompleted, schema.RunStatusFailed},
}

// validNodeTransitions is the node lifecycle graph.
var validNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {schema.NodeStatusRunning, schema.NodeStatusFailed},
	schema.NodeStatusRunning: {schema.NodeStatusCompleted, schema.NodeStatusFailed},
}

// runEventFor maps a target run status to the event type emitted when
// the transition lands. Statuses without a mapped event emit nothing.
func runEventFor(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusInitialActions:
		return schema.EventRunStarted
	case schema.RunStatusSynthesisPending:
		return schema.EventSynthesisScheduled
	case schema.RunStatusSynthesizing:
		return schema.EventSynthesisStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	}
	return ""
}

func nodeEventFor(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusCompleted:
		return schema.EventNodeCompleted
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	}
	return ""
}

// RunFSM drives a single run through its lifecycle. Every accepted
// transition persists the new status and appends the mapped event, so
// the event log always reflects the runs table.
type RunFSM struct {
	runID  string
	store  store.Store
	events EventAppender
	sink   StatusSink
	logger *slog.Logger
}

// NewRunFSM creates an FSM bound to one run.
func NewRunFSM(runID string, st store.Store, events EventAppender, sink StatusSink, logger *slog.Logger) *RunFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunFSM{runID: runID, store: st, events: events, sink: sink, logger: logger}
}

// Transition moves the run from one status to another, persisting the
// change and emitting the mapped lifecycle event. Detail, when present,
// becomes the event payload.
func (f *RunFSM) Transition(ctx context.Context, from, to schema.RunStatus, detail map[string]any) error {
	if !runTransitionAllowed(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s: cannot transition from %s to %s", f.runID, from, to)
	}

	update := store.RunUpdate{Status: &to}
	now := time.Now().UTC()
	if to == schema.RunStatusInitialActions {
		update.StartedAt = &now
	}
	if to.Terminal() {
		update.CompletedAt = &now
	}
	if err := f.store.UpdateRun(ctx, f.runID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"run %s: persist status %s", f.runID, to).WithCause(err)
	}

	if eventType := runEventFor(to); eventType != "" {
		event := &store.Event{RunID: f.runID, Type: eventType, Payload: marshalDetail(detail)}
		if err := f.events.AppendEvent(ctx, event); err != nil {
			f.logger.Warn("failed to append run event",
				"run_id", f.runID, "event", eventType, "error", err)
		}
	}

	if f.sink != nil {
		f.sink.RunPhase(f.runID, from, to)
	}
	return nil
}

func runTransitionAllowed(from, to schema.RunStatus) bool {
	for _, next := range validRunTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NodeFSM validates node transitions and appends the matching node
// events. Node execution rows themselves are upserted by the job that
// owns them.
type NodeFSM struct {
	runID  string
	nodeID string
	events EventAppender
	logger *slog.Logger
}

// NewNodeFSM creates an FSM bound to one node of one run.
func NewNodeFSM(runID, nodeID string, events EventAppender, logger *slog.Logger) *NodeFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeFSM{runID: runID, nodeID: nodeID, events: events, logger: logger}
}

// Transition checks the node lifecycle graph and appends the mapped
// event with the given payload.
func (f *NodeFSM) Transition(ctx context.Context, from, to schema.NodeStatus, payload json.RawMessage) error {
	if !nodeTransitionAllowed(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"node %s: cannot transition from %s to %s", f.nodeID, from, to).WithNode(f.nodeID)
	}

	if eventType := nodeEventFor(to); eventType != "" {
		event := &store.Event{RunID: f.runID, NodeID: f.nodeID, Type: eventType, Payload: payload}
		if err := f.events.AppendEvent(ctx, event); err != nil {
			f.logger.Warn("failed to append node event",
				"run_id", f.runID, "node_id", f.nodeID, "event", eventType, "error", err)
		}
	}
	return nil
}

func nodeTransitionAllowed(from, to schema.NodeStatus) bool {
	for _, next := range validNodeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func marshalDetail(detail map[string]any) json.RawMessage {
	if len(detail) == 0 {
		return nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	return b
}
