package streaming

import (
	"context"

	"github.com/rendis/ensemble/pkg/schema"
)

// RunEvent is a real-time event emitted while a workflow run executes.
type RunEvent struct {
	RunID     string `json:"run_id"`
	BatchID   string `json:"batch_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	NodeID     string   `json:"node_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events. The returned
// channel is closed when the subscription ends — by the cancel func,
// the subscriber's context, or the hub shutting down.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}

// PhaseSink publishes run phase changes to a hub, satisfying the
// engine's status sink contract. Publishing is best-effort; a full or
// missing subscriber never slows a run down.
type PhaseSink struct {
	Hub EventHub
}

func (s *PhaseSink) RunPhase(runID string, from, to schema.RunStatus) {
	_ = s.Hub.Publish(context.Background(), RunEvent{
		RunID:     runID,
		EventType: "run_phase",
		Payload:   map[string]any{"from": string(from), "to": string(to)},
	})
}
