package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/ensemble/internal/streaming"
)

// RunNotifier pushes run events to the client that submitted the run.
type RunNotifier interface {
	Notify(ctx context.Context, runID string, payload map[string]any) error
}

// MCPNotifier implements RunNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP transport.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session that owns the run.
// Best-effort: returns nil if no session is registered for the run.
func (n *MCPNotifier) Notify(_ context.Context, runID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil // submitter not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// ForwardEvents subscribes to the streaming hub and pushes every run
// event to the session that submitted the run. Blocks until ctx is
// cancelled; run it in its own goroutine next to Serve.
func (s *EnsembleServer) ForwardEvents(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}

	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	notifier := NewMCPNotifier(s.mcpServer, s.sessions)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				// Hub shut down; nothing left to forward.
				return nil
			}
			payload := map[string]any{
				"run_id":     event.RunID,
				"event_type": event.EventType,
				"payload":    event.Payload,
			}
			if event.BatchID != "" {
				payload["batch_id"] = event.BatchID
			}
			if event.NodeID != "" {
				payload["node_id"] = event.NodeID
			}
			if err := notifier.Notify(ctx, event.RunID, payload); err != nil {
				s.logger.Warn("notification push failed",
					slog.String("run_id", event.RunID),
					slog.String("error", err.Error()))
			}
		}
	}
}
