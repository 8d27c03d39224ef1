package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kastel/remedia/internal/streaming"
)

// StreamNotifier forwards sequence events from the streaming hub to the
// MCP client bound to the originating editing session.
type StreamNotifier struct {
	mcpServer *server.MCPServer
	hub       streaming.EventHub
	clients   *SessionRegistry
	logger    *slog.Logger
}

// NewStreamNotifier creates a notifier that pushes hub events over MCP.
func NewStreamNotifier(mcpServer *server.MCPServer, hub streaming.EventHub, clients *SessionRegistry, logger *slog.Logger) *StreamNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamNotifier{mcpServer: mcpServer, hub: hub, clients: clients, logger: logger}
}

// Run subscribes to the hub and forwards events until ctx is cancelled.
// Delivery is best-effort: events for sessions without a connected client
// are dropped.
func (n *StreamNotifier) Run(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.forward(ev)
		}
	}
}

func (n *StreamNotifier) forward(ev streaming.StreamEvent) {
	clientID, ok := n.clients.ClientFor(ev.SequenceID)
	if !ok {
		return
	}
	payload := map[string]any{
		"session_id": ev.SequenceID,
		"event_type": ev.EventType,
	}
	if ev.StepID != "" {
		payload["step_id"] = ev.StepID
	}
	if ev.Payload != nil {
		payload["payload"] = ev.Payload
	}
	err := n.mcpServer.SendNotificationToSpecificClient(clientID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Client disconnected between lookup and send.
		n.clients.Remove(clientID)
		return
	}
	if err != nil {
		n.logger.Warn("notification dropped", "session_id", ev.SequenceID, "error", err)
	}
}
