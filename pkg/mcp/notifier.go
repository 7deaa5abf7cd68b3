package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/credvault/internal/streaming"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier over MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to registered sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward relays vault events from hub to every known agent until ctx is
// done. Events carry ids and scopes only.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub, logger *slog.Logger) {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		logger.Warn("mcp event forwarding disabled", slog.String("error", err.Error()))
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload := eventPayload(ev)
			for _, agentID := range n.sessions.Agents() {
				if err := n.Notify(ctx, agentID, payload); err != nil {
					logger.Debug("agent notification failed",
						slog.String("agent_id", agentID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

func eventPayload(ev streaming.StreamEvent) map[string]any {
	payload := map[string]any{
		"level":  "info",
		"logger": "credvault",
		"event":  ev.EventType,
		"vault":  ev.VaultPath,
	}
	if ev.CredentialID != "" {
		payload["credential_id"] = ev.CredentialID
	}
	if len(ev.Scopes) > 0 {
		payload["scopes"] = ev.Scopes
	}
	return payload
}
