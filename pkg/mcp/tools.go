package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/credvault/internal/expressions"
	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/internal/store"
)

const defaultAuditLimit = 50

// handleList returns credential summaries, optionally filtered.
func (s *VaultServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summaries := s.vault.ListCredentials()

	where := req.GetString("where", "")
	if where == "" {
		return marshalResult(summaries)
	}
	if s.engines == nil {
		return mcp.NewToolResultError("selectors are not enabled"), nil
	}
	engine, err := s.engines.Get(req.GetString("engine", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	selected, err := expressions.Select(ctx, engine, where, summaries)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("selector failed: %v", err)), nil
	}
	return marshalResult(selected)
}

func (s *VaultServer) handleDescribe(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	c, ok := s.vault.GetCredential(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("credential %q not found", id)), nil
	}
	return marshalResult(c.Summary())
}

func (s *VaultServer) handleKeysForApp(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	appID, err := req.RequireString("app_id")
	if err != nil {
		return mcp.NewToolResultError("app_id is required"), nil
	}
	env := s.vault.EnvForApp(appID)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return marshalResult(map[string]any{
		"app_id": appID,
		"keys":   keys,
	})
}

func (s *VaultServer) handleRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	actor := "mcp"
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		actor = "mcp:" + agentID
		s.captureSession(ctx, agentID)
	}
	ctx = logging.WithActor(logging.WithCredentialID(ctx, id), actor)

	removed, err := s.vault.RemoveCredential(ctx, id)
	if err != nil {
		logging.LogWith(ctx, s.logger).Error("remove credential failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError(fmt.Sprintf("remove failed: %v", err)), nil
	}
	if !removed {
		return mcp.NewToolResultError(fmt.Sprintf("credential %q not found", id)), nil
	}
	return marshalResult(map[string]any{
		"ok": true,
		"id": id,
	})
}

func (s *VaultServer) handleAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("audit log is not configured"), nil
	}
	limit := req.GetInt("limit", defaultAuditLimit)
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	entries, err := s.store.ListAudit(ctx, store.AuditFilter{
		VaultPath:    s.vault.Path(),
		CredentialID: req.GetString("credential_id", ""),
		Action:       req.GetString("action", ""),
		Limit:        limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit query failed: %v", err)), nil
	}
	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	return marshalResult(entries)
}

// captureSession remembers which MCP session an agent is on so vault
// events can be pushed to it.
func (s *VaultServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
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
