package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/credvault/internal/expressions"
	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/streaming"
)

// Vault is the vault surface exposed to agents.
type Vault interface {
	secrets.Vault
	Path() string
}

// VaultServerDeps holds the dependencies for creating a VaultServer.
// Store, Engines and Hub are optional.
type VaultServerDeps struct {
	Vault   Vault
	Store   store.AuditStore
	Engines expressions.Engines
	Hub     streaming.EventHub
	Logger  *slog.Logger
	Version string
}

// VaultServer wraps an MCP server with credential tool handlers. No tool
// ever returns a credential value.
type VaultServer struct {
	vault     Vault
	store     store.AuditStore
	engines   expressions.Engines
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewVaultServer creates a new VaultServer with all tools registered.
func NewVaultServer(deps VaultServerDeps) *VaultServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &VaultServer{
		vault:    deps.Vault,
		store:    deps.Store,
		engines:  deps.Engines,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"credvault",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("credvault stores encrypted credentials for applications. Use vault.list to browse credential metadata, vault.describe for one credential, vault.keys_for_app to see which variables an app receives, vault.remove to delete a credential and vault.audit to review changes. Secret values are never returned."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Vault events are forwarded to agents while serving.
func (s *VaultServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewMCPNotifier(s.mcpServer, s.sessions)
		go notifier.Forward(ctx, s.hub, s.logger)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *VaultServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *VaultServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listTool(), Handler: s.handleList},
		{Tool: describeTool(), Handler: s.handleDescribe},
		{Tool: keysForAppTool(), Handler: s.handleKeysForApp},
		{Tool: removeTool(), Handler: s.handleRemove},
		{Tool: auditTool(), Handler: s.handleAudit},
	}
}

// --- Tool definitions ---

func listTool() mcp.Tool {
	return mcp.NewTool("vault.list",
		mcp.WithDescription("List stored credentials without their values"),
		mcp.WithString("where", mcp.Description("Optional boolean selector over id, description, scopes, metadata and updatedAt")),
		mcp.WithString("engine",
			mcp.Enum("cel", "expr", "jq"),
			mcp.Description("Selector language (default: cel, where the record is bound to `credential`)"),
		),
	)
}

func describeTool() mcp.Tool {
	return mcp.NewTool("vault.describe",
		mcp.WithDescription("Show the metadata of one credential"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Credential id")),
	)
}

func keysForAppTool() mcp.Tool {
	return mcp.NewTool("vault.keys_for_app",
		mcp.WithDescription("List the environment variable names an application receives"),
		mcp.WithString("app_id", mcp.Required(), mcp.Description("Application id, matched against app:<id> scopes")),
	)
}

func removeTool() mcp.Tool {
	return mcp.NewTool("vault.remove",
		mcp.WithDescription("Delete a credential from the vault"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Credential id")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent making the change, recorded in the audit log")),
	)
}

func auditTool() mcp.Tool {
	return mcp.NewTool("vault.audit",
		mcp.WithDescription("Query the audit log of vault changes"),
		mcp.WithString("credential_id", mcp.Description("Only entries for this credential")),
		mcp.WithString("action", mcp.Description("Only entries of this action, e.g. credential_added")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default 50)")),
	)
}
