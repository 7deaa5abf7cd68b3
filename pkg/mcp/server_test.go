package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVaultServer(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		"vault.list",
		"vault.describe",
		"vault.keys_for_app",
		"vault.remove",
		"vault.audit",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"vault.list", "List stored credentials without their values"},
		{"vault.describe", "Show the metadata of one credential"},
		{"vault.keys_for_app", "List the environment variable names an application receives"},
		{"vault.remove", "Delete a credential from the vault"},
		{"vault.audit", "Query the audit log of vault changes"},
	}

	s := NewVaultServer(VaultServerDeps{})

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
