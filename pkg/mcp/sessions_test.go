package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("deploy-bot", "session-abc")
	sid, ok := r.SessionFor("deploy-bot")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Reconnect(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("deploy-bot", "session-old")
	r.Register("deploy-bot", "session-new")

	sid, ok := r.SessionFor("deploy-bot")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
	assert.Equal(t, []string{"deploy-bot"}, r.Agents())
}

func TestSessionRegistry_RemoveBySession(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("deploy-bot", "session-abc")
	r.Register("rotation-bot", "session-abc")
	r.Register("audit-bot", "session-xyz")

	r.Remove("session-abc")

	assert.Equal(t, []string{"audit-bot"}, r.Agents())
}

func TestSessionRegistry_AgentsSorted(t *testing.T) {
	r := NewSessionRegistry()
	assert.Empty(t, r.Agents())

	r.Register("zeta", "s1")
	r.Register("alpha", "s2")
	assert.Equal(t, []string{"alpha", "zeta"}, r.Agents())
}
