package schema

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeScopes(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil defaults to global", nil, []string{ScopeGlobal}},
		{"empty defaults to global", []string{}, []string{ScopeGlobal}},
		{"dedupe keeps first", []string{"app:a", "global", "app:a"}, []string{"app:a", "global"}},
		{"untouched", []string{"app:b"}, []string{"app:b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeScopes(tt.in))
		})
	}
}

func TestCredential_VisibleTo(t *testing.T) {
	global := Credential{ID: "G", Scopes: []string{ScopeGlobal}}
	foo := Credential{ID: "F", Scopes: []string{AppScope("foo")}}
	none := Credential{ID: "N"}

	for _, app := range []string{"foo", "bar", ""} {
		assert.True(t, global.VisibleTo(app), app)
	}
	assert.True(t, foo.VisibleTo("foo"))
	assert.False(t, foo.VisibleTo("bar"))
	assert.False(t, foo.VisibleTo("fo"))
	assert.False(t, none.VisibleTo("foo"))
}

func TestCredential_SummaryAndClone(t *testing.T) {
	c := Credential{
		ID:          "API_KEY",
		Value:       "secret",
		Description: "d",
		Scopes:      []string{"global"},
		Metadata:    map[string]string{"provider": "manual"},
		UpdatedAt:   "2025-01-01T00:00:00.000Z",
	}

	s := c.Summary()
	assert.Equal(t, "API_KEY", s.ID)
	assert.Equal(t, c.Scopes, s.Scopes)
	assert.NotContains(t, fmt.Sprintf("%+v", s), "secret")

	s.Scopes[0] = "app:x"
	assert.Equal(t, "global", c.Scopes[0])

	cp := c.Clone()
	cp.Metadata["provider"] = "changed"
	assert.Equal(t, "manual", c.Metadata["provider"])
}

func TestCredentialSummary_ToMap(t *testing.T) {
	m := CredentialSummary{
		ID:       "K",
		Scopes:   []string{"app:web"},
		Metadata: map[string]string{"service": "stripe"},
	}.ToMap()

	assert.Equal(t, "K", m["id"])
	assert.Equal(t, []any{"app:web"}, m["scopes"])
	assert.Equal(t, map[string]any{"service": "stripe"}, m["metadata"])
	_, hasValue := m["value"]
	assert.False(t, hasValue)
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("X", 3*3600)
	ts := time.Date(2024, 5, 6, 10, 0, 0, 123_456_789, loc)
	assert.Equal(t, "2024-05-06T07:00:00.123Z", FormatTime(ts))
}

func TestIsAppScope(t *testing.T) {
	assert.True(t, IsAppScope("app:web"))
	assert.False(t, IsAppScope("app:"))
	assert.False(t, IsAppScope("global"))
}

func TestVaultError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewErrorf(ErrCodeStore, "write %s", "vault.json").WithCredential("K").WithCause(cause)

	assert.Equal(t, "[STORE_ERROR] credential K: write vault.json: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestIsCode(t *testing.T) {
	inner := NewError(ErrCodeAuthFailure, "bad tag")
	outer := NewError(ErrCodeVaultLoad, "load").WithCause(inner)
	wrapped := fmt.Errorf("open: %w", outer)

	assert.True(t, IsCode(wrapped, ErrCodeVaultLoad))
	assert.True(t, IsCode(wrapped, ErrCodeAuthFailure))
	assert.False(t, IsCode(wrapped, ErrCodeStore))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeStore))
	assert.False(t, IsCode(nil, ErrCodeStore))

	var ve *VaultError
	require.ErrorAs(t, wrapped, &ve)
	assert.Equal(t, ErrCodeVaultLoad, ve.Code)
}
