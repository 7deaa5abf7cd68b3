package schema

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Scope tags.
const (
	ScopeGlobal    = "global"
	AppScopePrefix = "app:"
)

// TimeLayout is the ISO-8601 layout used for Credential.UpdatedAt.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Credential is a named secret record. ID doubles as the environment
// variable name when projected for an application.
type Credential struct {
	ID          string            `json:"id"`
	Value       string            `json:"value"`
	Description string            `json:"description"`
	Scopes      []string          `json:"scopes"`
	Metadata    map[string]string `json:"metadata"`
	UpdatedAt   string            `json:"updatedAt"`
}

// CredentialSummary is a Credential without its value. It is the only shape
// returned by listing and display operations.
type CredentialSummary struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Scopes      []string          `json:"scopes"`
	Metadata    map[string]string `json:"metadata"`
	UpdatedAt   string            `json:"updatedAt"`
}

// Catalog is the plaintext payload encrypted as a whole on every save.
type Catalog struct {
	Credentials []Credential `json:"credentials"`
}

// EncryptedBlob is the on-disk representation of the encrypted catalog.
type EncryptedBlob struct {
	IV      string `json:"iv"`
	Content string `json:"content"`
	AuthTag string `json:"authTag"`
}

// AppScope returns the scope tag for an application.
func AppScope(appID string) string {
	return AppScopePrefix + appID
}

// NormalizeScopes deduplicates scopes preserving first occurrence.
// An empty list defaults to the global scope.
func NormalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{ScopeGlobal}
	}
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// VisibleTo reports whether the credential is visible to appID: its scopes
// contain "global" or "app:<appID>". Matching is exact.
func (c *Credential) VisibleTo(appID string) bool {
	want := AppScope(appID)
	for _, s := range c.Scopes {
		if s == ScopeGlobal || s == want {
			return true
		}
	}
	return false
}

// Summary strips the value.
func (c *Credential) Summary() CredentialSummary {
	return CredentialSummary{
		ID:          c.ID,
		Description: c.Description,
		Scopes:      slices.Clone(c.Scopes),
		Metadata:    maps.Clone(c.Metadata),
		UpdatedAt:   c.UpdatedAt,
	}
}

// Clone returns a deep copy.
func (c Credential) Clone() Credential {
	c.Scopes = slices.Clone(c.Scopes)
	c.Metadata = maps.Clone(c.Metadata)
	return c
}

// ToMap exposes the summary as a generic map for selector engines.
func (s CredentialSummary) ToMap() map[string]any {
	scopes := make([]any, len(s.Scopes))
	for i, v := range s.Scopes {
		scopes[i] = v
	}
	meta := make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"id":          s.ID,
		"description": s.Description,
		"scopes":      scopes,
		"metadata":    meta,
		"updatedAt":   s.UpdatedAt,
	}
}

// FormatTime renders t in the credential timestamp layout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// IsAppScope reports whether scope names a single application.
func IsAppScope(scope string) bool {
	return strings.HasPrefix(scope, AppScopePrefix) && len(scope) > len(AppScopePrefix)
}
