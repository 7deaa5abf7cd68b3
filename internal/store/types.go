package store

import (
	"encoding/json"
	"time"
)

// AuditEntry is an immutable record of one vault mutation or check.
type AuditEntry struct {
	ID           string          `json:"id"`
	VaultPath    string          `json:"vault_path"`
	Sequence     int64           `json:"sequence"`
	Action       string          `json:"action"`
	CredentialID string          `json:"credential_id,omitempty"`
	Actor        string          `json:"actor,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// AuditFilter narrows ListAudit. Zero values are ignored.
type AuditFilter struct {
	VaultPath    string
	CredentialID string
	Action       string
	Actor        string
	Since        *time.Time
	Limit        int
}

// Verification is the outcome of one integrity check of a vault file.
type Verification struct {
	ID          int64     `json:"id"`
	VaultPath   string    `json:"vault_path"`
	OK          bool      `json:"ok"`
	Credentials int       `json:"credentials"`
	Diverged    bool      `json:"diverged"`
	Error       string    `json:"error,omitempty"`
	Trigger     string    `json:"trigger"`
	CheckedAt   time.Time `json:"checked_at"`
}
