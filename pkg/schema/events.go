package schema

import "time"

// Event type constants for vault change notifications and the audit log.
const (
	EventCredentialAdded    = "credential_added"
	EventCredentialReplaced = "credential_replaced"
	EventValueUpdated       = "credential_value_updated"
	EventCredentialRemoved  = "credential_removed"

	EventVaultCreated      = "vault_created"
	EventVaultVerified     = "vault_verified"
	EventVaultVerifyFailed = "vault_verify_failed"

	EventEnvProjected = "env_projected"
)

// ChangeEvent describes a persisted vault mutation. It never carries a
// credential value.
type ChangeEvent struct {
	Type         string    `json:"type"`
	CredentialID string    `json:"credential_id,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	VaultPath    string    `json:"vault_path"`
	At           time.Time `json:"at"`
}
