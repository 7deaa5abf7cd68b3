package secrets

import (
	"context"

	"github.com/rendis/credvault/pkg/schema"
)

// Vault is the credential catalog surface used by the CLI, the admin API
// and the MCP server. Read operations never fail; not-found is reported
// through the boolean results.
type Vault interface {
	AddCredential(ctx context.Context, c schema.Credential) error
	UpdateCredentialValue(ctx context.Context, id, value string) (bool, error)
	GetCredential(id string) (schema.Credential, bool)
	RemoveCredential(ctx context.Context, id string) (bool, error)
	ListCredentials() []schema.CredentialSummary
	EnvForApp(appID string) map[string]string
}

// Observer is notified after a mutation has been durably written.
// Events never carry credential values.
type Observer interface {
	CredentialChanged(ctx context.Context, event schema.ChangeEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event schema.ChangeEvent) error

func (f ObserverFunc) CredentialChanged(ctx context.Context, event schema.ChangeEvent) error {
	return f(ctx, event)
}

// CatalogValidator checks a decrypted catalog document before it is accepted.
// Satisfied by validation.JSONSchemaValidator.
type CatalogValidator interface {
	ValidateCatalog(doc []byte) error
}

// RefreshSink receives a rotated value for one credential, e.g. a new OAuth
// refresh token. Token-refresh components call it instead of reaching into
// the vault.
type RefreshSink interface {
	OnRefreshed(newValue string) error
}

// RefreshFunc adapts a function to RefreshSink.
type RefreshFunc func(newValue string) error

func (f RefreshFunc) OnRefreshed(newValue string) error { return f(newValue) }
