package store

import "context"

// AuditStore defines the persistence contract for the audit trail.
// All implementations must be safe for concurrent use.
type AuditStore interface {
	// Audit log (append-only)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	GetAudit(ctx context.Context, id string) (*AuditEntry, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	CheckSequence(ctx context.Context, vaultPath string) error

	// Integrity checks
	RecordVerification(ctx context.Context, v *Verification) error
	LastVerification(ctx context.Context, vaultPath string) (*Verification, error)

	// Maintenance
	Migrate(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int, error)
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
