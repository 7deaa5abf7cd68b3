package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/pkg/schema"
)

// AuditObserver records vault change events in an AuditStore. It satisfies
// secrets.Observer. Actor and request id come from the context.
type AuditObserver struct {
	store AuditStore
}

// NewAuditObserver wraps s.
func NewAuditObserver(s AuditStore) *AuditObserver {
	return &AuditObserver{store: s}
}

func (o *AuditObserver) CredentialChanged(ctx context.Context, ev schema.ChangeEvent) error {
	var details json.RawMessage
	if len(ev.Scopes) > 0 {
		b, err := json.Marshal(map[string]any{"scopes": ev.Scopes})
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = b
	}
	entry := &AuditEntry{
		VaultPath:    ev.VaultPath,
		Action:       ev.Type,
		CredentialID: ev.CredentialID,
		Actor:        logging.Actor(ctx),
		RequestID:    logging.RequestID(ctx),
		Details:      details,
		Timestamp:    ev.At,
	}
	if err := o.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
