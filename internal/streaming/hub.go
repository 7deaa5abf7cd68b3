package streaming

import (
	"context"

	"github.com/rendis/credvault/pkg/schema"
)

// StreamEvent is a real-time vault event. It never carries a credential value.
type StreamEvent struct {
	VaultPath    string   `json:"vault_path"`
	CredentialID string   `json:"credential_id,omitempty"`
	EventType    string   `json:"event_type"`
	Scopes       []string `json:"scopes,omitempty"`
	Payload      any      `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	CredentialID string   `json:"credential_id,omitempty"`
	EventTypes   []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time vault events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// FromChange converts a vault change event to a stream event.
func FromChange(ev schema.ChangeEvent) StreamEvent {
	return StreamEvent{
		VaultPath:    ev.VaultPath,
		CredentialID: ev.CredentialID,
		EventType:    ev.Type,
		Scopes:       ev.Scopes,
		Payload:      map[string]any{"at": ev.At},
	}
}
