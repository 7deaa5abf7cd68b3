package streaming

import (
	"context"
	"errors"

	"github.com/rendis/credvault/pkg/schema"
)

// HubObserver publishes vault change events to an EventHub.
// It satisfies secrets.Observer.
type HubObserver struct {
	hub EventHub
}

// NewHubObserver wraps hub.
func NewHubObserver(hub EventHub) *HubObserver {
	return &HubObserver{hub: hub}
}

func (o *HubObserver) CredentialChanged(ctx context.Context, ev schema.ChangeEvent) error {
	return o.hub.Publish(ctx, FromChange(ev))
}

// ChangeObserver is the observer shape shared by the vault, the audit log
// and the hub.
type ChangeObserver interface {
	CredentialChanged(ctx context.Context, ev schema.ChangeEvent) error
}

// Fanout delivers each event to every observer in order. All observers run
// even when one fails; the errors are joined.
type Fanout []ChangeObserver

func (f Fanout) CredentialChanged(ctx context.Context, ev schema.ChangeEvent) error {
	var errs []error
	for _, o := range f {
		if o == nil {
			continue
		}
		if err := o.CredentialChanged(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
