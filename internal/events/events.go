// Package events broadcasts ledger audit events to interested consumers.
package events

import (
	"context"

	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
)

// Publisher delivers ledger events to an external bus. Publishing is fire
// and forget from the session's point of view: a failed publish is logged
// by the caller and never blocks accrual.
type Publisher interface {
	Publish(ctx context.Context, event accrual.Event) error
	Close() error
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(context.Context, accrual.Event) error { return nil }

// Close is a no-op.
func (Nop) Close() error { return nil }
