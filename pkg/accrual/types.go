package accrual

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies a ledger owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// Snapshot is the serializable state of one accrual ledger. StartedAt is
// the instant the current principal became positive; tier progression is
// measured from it. TotalEarned is the lifetime claimed amount, carried in
// the snapshot so it survives restarts without a remote round trip.
type Snapshot struct {
	Principal   decimal.Decimal
	Rate        decimal.Decimal
	Accrued     decimal.Decimal
	TotalEarned decimal.Decimal
	LastUpdate  time.Time
	StartedAt   time.Time
	Active      bool
}

// SanitizeSnapshot clamps a snapshot loaded from untrusted storage into a
// usable state. Negative principals deactivate the ledger, negative accrued
// values clamp to zero, and a zero LastUpdate is replaced with now.
func SanitizeSnapshot(snapshot Snapshot, now time.Time) Snapshot {
	if snapshot.Principal.IsNegative() {
		snapshot.Principal = decimal.Zero
	}
	if snapshot.Rate.IsNegative() {
		snapshot.Rate = decimal.Zero
	}
	if snapshot.Accrued.IsNegative() {
		snapshot.Accrued = decimal.Zero
	}
	if snapshot.TotalEarned.IsNegative() {
		snapshot.TotalEarned = decimal.Zero
	}
	snapshot.Active = snapshot.Principal.IsPositive()
	if !snapshot.Active {
		snapshot.Rate = decimal.Zero
	}
	if snapshot.LastUpdate.IsZero() {
		snapshot.LastUpdate = now
	}
	snapshot.LastUpdate = snapshot.LastUpdate.UTC()
	if snapshot.StartedAt.IsZero() {
		snapshot.StartedAt = snapshot.LastUpdate
	}
	snapshot.StartedAt = snapshot.StartedAt.UTC()
	return snapshot
}

// ParsePrincipal validates a principal supplied by an external caller.
// The ledger itself clamps rather than errors; this is the boundary check
// for values arriving over the API.
func ParsePrincipal(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidPrincipal, raw)
	}
	if value.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: negative value %s", ErrInvalidPrincipal, value)
	}
	return value, nil
}

// GapRecord captures the instant the session went to background and the
// rate in force at that moment. It is consumed exactly once on resume.
type GapRecord struct {
	SuspendedAt time.Time
	Rate        decimal.Decimal
}

// RemoteRecord is the authoritative row exchanged with the backing store.
type RemoteRecord struct {
	UserID          string
	CurrentEarnings decimal.Decimal
	TotalEarned     decimal.Decimal
	EarningRate     decimal.Decimal
	Principal       decimal.Decimal
	LastUpdate      time.Time
}

// EventKind enumerates ledger audit event kinds.
type EventKind string

const (
	EventClaim        EventKind = "claim"
	EventReconcile    EventKind = "reconcile"
	EventSetPrincipal EventKind = "set_principal"
)

// Event is an append-only audit line recorded alongside remote pushes.
type Event struct {
	UserID    string
	Kind      EventKind
	Amount    decimal.Decimal
	Metadata  map[string]any
	CreatedAt time.Time
}

// SnapshotStore persists the local snapshot and the offline-gap record.
// Implementations treat malformed content as absent, never as an error the
// tick loop has to handle.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, userID UserID, snapshot Snapshot) error
	LoadSnapshot(ctx context.Context, userID UserID) (Snapshot, bool, error)
	SaveGap(ctx context.Context, userID UserID, record GapRecord) error
	TakeGap(ctx context.Context, userID UserID) (GapRecord, bool, error)
}

// RemoteStore is the authoritative backing store the synchronizer talks to.
type RemoteStore interface {
	Pull(ctx context.Context, userID UserID) (RemoteRecord, bool, error)
	Push(ctx context.Context, record RemoteRecord) error
	AppendEvent(ctx context.Context, event Event) error
}
