package accrual

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger tracks a continuously accruing reward balance. It is a plain
// in-memory state machine: every operation is total, takes an explicit
// clock reading, and clamps negative time deltas to zero. Callers are
// responsible for serializing access (the session run loop does).
type Ledger struct {
	snapshot    Snapshot
	totalEarned decimal.Decimal
	schedule    TierSchedule
	gapCursor   time.Time
	logger      OperationLogger
}

// NewLedger wires a Ledger from a (possibly restored) snapshot. The
// snapshot is sanitized rather than rejected: malformed persisted state
// degrades to a fresh zero ledger, never to an error in the tick path.
func NewLedger(snapshot Snapshot, schedule TierSchedule, now time.Time, options ...LedgerOption) (*Ledger, error) {
	if len(schedule.tiers) == 0 {
		return nil, fmt.Errorf("%w: empty tier schedule", ErrInvalidLedgerConfig)
	}
	sanitized := SanitizeSnapshot(snapshot, now)
	ledger := &Ledger{
		snapshot:    sanitized,
		totalEarned: sanitized.TotalEarned,
		schedule:    schedule,
	}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	return ledger, nil
}

// Advance folds the time elapsed since LastUpdate into the accrued
// balance. Negative deltas clamp to zero and never move LastUpdate
// backward. Returns the amount added.
func (ledger *Ledger) Advance(now time.Time) decimal.Decimal {
	now = now.UTC()
	if !ledger.snapshot.Active {
		if now.After(ledger.snapshot.LastUpdate) {
			ledger.snapshot.LastUpdate = now
		}
		return decimal.Zero
	}
	delta := now.Sub(ledger.snapshot.LastUpdate)
	if delta <= 0 {
		return decimal.Zero
	}
	earned := ledger.snapshot.Rate.Mul(decimal.New(delta.Milliseconds(), -3))
	ledger.snapshot.Accrued = ledger.snapshot.Accrued.Add(earned)
	ledger.snapshot.LastUpdate = now
	return earned
}

// Rerate flushes accrual under the current rate, then recomputes the rate
// from the tier in force today. Tier progression never applies
// retroactively.
func (ledger *Ledger) Rerate(now time.Time) {
	ledger.Advance(now)
	ledger.snapshot.Rate = PerSecondRate(ledger.snapshot.Principal, ElapsedWholeDays(ledger.snapshot.StartedAt, now.UTC()), ledger.schedule)
}

// ReconcileWithRemote merges an authoritative remote record: the remote
// value wins for the past, the local rate replays the time since the
// remote snapshot was taken. A stale remote row can therefore never pull
// the balance below what local accrual has already earned.
func (ledger *Ledger) ReconcileWithRemote(remote RemoteRecord, now time.Time) {
	now = now.UTC()
	localAdvanced := ledger.snapshot.Accrued
	if ledger.snapshot.Active {
		localDelta := now.Sub(ledger.snapshot.LastUpdate)
		if localDelta > 0 {
			localAdvanced = localAdvanced.Add(ledger.snapshot.Rate.Mul(decimal.New(localDelta.Milliseconds(), -3)))
		}
	}

	remoteAccrued := remote.CurrentEarnings
	if remoteAccrued.IsNegative() {
		remoteAccrued = decimal.Zero
	}
	replayed := remoteAccrued
	if ledger.snapshot.Active {
		remoteDelta := now.Sub(remote.LastUpdate.UTC())
		if remoteDelta > 0 {
			replayed = replayed.Add(ledger.snapshot.Rate.Mul(decimal.New(remoteDelta.Milliseconds(), -3)))
		}
	}

	merged := replayed
	if localAdvanced.GreaterThan(merged) {
		merged = localAdvanced
	}
	ledger.snapshot.Accrued = merged
	if now.After(ledger.snapshot.LastUpdate) {
		ledger.snapshot.LastUpdate = now
	}
	if !remote.TotalEarned.IsNegative() && remote.TotalEarned.GreaterThan(ledger.totalEarned) {
		ledger.totalEarned = remote.TotalEarned
	}
	if !remote.Principal.Equal(ledger.snapshot.Principal) && !remote.Principal.IsNegative() {
		ledger.adoptPrincipal(remote.Principal, now)
	}
	ledger.logOperation(OperationLog{Operation: operationReconcile, Amount: ledger.snapshot.Accrued, At: now, Status: operationStatusOK})
}

// ApplyOfflineGap credits the time the session spent in background at the
// rate that was in force when it was suspended. A given suspend instant is
// applied at most once; repeat calls are no-ops.
func (ledger *Ledger) ApplyOfflineGap(resumeNow time.Time, suspendedAt time.Time, rateAtSuspend decimal.Decimal) decimal.Decimal {
	resumeNow = resumeNow.UTC()
	suspendedAt = suspendedAt.UTC()
	if !suspendedAt.After(ledger.gapCursor) {
		ledger.logOperation(OperationLog{Operation: operationOfflineGap, Amount: decimal.Zero, At: resumeNow, Status: operationStatusSkipped})
		return decimal.Zero
	}
	ledger.gapCursor = suspendedAt

	// Flush any accrual still owed before the suspend instant, then credit
	// the gap itself. Time the ledger already advanced past the suspend
	// instant (reads issued mid-suspension move LastUpdate forward) is not
	// credited again.
	ledger.Advance(suspendedAt)
	gapStart := suspendedAt
	if ledger.snapshot.LastUpdate.After(gapStart) {
		gapStart = ledger.snapshot.LastUpdate
	}
	gap := resumeNow.Sub(gapStart)
	if gap < 0 {
		gap = 0
	}
	if rateAtSuspend.IsNegative() {
		rateAtSuspend = decimal.Zero
	}
	earned := rateAtSuspend.Mul(decimal.New(gap.Milliseconds(), -3))
	ledger.snapshot.Accrued = ledger.snapshot.Accrued.Add(earned)
	if resumeNow.After(ledger.snapshot.LastUpdate) {
		ledger.snapshot.LastUpdate = resumeNow
	}
	ledger.logOperation(OperationLog{Operation: operationOfflineGap, Amount: earned, At: resumeNow, Status: operationStatusOK})
	return earned
}

// Reset zeroes the accrued balance after flushing the final tick and
// returns the claimed amount. Used exclusively by the claim flow.
func (ledger *Ledger) Reset(now time.Time) decimal.Decimal {
	now = now.UTC()
	ledger.Advance(now)
	claimed := ledger.snapshot.Accrued
	ledger.snapshot.Accrued = decimal.Zero
	if now.After(ledger.snapshot.LastUpdate) {
		ledger.snapshot.LastUpdate = now
	}
	ledger.totalEarned = ledger.totalEarned.Add(claimed)
	ledger.logOperation(OperationLog{Operation: operationReset, Amount: claimed, At: now, Status: operationStatusOK})
	return claimed
}

// SetPrincipal flushes accrual under the old rate, then rerates from the
// new principal. Already-accrued value is never touched.
func (ledger *Ledger) SetPrincipal(newPrincipal decimal.Decimal, now time.Time) {
	now = now.UTC()
	ledger.Advance(now)
	ledger.adoptPrincipal(newPrincipal, now)
	ledger.logOperation(OperationLog{Operation: operationSetPrincipal, Amount: ledger.snapshot.Principal, At: now, Status: operationStatusOK})
}

func (ledger *Ledger) adoptPrincipal(newPrincipal decimal.Decimal, now time.Time) {
	if newPrincipal.IsNegative() {
		newPrincipal = decimal.Zero
	}
	wasActive := ledger.snapshot.Active
	ledger.snapshot.Principal = newPrincipal
	ledger.snapshot.Active = newPrincipal.IsPositive()
	if ledger.snapshot.Active && !wasActive {
		ledger.snapshot.StartedAt = now
	}
	if ledger.snapshot.Active {
		ledger.snapshot.Rate = PerSecondRate(newPrincipal, ElapsedWholeDays(ledger.snapshot.StartedAt, now), ledger.schedule)
	} else {
		ledger.snapshot.Rate = decimal.Zero
	}
}

// Snapshot returns a copy of the current ledger state.
func (ledger *Ledger) Snapshot() Snapshot {
	snapshot := ledger.snapshot
	snapshot.TotalEarned = ledger.totalEarned
	return snapshot
}

// TotalEarned returns the lifetime claimed amount.
func (ledger *Ledger) TotalEarned() decimal.Decimal {
	return ledger.totalEarned
}

// PrincipalStart returns the instant the current principal became positive.
func (ledger *Ledger) PrincipalStart() time.Time {
	return ledger.snapshot.StartedAt
}

func (ledger *Ledger) logOperation(entry OperationLog) {
	if ledger.logger == nil {
		return
	}
	ledger.logger.LogOperation(entry)
}
