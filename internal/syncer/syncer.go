// Package syncer reconciles local ledger state against the authoritative
// remote store. Push failures are logged and absorbed; the local ledger is
// the source of truth for the live session, the remote row is an
// eventually-consistent backing store.
package syncer

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
)

// Syncer wraps a RemoteStore with logging and record conversion.
type Syncer struct {
	remote accrual.RemoteStore
	logger *zap.Logger
}

// New wires a Syncer.
func New(remote accrual.RemoteStore, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{remote: remote, logger: logger}
}

// Pull fetches the authoritative record for the user. Errors surface to the
// caller: a failed startup pull means reconciliation is skipped, not that
// the session cannot start.
func (synchronizer *Syncer) Pull(ctx context.Context, userID accrual.UserID) (accrual.RemoteRecord, bool, error) {
	record, found, err := synchronizer.remote.Pull(ctx, userID)
	if err != nil {
		synchronizer.logger.Warn("remote pull failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return accrual.RemoteRecord{}, false, err
	}
	return record, found, nil
}

// Push writes the current ledger state upstream. Returns false on failure;
// the caller retries on its next sync interval and local accrual continues
// untouched either way.
func (synchronizer *Syncer) Push(ctx context.Context, userID accrual.UserID, snapshot accrual.Snapshot, totalEarned decimal.Decimal) bool {
	record := accrual.RemoteRecord{
		UserID:          userID.String(),
		CurrentEarnings: snapshot.Accrued,
		TotalEarned:     totalEarned,
		EarningRate:     snapshot.Rate,
		Principal:       snapshot.Principal,
		LastUpdate:      snapshot.LastUpdate,
	}
	if err := synchronizer.remote.Push(ctx, record); err != nil {
		synchronizer.logger.Warn("remote push failed, will retry on next interval",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return false
	}
	return true
}

// RecordEvent appends an audit line upstream, best effort.
func (synchronizer *Syncer) RecordEvent(ctx context.Context, event accrual.Event) {
	if err := synchronizer.remote.AppendEvent(ctx, event); err != nil {
		synchronizer.logger.Warn("event append failed",
			zap.String("user_id", event.UserID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}
