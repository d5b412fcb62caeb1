// Package filestore persists per-user ledger snapshots and offline-gap
// records as JSON blobs on disk. Malformed or missing blobs read back as
// absent: the caller reinitializes a zero ledger instead of failing.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
)

const (
	snapshotSuffix = ".json"
	gapSuffix      = ".gap.json"
	fileMode       = 0o644
	dirMode        = 0o755

	errorOperationStore  = "filestore"
	errorSubjectSnapshot = "snapshot"
	errorSubjectGap      = "gap"
	errorCodeEncode      = "encode"
	errorCodeWrite       = "write"
	errorCodeDelete      = "delete"
)

// Store implements accrual.SnapshotStore on a flat directory.
type Store struct {
	directory string
}

// New creates the backing directory if needed and returns a Store.
func New(directory string) (*Store, error) {
	if err := os.MkdirAll(directory, dirMode); err != nil {
		return nil, accrual.WrapError(errorOperationStore, errorSubjectSnapshot, errorCodeWrite, err)
	}
	return &Store{directory: directory}, nil
}

// snapshotBlob mirrors the persisted local key. Timestamps are epoch
// milliseconds, decimals round-trip as strings. Pointer fields let Load
// distinguish a missing field from a zero value.
type snapshotBlob struct {
	LastUpdateMillis *int64           `json:"lastUpdate"`
	CurrentEarnings  *decimal.Decimal `json:"currentEarnings"`
	BaseEarningRate  *decimal.Decimal `json:"baseEarningRate"`
	Principal        *decimal.Decimal `json:"principal"`
	IsActive         *bool            `json:"isActive"`
	// Optional: older blobs may not carry them. Tier progression then
	// restarts from LastUpdate, and the lifetime total reads as zero until
	// the next remote reconcile.
	PrincipalStartMillis *int64           `json:"principalStart,omitempty"`
	TotalEarned          *decimal.Decimal `json:"totalEarned,omitempty"`
}

type gapBlob struct {
	LastActiveMillis *int64           `json:"lastActiveTimestamp"`
	BaseEarningRate  *decimal.Decimal `json:"baseEarningRate"`
}

// SaveSnapshot writes the snapshot blob atomically (temp file + rename).
func (store *Store) SaveSnapshot(ctx context.Context, userID accrual.UserID, snapshot accrual.Snapshot) error {
	lastUpdateMillis := snapshot.LastUpdate.UTC().UnixMilli()
	blob := snapshotBlob{
		LastUpdateMillis: &lastUpdateMillis,
		CurrentEarnings:  &snapshot.Accrued,
		BaseEarningRate:  &snapshot.Rate,
		Principal:        &snapshot.Principal,
		IsActive:         &snapshot.Active,
		TotalEarned:      &snapshot.TotalEarned,
	}
	if !snapshot.StartedAt.IsZero() {
		startedAtMillis := snapshot.StartedAt.UTC().UnixMilli()
		blob.PrincipalStartMillis = &startedAtMillis
	}
	return store.writeBlob(store.snapshotPath(userID), blob, errorSubjectSnapshot)
}

// LoadSnapshot reads the snapshot blob. Absent or malformed content
// returns found=false with no error.
func (store *Store) LoadSnapshot(ctx context.Context, userID accrual.UserID) (accrual.Snapshot, bool, error) {
	var blob snapshotBlob
	if !store.readBlob(store.snapshotPath(userID), &blob) {
		return accrual.Snapshot{}, false, nil
	}
	if blob.LastUpdateMillis == nil || blob.CurrentEarnings == nil || blob.BaseEarningRate == nil || blob.Principal == nil || blob.IsActive == nil {
		return accrual.Snapshot{}, false, nil
	}
	snapshot := accrual.Snapshot{
		Principal:  *blob.Principal,
		Rate:       *blob.BaseEarningRate,
		Accrued:    *blob.CurrentEarnings,
		LastUpdate: time.UnixMilli(*blob.LastUpdateMillis).UTC(),
		Active:     *blob.IsActive,
	}
	if blob.PrincipalStartMillis != nil {
		snapshot.StartedAt = time.UnixMilli(*blob.PrincipalStartMillis).UTC()
	}
	if blob.TotalEarned != nil {
		snapshot.TotalEarned = *blob.TotalEarned
	}
	return snapshot, true, nil
}

// SaveGap records the suspend instant and the rate in force at that moment.
func (store *Store) SaveGap(ctx context.Context, userID accrual.UserID, record accrual.GapRecord) error {
	lastActiveMillis := record.SuspendedAt.UTC().UnixMilli()
	blob := gapBlob{
		LastActiveMillis: &lastActiveMillis,
		BaseEarningRate:  &record.Rate,
	}
	return store.writeBlob(store.gapPath(userID), blob, errorSubjectGap)
}

// TakeGap consumes the gap record: whatever the outcome, the blob is gone
// afterwards, so a later resume cannot reapply it.
func (store *Store) TakeGap(ctx context.Context, userID accrual.UserID) (accrual.GapRecord, bool, error) {
	path := store.gapPath(userID)
	var blob gapBlob
	ok := store.readBlob(path, &blob)
	if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
		return accrual.GapRecord{}, false, accrual.WrapError(errorOperationStore, errorSubjectGap, errorCodeDelete, removeErr)
	}
	if !ok || blob.LastActiveMillis == nil || blob.BaseEarningRate == nil {
		return accrual.GapRecord{}, false, nil
	}
	record := accrual.GapRecord{
		SuspendedAt: time.UnixMilli(*blob.LastActiveMillis).UTC(),
		Rate:        *blob.BaseEarningRate,
	}
	return record, true, nil
}

func (store *Store) writeBlob(path string, blob any, subject string) error {
	payload, err := json.Marshal(blob)
	if err != nil {
		return accrual.WrapError(errorOperationStore, subject, errorCodeEncode, err)
	}
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, payload, fileMode); err != nil {
		return accrual.WrapError(errorOperationStore, subject, errorCodeWrite, err)
	}
	if err := os.Rename(temporary, path); err != nil {
		return accrual.WrapError(errorOperationStore, subject, errorCodeWrite, err)
	}
	return nil
}

func (store *Store) readBlob(path string, target any) bool {
	payload, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return false
	}
	return true
}

func (store *Store) snapshotPath(userID accrual.UserID) string {
	return filepath.Join(store.directory, url.PathEscape(userID.String())+snapshotSuffix)
}

func (store *Store) gapPath(userID accrual.UserID) string {
	return filepath.Join(store.directory, url.PathEscape(userID.String())+gapSuffix)
}
