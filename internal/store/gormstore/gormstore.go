// Package gormstore implements the authoritative remote ledger store on
// GORM, with SQLite for development and Postgres in production.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	defaultMetadataJSON   = "{}"

	errorOperationStore = "store"
	errorSubjectRecord  = "record"
	errorSubjectEvent   = "event"
	errorCodeDecode     = "decode"
	errorCodeEncode     = "encode"
	errorCodeInsert     = "insert"
	errorCodePull       = "pull"
	errorCodePush       = "push"
)

// Store implements accrual.RemoteStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the ledger tables. Used for SQLite; Postgres schemas are
// managed externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&LedgerRecord{}, &LedgerEvent{})
}

// Pull fetches the authoritative record for a user.
func (store *Store) Pull(ctx context.Context, userID accrual.UserID) (accrual.RemoteRecord, bool, error) {
	var row LedgerRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return accrual.RemoteRecord{}, false, nil
	}
	if err != nil {
		return accrual.RemoteRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodePull, err)
	}
	record, err := mapLedgerRecord(row)
	if err != nil {
		return accrual.RemoteRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeDecode, err)
	}
	return record, true, nil
}

// Push upserts the record. Writing the same snapshot twice leaves the row
// unchanged beyond its bookkeeping timestamp.
func (store *Store) Push(ctx context.Context, record accrual.RemoteRecord) error {
	row := LedgerRecord{
		UserID:          record.UserID,
		CurrentEarnings: record.CurrentEarnings.String(),
		TotalEarned:     record.TotalEarned.String(),
		EarningRate:     record.EarningRate.String(),
		Principal:       record.Principal.String(),
		LastUpdate:      record.LastUpdate.UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodePush, err)
	}
	return nil
}

// AppendEvent inserts an audit line. A replayed event id is treated as
// already recorded, not as a failure.
func (store *Store) AppendEvent(ctx context.Context, event accrual.Event) error {
	metadata, err := encodeMetadata(event.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeEncode, err)
	}
	row := LedgerEvent{
		UserID:    event.UserID,
		Kind:      string(event.Kind),
		Amount:    event.Amount.String(),
		Metadata:  metadata,
		CreatedAt: event.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// ListEvents returns the most recent audit lines for a user.
func (store *Store) ListEvents(ctx context.Context, userID accrual.UserID, limit int) ([]accrual.Event, error) {
	var rows []LedgerEvent
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodePull, err)
	}
	events := make([]accrual.Event, 0, len(rows))
	for _, row := range rows {
		event, err := mapLedgerEvent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeDecode, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func mapLedgerRecord(row LedgerRecord) (accrual.RemoteRecord, error) {
	currentEarnings, err := decimal.NewFromString(row.CurrentEarnings)
	if err != nil {
		return accrual.RemoteRecord{}, err
	}
	totalEarned, err := decimal.NewFromString(row.TotalEarned)
	if err != nil {
		return accrual.RemoteRecord{}, err
	}
	earningRate, err := decimal.NewFromString(row.EarningRate)
	if err != nil {
		return accrual.RemoteRecord{}, err
	}
	principal, err := decimal.NewFromString(row.Principal)
	if err != nil {
		return accrual.RemoteRecord{}, err
	}
	return accrual.RemoteRecord{
		UserID:          row.UserID,
		CurrentEarnings: currentEarnings,
		TotalEarned:     totalEarned,
		EarningRate:     earningRate,
		Principal:       principal,
		LastUpdate:      row.LastUpdate.UTC(),
	}, nil
}

func mapLedgerEvent(row LedgerEvent) (accrual.Event, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return accrual.Event{}, err
	}
	return accrual.Event{
		UserID:    row.UserID,
		Kind:      accrual.EventKind(row.Kind),
		Amount:    amount,
		CreatedAt: row.CreatedAt.UTC(),
	}, nil
}

func encodeMetadata(metadata map[string]any) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON)), nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(payload), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return accrual.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
