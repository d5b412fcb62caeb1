// Package pgstore implements the remote ledger store directly on pgx.
// It targets the same schema as gormstore and suits deployments that
// already carry a pgx pool and do not want gorm in the hot path.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "pgstore"
	errorSubjectRecord    = "record"
	errorSubjectEvent     = "event"
	errorCodeGet          = "get"
	errorCodeUpsert       = "upsert"
	errorCodeInsert       = "insert"
	errorCodeList         = "list"
	errorCodeDecode       = "decode"

	sqlUpsertRecord = `
		insert into ledger_records(
			user_id, principal, current_earnings, total_earned, earning_rate, last_update, updated_at
		)
		values($1, $2, $3, $4, $5, $6, now())
		on conflict (user_id) do update set
			principal = excluded.principal,
			current_earnings = excluded.current_earnings,
			total_earned = excluded.total_earned,
			earning_rate = excluded.earning_rate,
			last_update = excluded.last_update,
			updated_at = now()
	`

	sqlSelectRecord = `
		select principal, current_earnings, total_earned, earning_rate, last_update
		from ledger_records
		where user_id = $1
	`

	sqlInsertEvent = `
		insert into ledger_events(event_id, user_id, kind, amount, metadata, created_at)
		values($1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, $6)
		on conflict (event_id) do nothing
	`

	sqlListEvents = `
		select user_id, kind, amount, coalesce(metadata::text,'{}'), created_at
		from ledger_events
		where user_id = $1
		order by created_at desc
		limit $2
	`
)

// Store implements accrual.RemoteStore using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pull fetches the authoritative record for the user.
func (store *Store) Pull(ctx context.Context, userID accrual.UserID) (accrual.RemoteRecord, bool, error) {
	var (
		principal       string
		currentEarnings string
		totalEarned     string
		earningRate     string
		lastUpdate      time.Time
	)
	row := store.pool.QueryRow(ctx, sqlSelectRecord, userID.String())
	if err := row.Scan(&principal, &currentEarnings, &totalEarned, &earningRate, &lastUpdate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return accrual.RemoteRecord{}, false, nil
		}
		return accrual.RemoteRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeGet, err)
	}
	record := accrual.RemoteRecord{UserID: userID.String(), LastUpdate: lastUpdate.UTC()}
	var err error
	if record.Principal, err = decimal.NewFromString(principal); err != nil {
		return accrual.RemoteRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeDecode, err)
	}
	if record.CurrentEarnings, err = decimal.NewFromString(currentEarnings); err != nil {
		return accrual.RemoteRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeDecode, err)
	}
	if record.TotalEarned, err = decimal.NewFromString(totalEarned); err != nil {
		return accrual.RemoteRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeDecode, err)
	}
	if record.EarningRate, err = decimal.NewFromString(earningRate); err != nil {
		return accrual.RemoteRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeDecode, err)
	}
	return record, true, nil
}

// Push upserts the record keyed by user id.
func (store *Store) Push(ctx context.Context, record accrual.RemoteRecord) error {
	_, err := store.pool.Exec(ctx, sqlUpsertRecord,
		record.UserID,
		record.Principal.String(),
		record.CurrentEarnings.String(),
		record.TotalEarned.String(),
		record.EarningRate.String(),
		record.LastUpdate.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeUpsert, err)
	}
	return nil
}

// AppendEvent records an audit event. Replays of the same event id are
// absorbed silently.
func (store *Store) AppendEvent(ctx context.Context, event accrual.Event) error {
	metadata := ""
	if event.Metadata != nil {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return wrapStoreError(errorSubjectEvent, errorCodeDecode, err)
		}
		metadata = string(encoded)
	}
	_, err := store.pool.Exec(ctx, sqlInsertEvent,
		uuid.NewString(),
		event.UserID,
		string(event.Kind),
		event.Amount.String(),
		metadata,
		event.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// ListEvents returns the most recent events for the user, newest first.
func (store *Store) ListEvents(ctx context.Context, userID accrual.UserID, limit int) ([]accrual.Event, error) {
	rows, err := store.pool.Query(ctx, sqlListEvents, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	defer rows.Close()

	var listed []accrual.Event
	for rows.Next() {
		var (
			event     accrual.Event
			kind      string
			amount    string
			metadata  string
			createdAt time.Time
		)
		if err := rows.Scan(&event.UserID, &kind, &amount, &metadata, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
		}
		event.Kind = accrual.EventKind(kind)
		event.CreatedAt = createdAt.UTC()
		if event.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeDecode, err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
				return nil, wrapStoreError(errorSubjectEvent, errorCodeDecode, err)
			}
		}
		listed = append(listed, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	return listed, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return accrual.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
