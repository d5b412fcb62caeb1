package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerRecord mirrors the ledger_records table: one authoritative row per
// user. Decimal quantities are stored as strings so precision survives the
// round trip on every driver.
type LedgerRecord struct {
	UserID          string    `gorm:"primaryKey"`
	CurrentEarnings string    `gorm:"not null"`
	TotalEarned     string    `gorm:"not null"`
	EarningRate     string    `gorm:"not null"`
	Principal       string    `gorm:"not null"`
	LastUpdate      time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (LedgerRecord) TableName() string { return "ledger_records" }

// LedgerEvent mirrors the ledger_events table: an append-only audit log of
// claims, principal changes, and reconciles.
type LedgerEvent struct {
	EventID   string         `gorm:"type:uuid;primaryKey"`
	UserID    string         `gorm:"not null;index:idx_ledger_events_user_created,priority:1"`
	Kind      string         `gorm:"not null"`
	Amount    string         `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_ledger_events_user_created,priority:2"`
}

func (LedgerEvent) TableName() string { return "ledger_events" }

func (event *LedgerEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}
