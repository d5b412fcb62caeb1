package accrual

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerOption configures a Ledger instance.
type LedgerOption func(*Ledger)

// OperationLogger records domain-level events emitted by ledger operations.
type OperationLogger interface {
	LogOperation(entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	Amount    decimal.Decimal
	At        time.Time
	Status    string
}

// WithOperationLogger wires a logger that receives callbacks for every
// state-changing operation.
func WithOperationLogger(logger OperationLogger) LedgerOption {
	return func(ledger *Ledger) {
		ledger.logger = logger
	}
}
