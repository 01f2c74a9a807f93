package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-retail/meridian-retail/internal/shared"
)

// TransactionType enumerates balance-changing events.
type TransactionType string

const (
	// TransactionTypeSale records stock leaving through a sale.
	TransactionTypeSale TransactionType = "sale"
	// TransactionTypePurchase records inbound stock from purchasing (GRN).
	TransactionTypePurchase TransactionType = "purchase"
	// TransactionTypeAdjustment records a manual count correction.
	TransactionTypeAdjustment TransactionType = "adjustment"
	// TransactionTypeTransferOut deducts the source location of a transfer.
	TransactionTypeTransferOut TransactionType = "transfer-out"
	// TransactionTypeTransferIn credits the destination of a transfer.
	TransactionTypeTransferIn TransactionType = "transfer-in"
	// TransactionTypeTransferCancel compensates a sent transfer on cancel.
	TransactionTypeTransferCancel TransactionType = "transfer-cancel"
)

// IsValid reports whether the type is known to the ledger.
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeSale, TransactionTypePurchase, TransactionTypeAdjustment,
		TransactionTypeTransferOut, TransactionTypeTransferIn, TransactionTypeTransferCancel:
		return true
	default:
		return false
	}
}

// Balance is the on-hand quantity of a variation at a location. Rows are
// created lazily on first mutation and never deleted.
type Balance struct {
	VariationID int64
	LocationID  int64
	Qty         decimal.Decimal
	UpdatedAt   time.Time
}

// Entry is one immutable transaction-log record. BalanceQty snapshots the
// balance after the delta was applied.
type Entry struct {
	ID          int64
	VariationID int64
	LocationID  int64
	Type        TransactionType
	Qty         decimal.Decimal
	BalanceQty  decimal.Decimal
	RefType     string
	RefID       string
	ActorID     int64
	ActorName   string
	Note        string
	CreatedAt   time.Time
}

// ChangeInput describes one balance mutation.
type ChangeInput struct {
	VariationID   int64
	LocationID    int64
	Delta         decimal.Decimal
	Type          TransactionType
	RefType       string
	RefID         string
	Actor         shared.Actor
	Note          string
	AllowNegative bool
}

// Validate checks structural correctness before any lock is taken.
func (in ChangeInput) Validate() error {
	if in.VariationID == 0 || in.LocationID == 0 {
		return errors.New("ledger: variation and location required")
	}
	if in.Delta.IsZero() {
		return ErrInvalidQuantity
	}
	if !in.Type.IsValid() {
		return ErrUnknownTransactionType
	}
	return nil
}

// StockCardFilter filters transaction-log reads.
type StockCardFilter struct {
	VariationID int64
	LocationID  int64
	From        time.Time
	To          time.Time
	Limit       int
}

// ErrInsufficientStock triggered when a change would drive the balance
// negative without explicit permission.
var ErrInsufficientStock = errors.New("ledger: insufficient stock")

// ErrInvalidQuantity indicates a zero delta.
var ErrInvalidQuantity = errors.New("ledger: quantity must be non zero")

// ErrUnknownTransactionType indicates an unrecognised movement type.
var ErrUnknownTransactionType = errors.New("ledger: unknown transaction type")

// ErrBalanceNotFound indicates a missing balance row.
var ErrBalanceNotFound = errors.New("ledger: balance not found")
