package correction

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a correction.
type Status string

const (
	StatusPending  Status = "pending"  // counted, no stock movement yet
	StatusApproved Status = "approved" // ledger adjustment applied, immutable
	StatusVoided   Status = "voided"   // withdrawn before approval, kept for audit
)

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusVoided
}

// Correction records a physical count against the system balance for one
// variation at one location. SystemQty and Difference are snapshots from
// creation time; the delta actually applied is recomputed at approval and
// stored in AppliedDelta.
type Correction struct {
	ID           int64
	Code         string
	VariationID  int64
	LocationID   int64
	SystemQty    decimal.Decimal
	PhysicalQty  decimal.Decimal
	Difference   decimal.Decimal
	Reason       string
	Note         string
	Status       Status
	AppliedDelta *decimal.Decimal
	CreatedBy    int64
	CreatedAt    time.Time
	ApprovedBy   *int64
	ApprovedAt   *time.Time
	VoidedBy     *int64
	VoidedAt     *time.Time
	VoidReason   string
}

// CreateInput describes a new correction.
type CreateInput struct {
	Code           string
	VariationID    int64
	LocationID     int64
	PhysicalQty    decimal.Decimal
	Reason         string
	Note           string
	IdempotencyKey string
}

// Validate checks field-level constraints.
func (in CreateInput) Validate() error {
	if in.VariationID == 0 {
		return errors.New("correction: variation required")
	}
	if in.LocationID == 0 {
		return errors.New("correction: location required")
	}
	if in.PhysicalQty.IsNegative() {
		return ErrNegativePhysicalQty
	}
	if in.Reason == "" {
		return errors.New("correction: reason required")
	}
	return nil
}

// ListFilter filters correction listings.
type ListFilter struct {
	Status      Status
	LocationID  int64
	VariationID int64
	// LocationIDs restricts results to the actor's accessible locations.
	// Nil means unrestricted; never filled from caller input.
	LocationIDs []int64
	Limit       int
	Offset      int
}

// BulkResult partitions a bulk approval run. Failed entries carry the
// error text so a single bad correction never aborts the batch.
type BulkResult struct {
	Succeeded       []int64
	AlreadyApproved []int64
	Failed          []BulkFailure
}

// BulkFailure is one correction that could not be approved.
type BulkFailure struct {
	CorrectionID int64
	Reason       string
}

var (
	// ErrCorrectionNotFound indicates an unknown correction id.
	ErrCorrectionNotFound = errors.New("correction not found")
	// ErrAlreadyApproved indicates a second approval attempt. The first
	// approval's ledger entry stands; nothing is applied twice.
	ErrAlreadyApproved = errors.New("correction already approved")
	// ErrNotPending indicates an action only valid on pending corrections.
	ErrNotPending = errors.New("correction is not pending")
	// ErrNegativePhysicalQty indicates a physical count below zero.
	ErrNegativePhysicalQty = errors.New("physical quantity must not be negative")
)
