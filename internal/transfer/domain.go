package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// TRANSFER STATUS
// ============================================================================

// Status represents the custody state of a transfer.
type Status string

const (
	StatusDraft     Status = "draft"      // created, no stock movement
	StatusChecking  Status = "checking"   // pre-send check in progress
	StatusVerified  Status = "verified"   // all items checked, ready to send
	StatusInTransit Status = "in_transit" // deducted at source
	StatusVerifying Status = "verifying"  // arrival quantities recorded
	StatusCompleted Status = "completed"  // credited at destination, immutable
	StatusCancelled Status = "cancelled"  // terminated, compensated if sent
)

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusChecking, StatusVerified, StatusInTransit, StatusVerifying, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ============================================================================
// WORKFLOW VARIANTS
// ============================================================================

// Workflow names the state-machine variant a transfer runs under. Both share
// the terminal complete transition.
type Workflow string

const (
	// WorkflowFull walks draft, checking, verified, in_transit, verifying,
	// completed with a pre-send check and an arrival verification.
	WorkflowFull Workflow = "full"
	// WorkflowSimplified walks draft, in_transit, completed.
	WorkflowSimplified Workflow = "simplified"
)

// IsValid checks the workflow name.
func (w Workflow) IsValid() bool {
	return w == WorkflowFull || w == WorkflowSimplified
}

// CanCheck reports whether a pre-send check may run from the status.
func (w Workflow) CanCheck(s Status) bool {
	return w == WorkflowFull && (s == StatusDraft || s == StatusChecking)
}

// CanSend reports whether the send transition may run from the status.
func (w Workflow) CanSend(s Status) bool {
	if w == WorkflowSimplified {
		return s == StatusDraft
	}
	return s == StatusVerified
}

// CanVerifyArrival reports whether arrival quantities may be recorded.
func (w Workflow) CanVerifyArrival(s Status) bool {
	return w == WorkflowFull && (s == StatusInTransit || s == StatusVerifying)
}

// CanComplete reports whether the complete transition may run from the
// status. The simplified path completes straight out of transit.
func (w Workflow) CanComplete(s Status) bool {
	if w == WorkflowSimplified {
		return s == StatusInTransit
	}
	return s == StatusInTransit || s == StatusVerifying
}

// CanCancel reports whether cancellation is allowed from the status.
func (w Workflow) CanCancel(s Status) bool {
	return !s.IsTerminal()
}

// ============================================================================
// ENTITIES
// ============================================================================

// Transfer is the header record of an inter-location stock movement.
// Completed transfers are immutable.
type Transfer struct {
	ID             int64
	Code           string
	Workflow       Workflow
	Status         Status
	FromLocationID int64
	ToLocationID   int64
	Note           string
	CreatedBy      int64
	CheckedBy      *int64
	SentBy         *int64
	ReceivedBy     *int64
	CompletedBy    *int64
	CancelledBy    *int64
	CreatedAt      time.Time
	CheckedAt      *time.Time
	SentAt         *time.Time
	ReceivedAt     *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	Items          []Item
}

// Item is one (transfer, variation) line. ReceivedQty stays nil until
// verify-on-arrival records it; completion falls back to Qty then.
type Item struct {
	ID          int64
	TransferID  int64
	VariationID int64
	Qty         decimal.Decimal
	VerifiedQty *decimal.Decimal
	ReceivedQty *decimal.Decimal
	SerialRefs  []string
}

// CreditQty is the quantity credited at the destination on completion.
func (i Item) CreditQty() decimal.Decimal {
	if i.ReceivedQty != nil {
		return *i.ReceivedQty
	}
	return i.Qty
}

// ============================================================================
// SEPARATION OF DUTIES
// ============================================================================

// Role names a guarded position in the transfer workflow.
type Role string

const (
	RoleCreator   Role = "creator"
	RoleChecker   Role = "checker"
	RoleSender    Role = "sender"
	RoleCompleter Role = "completer"
)

// PolicyViolationError carries a machine-readable reason for a denied
// transition.
type PolicyViolationError struct {
	Code         string
	Role         Role
	ActorID      int64
	Configurable bool
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("transition denied for actor %d as %s: %s", e.ActorID, e.Role, e.Code)
}

// Unwrap allows errors.Is(err, ErrSeparationOfDuties).
func (e *PolicyViolationError) Unwrap() error {
	return ErrSeparationOfDuties
}

// ============================================================================
// INPUTS
// ============================================================================

// CreateInput describes a new transfer.
type CreateInput struct {
	Code           string
	Workflow       Workflow
	FromLocationID int64
	ToLocationID   int64
	Note           string
	Items          []CreateItemInput
	IdempotencyKey string
}

// CreateItemInput is one requested line.
type CreateItemInput struct {
	VariationID int64
	Qty         decimal.Decimal
	SerialRefs  []string
}

// CheckInput records pre-send verified quantities per item.
type CheckInput struct {
	Items []ItemQtyInput
	Note  string
}

// ArrivalInput records received quantities per item.
type ArrivalInput struct {
	Items []ItemQtyInput
	Note  string
}

// ItemQtyInput addresses one line by item id.
type ItemQtyInput struct {
	ItemID int64
	Qty    decimal.Decimal
}

// ListFilter filters transfer listings.
type ListFilter struct {
	Status     Status
	LocationID int64
	// LocationIDs restricts results to transfers touching any of these
	// locations. Nil means unrestricted; filled from the actor's access
	// scope, not from caller input.
	LocationIDs []int64
	Limit       int
	Offset      int
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrTransferNotFound indicates an unknown transfer id.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrInvalidStateTransition indicates an action requested from a state
	// that does not permit it. The transfer remains untouched.
	ErrInvalidStateTransition = errors.New("invalid transfer state transition")
	// ErrSeparationOfDuties indicates one actor holding two guarded roles.
	ErrSeparationOfDuties = errors.New("separation of duties violation")
	// ErrVerificationIncomplete indicates completion attempted before every
	// item was verified on arrival (full workflow only).
	ErrVerificationIncomplete = errors.New("transfer items not fully verified")
	// ErrSameLocation indicates source and destination coincide.
	ErrSameLocation = errors.New("source and destination location must differ")
	// ErrNoItems indicates a transfer without line items.
	ErrNoItems = errors.New("transfer requires at least one item")
	// ErrItemNotFound indicates an item id outside the transfer.
	ErrItemNotFound = errors.New("transfer item not found")
)
