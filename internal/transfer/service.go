package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-retail/meridian-retail/internal/ledger"
	"github.com/meridian-retail/meridian-retail/internal/shared"
)

// TransitionUpdate advances the header row with an optimistic status guard.
type TransitionUpdate struct {
	TransferID int64
	From       Status
	To         Status
	ActorID    int64
	At         time.Time
}

// TxRepository exposes transactional operations used by the service. The
// ledger write shares the same database transaction as the header update.
type TxRepository interface {
	GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error)
	InsertTransfer(ctx context.Context, t Transfer) (int64, error)
	InsertItems(ctx context.Context, transferID int64, items []Item) error
	UpdateTransition(ctx context.Context, up TransitionUpdate) (bool, error)
	SetItemVerifiedQty(ctx context.Context, itemID int64, qty decimal.Decimal) error
	SetItemReceivedQty(ctx context.Context, itemID int64, qty decimal.Decimal) error
	MarkSerialUnitsInTransit(ctx context.Context, transferID int64) error
	MoveSerialUnits(ctx context.Context, transferID, toLocationID int64) error
	BalanceOf(ctx context.Context, variationID, locationID int64) (decimal.Decimal, error)
	ApplyStockChange(ctx context.Context, input ledger.ChangeInput) (ledger.Entry, error)
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransfer(ctx context.Context, id int64) (Transfer, error)
	ListTransfers(ctx context.Context, filter ListFilter) ([]Transfer, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards creation against client retries.
type IdempotencyPort interface {
	Reserve(ctx context.Context, fingerprint, module, ref string) error
	Release(ctx context.Context, fingerprint string) error
	Window() time.Duration
}

// CatalogPort confirms locations and variations name active master data
// before a transfer references them.
type CatalogPort interface {
	RequireLocation(ctx context.Context, id int64) error
	RequireVariation(ctx context.Context, id int64) error
}

// Discrepancy flags a requested quantity exceeding the on-hand source
// balance during the pre-send check.
type Discrepancy struct {
	ItemID      int64
	VariationID int64
	Requested   decimal.Decimal
	OnHand      decimal.Decimal
}

// ServiceConfig groups business-level settings.
type ServiceConfig struct {
	// DefaultWorkflow selects the state-machine variant for new transfers.
	DefaultWorkflow Workflow
}

// Service orchestrates the transfer state machine.
type Service struct {
	repo        RepositoryPort
	authz       shared.Authorizer
	catalog     CatalogPort
	audit       AuditPort
	policy      TransitionPolicy
	notifier    NotifierPort
	idempotency IdempotencyPort
	logger      *slog.Logger
	workflow    Workflow
}

// NewService builds Service.
func NewService(repo RepositoryPort, authz shared.Authorizer, catalog CatalogPort, audit AuditPort, policy TransitionPolicy, notifier NotifierPort, idem IdempotencyPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	workflow := cfg.DefaultWorkflow
	if !workflow.IsValid() {
		workflow = WorkflowFull
	}
	if policy == nil {
		policy = SODPolicy{}
	}
	return &Service{
		repo:        repo,
		authz:       authz,
		catalog:     catalog,
		audit:       audit,
		policy:      policy,
		notifier:    notifier,
		idempotency: idem,
		logger:      logger,
		workflow:    workflow,
	}
}

// ============================================================================
// CREATE
// ============================================================================

// Create persists the header and items in draft. No stock moves yet.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (Transfer, error) {
	if input.FromLocationID == 0 || input.ToLocationID == 0 {
		return Transfer{}, errors.New("transfer: source and destination location required")
	}
	if input.FromLocationID == input.ToLocationID {
		return Transfer{}, ErrSameLocation
	}
	if len(input.Items) == 0 {
		return Transfer{}, ErrNoItems
	}
	total := decimal.Zero
	for _, item := range input.Items {
		if item.VariationID == 0 {
			return Transfer{}, errors.New("transfer: item variation required")
		}
		if !item.Qty.IsPositive() {
			return Transfer{}, errors.New("transfer: item quantity must be positive")
		}
		total = total.Add(item.Qty)
	}
	workflow := input.Workflow
	if workflow == "" {
		workflow = s.workflow
	}
	if !workflow.IsValid() {
		return Transfer{}, fmt.Errorf("transfer: unknown workflow %q", workflow)
	}
	if s.catalog != nil {
		if err := s.catalog.RequireLocation(ctx, input.FromLocationID); err != nil {
			return Transfer{}, err
		}
		if err := s.catalog.RequireLocation(ctx, input.ToLocationID); err != nil {
			return Transfer{}, err
		}
		for _, item := range input.Items {
			if err := s.catalog.RequireVariation(ctx, item.VariationID); err != nil {
				return Transfer{}, err
			}
		}
	}

	now := time.Now().UTC()
	code := input.Code
	if code == "" {
		code = "TRF-" + strings.ToUpper(uuid.NewString()[:13])
	}

	fingerprint := s.createFingerprint(actor, input, total, now)
	reserved := false
	if s.idempotency != nil {
		if err := s.idempotency.Reserve(ctx, fingerprint, "transfer", code); err != nil {
			return Transfer{}, err
		}
		reserved = true
	}

	t := Transfer{
		Code:           code,
		Workflow:       workflow,
		Status:         StatusDraft,
		FromLocationID: input.FromLocationID,
		ToLocationID:   input.ToLocationID,
		Note:           input.Note,
		CreatedBy:      actor.ID,
		CreatedAt:      now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertTransfer(ctx, t)
		if err != nil {
			return err
		}
		t.ID = id
		items := make([]Item, 0, len(input.Items))
		for _, in := range input.Items {
			items = append(items, Item{
				TransferID:  id,
				VariationID: in.VariationID,
				Qty:         in.Qty,
				SerialRefs:  in.SerialRefs,
			})
		}
		if err := tx.InsertItems(ctx, id, items); err != nil {
			return err
		}
		t.Items = items
		return nil
	})
	if err != nil {
		if reserved {
			_ = s.idempotency.Release(ctx, fingerprint)
		}
		return Transfer{}, err
	}
	s.recordAudit(ctx, actor, "transfer:create", t.ID, map[string]any{
		"code": t.Code, "from": t.FromLocationID, "to": t.ToLocationID, "items": len(t.Items),
	})
	return s.repo.GetTransfer(ctx, t.ID)
}

// ============================================================================
// CHECK (pre-send)
// ============================================================================

// Check records verified quantities before sending and flags items whose
// requested quantity exceeds the on-hand source balance. No stock moves.
func (s *Service) Check(ctx context.Context, actor shared.Actor, id int64, input CheckInput) (Transfer, []Discrepancy, error) {
	var (
		result        Transfer
		discrepancies []Discrepancy
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !t.Workflow.CanCheck(t.Status) {
			return fmt.Errorf("%w: cannot check transfer in status %s", ErrInvalidStateTransition, t.Status)
		}
		if err := s.policy.Authorize(ctx, &t, RoleChecker, actor); err != nil {
			return err
		}

		byID := make(map[int64]*Item, len(t.Items))
		for i := range t.Items {
			byID[t.Items[i].ID] = &t.Items[i]
		}
		for _, in := range input.Items {
			item, ok := byID[in.ItemID]
			if !ok {
				return fmt.Errorf("%w: item %d", ErrItemNotFound, in.ItemID)
			}
			if in.Qty.IsNegative() {
				return errors.New("transfer: verified quantity must not be negative")
			}
			qty := in.Qty
			if err := tx.SetItemVerifiedQty(ctx, in.ItemID, qty); err != nil {
				return err
			}
			item.VerifiedQty = &qty
		}

		allVerified := true
		for _, item := range t.Items {
			if item.VerifiedQty == nil {
				allVerified = false
				continue
			}
			onHand, err := tx.BalanceOf(ctx, item.VariationID, t.FromLocationID)
			if err != nil {
				return err
			}
			if item.VerifiedQty.GreaterThan(onHand) {
				discrepancies = append(discrepancies, Discrepancy{
					ItemID:      item.ID,
					VariationID: item.VariationID,
					Requested:   *item.VerifiedQty,
					OnHand:      onHand,
				})
			}
		}

		next := StatusChecking
		if allVerified {
			next = StatusVerified
		}
		ok, err := tx.UpdateTransition(ctx, TransitionUpdate{
			TransferID: id, From: t.Status, To: next, ActorID: actor.ID, At: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transfer %d: %w", id, shared.ErrConflict)
		}
		t.Status = next
		result = t
		return nil
	})
	if err != nil {
		return Transfer{}, nil, err
	}
	s.recordAudit(ctx, actor, "transfer:check", id, map[string]any{
		"status": string(result.Status), "discrepancies": len(discrepancies),
	})
	return result, discrepancies, nil
}

// ============================================================================
// SEND
// ============================================================================

// Send deducts the committed quantity at the source and moves the transfer
// to in_transit. This is the first point stock leaves the source count.
func (s *Service) Send(ctx context.Context, actor shared.Actor, id int64) (Transfer, error) {
	var result Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !t.Workflow.CanSend(t.Status) {
			return fmt.Errorf("%w: cannot send transfer in status %s", ErrInvalidStateTransition, t.Status)
		}
		if err := s.policy.Authorize(ctx, &t, RoleSender, actor); err != nil {
			return err
		}
		if err := shared.RequireLocationAccess(ctx, s.authz, actor, t.FromLocationID); err != nil {
			return err
		}

		for _, item := range t.Items {
			qty := item.Qty
			if item.VerifiedQty != nil {
				qty = *item.VerifiedQty
			}
			if qty.IsZero() {
				continue
			}
			_, err := tx.ApplyStockChange(ctx, ledger.ChangeInput{
				VariationID: item.VariationID,
				LocationID:  t.FromLocationID,
				Delta:       qty.Neg(),
				Type:        ledger.TransactionTypeTransferOut,
				RefType:     "transfer",
				RefID:       fmt.Sprintf("%d", t.ID),
				Actor:       actor,
				Note:        fmt.Sprintf("Transfer %s to location %d", t.Code, t.ToLocationID),
			})
			if err != nil {
				return err
			}
		}
		if err := tx.MarkSerialUnitsInTransit(ctx, t.ID); err != nil {
			return err
		}
		ok, err := tx.UpdateTransition(ctx, TransitionUpdate{
			TransferID: id, From: t.Status, To: StatusInTransit, ActorID: actor.ID, At: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transfer %d: %w", id, shared.ErrConflict)
		}
		t.Status = StatusInTransit
		result = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.afterTransition(ctx, actor, EventSent, result, "transfer:send")
	return result, nil
}

// ============================================================================
// VERIFY ON ARRIVAL
// ============================================================================

// VerifyArrival records received quantities per item. Partial or damaged
// receipts may differ from the sent quantities. No stock moves yet.
func (s *Service) VerifyArrival(ctx context.Context, actor shared.Actor, id int64, input ArrivalInput) (Transfer, error) {
	var result Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !t.Workflow.CanVerifyArrival(t.Status) {
			return fmt.Errorf("%w: cannot verify arrival in status %s", ErrInvalidStateTransition, t.Status)
		}
		if err := shared.RequireLocationAccess(ctx, s.authz, actor, t.ToLocationID); err != nil {
			return err
		}

		byID := make(map[int64]*Item, len(t.Items))
		for i := range t.Items {
			byID[t.Items[i].ID] = &t.Items[i]
		}
		for _, in := range input.Items {
			item, ok := byID[in.ItemID]
			if !ok {
				return fmt.Errorf("%w: item %d", ErrItemNotFound, in.ItemID)
			}
			if in.Qty.IsNegative() {
				return errors.New("transfer: received quantity must not be negative")
			}
			qty := in.Qty
			if err := tx.SetItemReceivedQty(ctx, in.ItemID, qty); err != nil {
				return err
			}
			item.ReceivedQty = &qty
		}
		ok, err := tx.UpdateTransition(ctx, TransitionUpdate{
			TransferID: id, From: t.Status, To: StatusVerifying, ActorID: actor.ID, At: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transfer %d: %w", id, shared.ErrConflict)
		}
		t.Status = StatusVerifying
		result = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, actor, "transfer:verify-arrival", id, map[string]any{"status": string(result.Status)})
	return result, nil
}

// ============================================================================
// COMPLETE
// ============================================================================

// Complete credits the destination balance, the only step that does. It uses
// the received quantity when recorded and falls back to the requested one.
// Completed transfers are immutable: a second call fails fast.
func (s *Service) Complete(ctx context.Context, actor shared.Actor, id int64) (Transfer, error) {
	var result Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == StatusCompleted {
			return fmt.Errorf("%w: transfer already completed", ErrInvalidStateTransition)
		}
		if !t.Workflow.CanComplete(t.Status) {
			return fmt.Errorf("%w: cannot complete transfer in status %s", ErrInvalidStateTransition, t.Status)
		}
		if t.Workflow == WorkflowFull {
			if t.Status != StatusVerifying {
				return fmt.Errorf("%w: arrival not verified", ErrVerificationIncomplete)
			}
			for _, item := range t.Items {
				if item.ReceivedQty == nil {
					return fmt.Errorf("%w: item %d", ErrVerificationIncomplete, item.ID)
				}
			}
		}
		if err := s.policy.Authorize(ctx, &t, RoleCompleter, actor); err != nil {
			return err
		}
		if err := shared.RequireLocationAccess(ctx, s.authz, actor, t.ToLocationID); err != nil {
			return err
		}

		for _, item := range t.Items {
			qty := item.CreditQty()
			if qty.IsZero() {
				// Fully damaged receipt: nothing arrives, nothing to credit.
				continue
			}
			_, err := tx.ApplyStockChange(ctx, ledger.ChangeInput{
				VariationID: item.VariationID,
				LocationID:  t.ToLocationID,
				Delta:       qty,
				Type:        ledger.TransactionTypeTransferIn,
				RefType:     "transfer",
				RefID:       fmt.Sprintf("%d", t.ID),
				Actor:       actor,
				Note:        fmt.Sprintf("Transfer %s from location %d", t.Code, t.FromLocationID),
			})
			if err != nil {
				return err
			}
		}
		if err := tx.MoveSerialUnits(ctx, t.ID, t.ToLocationID); err != nil {
			return err
		}
		ok, err := tx.UpdateTransition(ctx, TransitionUpdate{
			TransferID: id, From: t.Status, To: StatusCompleted, ActorID: actor.ID, At: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transfer %d: %w", id, shared.ErrConflict)
		}
		t.Status = StatusCompleted
		result = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.afterTransition(ctx, actor, EventCompleted, result, "transfer:complete")
	return result, nil
}

// ============================================================================
// CANCEL
// ============================================================================

// Cancel terminates a non-completed transfer. A transfer already sent gets a
// compensating credit back at the source; the original transfer-out entry is
// never deleted.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id int64, reason string) (Transfer, error) {
	var result Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !t.Workflow.CanCancel(t.Status) {
			return fmt.Errorf("%w: cannot cancel transfer in status %s", ErrInvalidStateTransition, t.Status)
		}
		sent := t.Status == StatusInTransit || t.Status == StatusVerifying
		if sent {
			if err := shared.RequireLocationAccess(ctx, s.authz, actor, t.FromLocationID); err != nil {
				return err
			}
			for _, item := range t.Items {
				qty := item.Qty
				if item.VerifiedQty != nil {
					qty = *item.VerifiedQty
				}
				if qty.IsZero() {
					continue
				}
				_, err := tx.ApplyStockChange(ctx, ledger.ChangeInput{
					VariationID: item.VariationID,
					LocationID:  t.FromLocationID,
					Delta:       qty,
					Type:        ledger.TransactionTypeTransferCancel,
					RefType:     "transfer",
					RefID:       fmt.Sprintf("%d", t.ID),
					Actor:       actor,
					Note:        fmt.Sprintf("Cancel transfer %s: %s", t.Code, reason),
				})
				if err != nil {
					return err
				}
			}
		}
		ok, err := tx.UpdateTransition(ctx, TransitionUpdate{
			TransferID: id, From: t.Status, To: StatusCancelled, ActorID: actor.ID, At: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transfer %d: %w", id, shared.ErrConflict)
		}
		t.Status = StatusCancelled
		result = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.afterTransition(ctx, actor, EventCancelled, result, "transfer:cancel")
	return result, nil
}

// ============================================================================
// READS
// ============================================================================

// Get returns one transfer with items.
func (s *Service) Get(ctx context.Context, id int64) (Transfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

// List returns transfers matching the filter, scoped to the locations the
// calling actor may see.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	if s.authz != nil {
		ids, err := s.authz.AccessibleLocationIDs(ctx, shared.ActorFromContext(ctx))
		if err != nil {
			return nil, err
		}
		filter.LocationIDs = ids
	}
	return s.repo.ListTransfers(ctx, filter)
}

// ============================================================================
// SIDE EFFECTS
// ============================================================================

func (s *Service) createFingerprint(actor shared.Actor, input CreateInput, total decimal.Decimal, at time.Time) string {
	if input.IdempotencyKey != "" {
		return shared.Fingerprint("transfer", input.IdempotencyKey)
	}
	window := shared.DefaultIdempotencyWindow
	if s.idempotency != nil {
		window = s.idempotency.Window()
	}
	counterparty := input.FromLocationID<<32 | input.ToLocationID
	return shared.BusinessFingerprint("transfer", actor.ID, counterparty, total.String(), at, window)
}

// afterTransition runs post-commit side effects. Failures are logged only.
func (s *Service) afterTransition(ctx context.Context, actor shared.Actor, kind EventKind, t Transfer, action string) {
	s.recordAudit(ctx, actor, action, t.ID, map[string]any{
		"code": t.Code, "status": string(t.Status), "from": t.FromLocationID, "to": t.ToLocationID,
	})
	if s.notifier == nil {
		return
	}
	evt := Event{
		Kind:           kind,
		TransferID:     t.ID,
		Code:           t.Code,
		FromLocationID: t.FromLocationID,
		ToLocationID:   t.ToLocationID,
		ActorID:        actor.ID,
		ActorName:      actor.DisplayName,
		At:             time.Now().UTC(),
	}
	if err := s.notifier.NotifyTransfer(ctx, evt); err != nil && s.logger != nil {
		s.logger.Warn("transfer notification failed", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, transferID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:   actor.ID,
		ActorName: actor.DisplayName,
		Action:    action,
		Entity:    "transfer",
		EntityID:  fmt.Sprintf("%d", transferID),
		Meta:      meta,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}
