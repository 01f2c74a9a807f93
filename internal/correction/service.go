package correction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-retail/meridian-retail/internal/ledger"
	"github.com/meridian-retail/meridian-retail/internal/shared"
)

// defaultBulkConcurrency bounds parallel approval transactions so a large
// batch cannot exhaust the connection pool.
const defaultBulkConcurrency = 4

// TxRepository exposes transactional operations used by the service. The
// ledger adjustment shares the database transaction of the approval update.
type TxRepository interface {
	GetCorrectionForUpdate(ctx context.Context, id int64) (Correction, error)
	InsertCorrection(ctx context.Context, c Correction) (int64, error)
	MarkApproved(ctx context.Context, id int64, approverID int64, delta string, at time.Time) (bool, error)
	MarkVoided(ctx context.Context, id int64, voiderID int64, reason string, at time.Time) (bool, error)
	BalanceOf(ctx context.Context, variationID, locationID int64) (ledger.Balance, error)
	ApplyStockChange(ctx context.Context, input ledger.ChangeInput) (ledger.Entry, error)
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetCorrection(ctx context.Context, id int64) (Correction, error)
	ListCorrections(ctx context.Context, filter ListFilter) ([]Correction, error)
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

// NotifierPort fans out post-approval notifications.
type NotifierPort interface {
	NotifyCorrection(ctx context.Context, evt Event) error
}

// CatalogPort confirms locations and variations name active master data
// before a correction references them.
type CatalogPort interface {
	RequireLocation(ctx context.Context, id int64) error
	RequireVariation(ctx context.Context, id int64) error
}

// Event describes an approved correction for downstream consumers.
type Event struct {
	CorrectionID int64
	Code         string
	VariationID  int64
	LocationID   int64
	Delta        string
	ActorID      int64
	ActorName    string
	At           time.Time
}

// ServiceConfig groups business-level settings.
type ServiceConfig struct {
	// BulkConcurrency bounds parallel transactions in BulkApprove.
	BulkConcurrency int
	// BulkTimeout caps one whole BulkApprove run. Zero means no cap.
	BulkTimeout time.Duration
}

// Service orchestrates the correction approval workflow.
type Service struct {
	repo        RepositoryPort
	authz       shared.Authorizer
	catalog     CatalogPort
	audit       AuditPort
	idempotency IdempotencyPort
	notifier    NotifierPort
	logger      *slog.Logger
	bulkLimit   int
	bulkTimeout time.Duration
}

// NewService builds Service.
func NewService(repo RepositoryPort, authz shared.Authorizer, catalog CatalogPort, audit AuditPort, idem IdempotencyPort, notifier NotifierPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	limit := cfg.BulkConcurrency
	if limit <= 0 {
		limit = defaultBulkConcurrency
	}
	return &Service{
		repo:        repo,
		authz:       authz,
		catalog:     catalog,
		audit:       audit,
		idempotency: idem,
		notifier:    notifier,
		logger:      logger,
		bulkLimit:   limit,
		bulkTimeout: cfg.BulkTimeout,
	}
}

// Create snapshots the current system count next to the physical count and
// stores the correction as pending. No stock moves until approval.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (Correction, error) {
	if err := input.Validate(); err != nil {
		return Correction{}, err
	}
	if err := shared.RequireLocationAccess(ctx, s.authz, actor, input.LocationID); err != nil {
		return Correction{}, err
	}
	if s.catalog != nil {
		if err := s.catalog.RequireLocation(ctx, input.LocationID); err != nil {
			return Correction{}, err
		}
		if err := s.catalog.RequireVariation(ctx, input.VariationID); err != nil {
			return Correction{}, err
		}
	}

	now := time.Now().UTC()
	code := input.Code
	if code == "" {
		code = "COR-" + strings.ToUpper(uuid.NewString()[:13])
	}

	fingerprint := s.createFingerprint(actor, input, now)
	reserved := false
	if s.idempotency != nil {
		if err := s.idempotency.Reserve(ctx, fingerprint, "correction", code); err != nil {
			return Correction{}, err
		}
		reserved = true
	}

	var created Correction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		balance, err := tx.BalanceOf(ctx, input.VariationID, input.LocationID)
		if err != nil {
			return err
		}
		c := Correction{
			Code:        code,
			VariationID: input.VariationID,
			LocationID:  input.LocationID,
			SystemQty:   balance.Qty,
			PhysicalQty: input.PhysicalQty,
			Difference:  input.PhysicalQty.Sub(balance.Qty),
			Reason:      input.Reason,
			Note:        input.Note,
			Status:      StatusPending,
			CreatedBy:   actor.ID,
			CreatedAt:   now,
		}
		id, err := tx.InsertCorrection(ctx, c)
		if err != nil {
			return err
		}
		c.ID = id
		created = c
		return nil
	})
	if err != nil {
		if reserved {
			_ = s.idempotency.Release(ctx, fingerprint)
		}
		return Correction{}, err
	}
	s.recordAudit(ctx, actor, "correction:create", created.ID, map[string]any{
		"code": created.Code, "variation": created.VariationID, "location": created.LocationID,
		"system": created.SystemQty.String(), "physical": created.PhysicalQty.String(),
	})
	return created, nil
}

// Approve applies the correction to stock. The balance is re-read under the
// approval transaction: the delta is physical minus the balance NOW, not the
// difference snapshotted at creation, so movements that happened in between
// are not double-counted. The adjustment may drive the balance negative.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, id int64) (Correction, error) {
	var result Correction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.GetCorrectionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch c.Status {
		case StatusApproved:
			return fmt.Errorf("correction %d: %w", id, ErrAlreadyApproved)
		case StatusVoided:
			return fmt.Errorf("correction %d: %w", id, ErrNotPending)
		}
		if err := shared.RequireLocationAccess(ctx, s.authz, actor, c.LocationID); err != nil {
			return err
		}

		balance, err := tx.BalanceOf(ctx, c.VariationID, c.LocationID)
		if err != nil {
			return err
		}
		delta := c.PhysicalQty.Sub(balance.Qty)
		now := time.Now().UTC()

		if !delta.IsZero() {
			_, err := tx.ApplyStockChange(ctx, ledger.ChangeInput{
				VariationID:   c.VariationID,
				LocationID:    c.LocationID,
				Delta:         delta,
				Type:          ledger.TransactionTypeAdjustment,
				RefType:       "correction",
				RefID:         fmt.Sprintf("%d", c.ID),
				Actor:         actor,
				Note:          fmt.Sprintf("Correction %s: %s", c.Code, c.Reason),
				AllowNegative: true,
			})
			if err != nil {
				return err
			}
		}

		ok, err := tx.MarkApproved(ctx, id, actor.ID, delta.String(), now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("correction %d: %w", id, shared.ErrConflict)
		}
		c.Status = StatusApproved
		c.AppliedDelta = &delta
		c.ApprovedBy = &actor.ID
		c.ApprovedAt = &now
		result = c
		return nil
	})
	if err != nil {
		return Correction{}, err
	}
	s.afterApproval(ctx, actor, result)
	return result, nil
}

// BulkApprove approves each correction in its own transaction with bounded
// concurrency. One failure never aborts the batch; the result partitions
// ids into succeeded, already-approved and failed.
func (s *Service) BulkApprove(ctx context.Context, actor shared.Actor, ids []int64) (BulkResult, error) {
	var (
		mu     sync.Mutex
		result BulkResult
	)
	if s.bulkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.bulkTimeout)
		defer cancel()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.bulkLimit)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				_, err = s.Approve(ctx, actor, id)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Succeeded = append(result.Succeeded, id)
			case errors.Is(err, ErrAlreadyApproved):
				result.AlreadyApproved = append(result.AlreadyApproved, id)
			default:
				result.Failed = append(result.Failed, BulkFailure{CorrectionID: id, Reason: err.Error()})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	s.recordAudit(ctx, actor, "correction:bulk-approve", 0, map[string]any{
		"requested": len(ids), "succeeded": len(result.Succeeded),
		"already_approved": len(result.AlreadyApproved), "failed": len(result.Failed),
	})
	return result, nil
}

// Void withdraws a pending correction. The row is kept for audit.
func (s *Service) Void(ctx context.Context, actor shared.Actor, id int64, reason string) (Correction, error) {
	var result Correction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.GetCorrectionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusPending {
			if c.Status == StatusApproved {
				return fmt.Errorf("correction %d: %w", id, ErrAlreadyApproved)
			}
			return fmt.Errorf("correction %d: %w", id, ErrNotPending)
		}
		now := time.Now().UTC()
		ok, err := tx.MarkVoided(ctx, id, actor.ID, reason, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("correction %d: %w", id, shared.ErrConflict)
		}
		c.Status = StatusVoided
		c.VoidedBy = &actor.ID
		c.VoidedAt = &now
		c.VoidReason = reason
		result = c
		return nil
	})
	if err != nil {
		return Correction{}, err
	}
	s.recordAudit(ctx, actor, "correction:void", id, map[string]any{"reason": reason})
	return result, nil
}

// Get returns one correction.
func (s *Service) Get(ctx context.Context, id int64) (Correction, error) {
	return s.repo.GetCorrection(ctx, id)
}

// List returns corrections matching the filter, scoped to the locations the
// calling actor may see.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Correction, error) {
	if s.authz != nil {
		ids, err := s.authz.AccessibleLocationIDs(ctx, shared.ActorFromContext(ctx))
		if err != nil {
			return nil, err
		}
		filter.LocationIDs = ids
	}
	return s.repo.ListCorrections(ctx, filter)
}

func (s *Service) createFingerprint(actor shared.Actor, input CreateInput, at time.Time) string {
	if input.IdempotencyKey != "" {
		return shared.Fingerprint("correction", input.IdempotencyKey)
	}
	window := shared.DefaultIdempotencyWindow
	if s.idempotency != nil {
		window = s.idempotency.Window()
	}
	counterparty := input.VariationID<<32 | input.LocationID
	return shared.BusinessFingerprint("correction", actor.ID, counterparty, input.PhysicalQty.String(), at, window)
}

// afterApproval runs post-commit side effects. Failures are logged only.
func (s *Service) afterApproval(ctx context.Context, actor shared.Actor, c Correction) {
	delta := ""
	if c.AppliedDelta != nil {
		delta = c.AppliedDelta.String()
	}
	s.recordAudit(ctx, actor, "correction:approve", c.ID, map[string]any{
		"code": c.Code, "delta": delta,
	})
	if s.notifier == nil {
		return
	}
	evt := Event{
		CorrectionID: c.ID,
		Code:         c.Code,
		VariationID:  c.VariationID,
		LocationID:   c.LocationID,
		Delta:        delta,
		ActorID:      actor.ID,
		ActorName:    actor.DisplayName,
		At:           time.Now().UTC(),
	}
	if err := s.notifier.NotifyCorrection(ctx, evt); err != nil && s.logger != nil {
		s.logger.Warn("correction notification failed", slog.Int64("correction_id", c.ID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action string, correctionID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:   actor.ID,
		ActorName: actor.DisplayName,
		Action:    action,
		Entity:    "correction",
		EntityID:  fmt.Sprintf("%d", correctionID),
		Meta:      meta,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}
