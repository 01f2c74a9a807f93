package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-retail/meridian-retail/internal/shared"
)

// TxRepository exposes the row-level operations Apply needs inside one open
// database transaction.
type TxRepository interface {
	BalanceForUpdate(ctx context.Context, variationID, locationID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertEntry(ctx context.Context, entry Entry) (int64, error)
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	StockCard(ctx context.Context, filter StockCardFilter) ([]Entry, error)
	BalanceOf(ctx context.Context, variationID, locationID int64) (Balance, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CachePort invalidates and serves cached balance reads.
type CachePort interface {
	GetBalance(ctx context.Context, variationID, locationID int64) (decimal.Decimal, bool)
	SetBalance(ctx context.Context, variationID, locationID int64, qty decimal.Decimal)
	Invalidate(ctx context.Context, variationID, locationID int64)
}

// Apply executes one balance mutation against an open transactional
// repository: lock the balance row (creating it at zero when absent), add
// the delta, guard against negatives, write the balance and append the log
// entry carrying the resulting balance. It is the only code path permitted
// to mutate a balance row; every workflow routes through it so the log stays
// a complete history.
func Apply(ctx context.Context, tx TxRepository, input ChangeInput) (Entry, Balance, error) {
	if err := input.Validate(); err != nil {
		return Entry{}, Balance{}, err
	}
	balance, err := tx.BalanceForUpdate(ctx, input.VariationID, input.LocationID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return Entry{}, Balance{}, err
	}
	if errors.Is(err, ErrBalanceNotFound) {
		balance = Balance{VariationID: input.VariationID, LocationID: input.LocationID, Qty: decimal.Zero}
	}
	newQty := balance.Qty.Add(input.Delta)
	if newQty.IsNegative() && !input.AllowNegative {
		return Entry{}, Balance{}, fmt.Errorf("%w: variation %d at location %d has %s, delta %s",
			ErrInsufficientStock, input.VariationID, input.LocationID, balance.Qty, input.Delta)
	}
	now := time.Now().UTC()
	balance.Qty = newQty
	balance.UpdatedAt = now
	if err := tx.UpsertBalance(ctx, balance); err != nil {
		return Entry{}, Balance{}, err
	}
	entry := Entry{
		VariationID: input.VariationID,
		LocationID:  input.LocationID,
		Type:        input.Type,
		Qty:         input.Delta,
		BalanceQty:  newQty,
		RefType:     input.RefType,
		RefID:       input.RefID,
		ActorID:     input.Actor.ID,
		ActorName:   input.Actor.DisplayName,
		Note:        input.Note,
		CreatedAt:   now,
	}
	id, err := tx.InsertEntry(ctx, entry)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	entry.ID = id
	return entry, balance, nil
}

// Service coordinates standalone ledger operations.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	cache    CachePort
	logger   *slog.Logger
	allowNeg bool
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cache CachePort, logger *slog.Logger, cfg ServiceConfig) *Service {
	return &Service{repo: repo, audit: audit, cache: cache, logger: logger, allowNeg: cfg.AllowNegativeStock}
}

// ApplyChange runs one mutation inside its own transaction. Callers that
// need to compose the mutation with their own rows use Apply with their
// open transaction instead.
func (s *Service) ApplyChange(ctx context.Context, input ChangeInput) (Entry, Balance, error) {
	if !input.AllowNegative && s.allowNeg {
		input.AllowNegative = true
	}
	var (
		entry   Entry
		balance Balance
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, balance, err = Apply(ctx, tx, input)
		return err
	})
	if err != nil {
		return Entry{}, Balance{}, err
	}
	s.afterCommit(ctx, entry)
	return entry, balance, nil
}

// StockCard lists transaction-log entries for one variation at one location.
func (s *Service) StockCard(ctx context.Context, filter StockCardFilter) ([]Entry, error) {
	if filter.VariationID == 0 || filter.LocationID == 0 {
		return nil, errors.New("ledger: variation and location required")
	}
	return s.repo.StockCard(ctx, filter)
}

// BalanceOf returns the current balance, serving cached values when fresh.
func (s *Service) BalanceOf(ctx context.Context, variationID, locationID int64) (Balance, error) {
	if variationID == 0 || locationID == 0 {
		return Balance{}, errors.New("ledger: variation and location required")
	}
	if s.cache != nil {
		if qty, ok := s.cache.GetBalance(ctx, variationID, locationID); ok {
			return Balance{VariationID: variationID, LocationID: locationID, Qty: qty}, nil
		}
	}
	balance, err := s.repo.BalanceOf(ctx, variationID, locationID)
	if err != nil {
		return Balance{}, err
	}
	if s.cache != nil {
		s.cache.SetBalance(ctx, variationID, locationID, balance.Qty)
	}
	return balance, nil
}

// afterCommit performs fire-and-forget side effects. Failures are logged but
// never unwind the committed mutation.
func (s *Service) afterCommit(ctx context.Context, entry Entry) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, entry.VariationID, entry.LocationID)
	}
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:   entry.ActorID,
			ActorName: entry.ActorName,
			Action:    fmt.Sprintf("stock:%s", entry.Type),
			Entity:    "stock_transaction",
			EntityID:  fmt.Sprintf("%d", entry.ID),
			Meta: map[string]any{
				"variation_id": entry.VariationID,
				"location_id":  entry.LocationID,
				"qty":          entry.Qty.String(),
				"balance_qty":  entry.BalanceQty.String(),
				"ref_type":     entry.RefType,
				"ref_id":       entry.RefID,
			},
		})
		if err != nil && s.logger != nil {
			s.logger.Warn("audit record failed", slog.Any("error", err))
		}
	}
}
