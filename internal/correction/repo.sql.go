package correction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-retail/meridian-retail/internal/ledger"
	"github.com/meridian-retail/meridian-retail/internal/platform/db"
)

// Repository persists corrections in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx     pgx.Tx
	ledger ledger.TxRepository
}

// WithTx executes the callback inside one database transaction so the
// approval update and the ledger adjustment commit or roll back together.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("correction repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, ledger: ledger.NewTxRepository(tx)})
	})
}

const correctionColumns = `id, code, variation_id, location_id, system_qty::text, physical_qty::text,
difference::text, applied_delta::text, reason, note, status,
created_by, created_at, approved_by, approved_at, voided_by, voided_at, void_reason`

// GetCorrection loads one correction.
func (r *Repository) GetCorrection(ctx context.Context, id int64) (Correction, error) {
	if r == nil {
		return Correction{}, errors.New("correction repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+correctionColumns+` FROM corrections WHERE id=$1`, id)
	return scanCorrection(row)
}

// ListCorrections returns corrections matching the filter, newest first.
func (r *Repository) ListCorrections(ctx context.Context, filter ListFilter) ([]Correction, error) {
	if r == nil {
		return nil, errors.New("correction repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.LocationID != 0 {
		args = append(args, filter.LocationID)
		where = append(where, fmt.Sprintf("location_id=$%d", len(args)))
	}
	if filter.VariationID != 0 {
		args = append(args, filter.VariationID)
		where = append(where, fmt.Sprintf("variation_id=$%d", len(args)))
	}
	if len(filter.LocationIDs) > 0 {
		args = append(args, filter.LocationIDs)
		where = append(where, fmt.Sprintf("location_id = ANY($%d)", len(args)))
	}
	query := `SELECT ` + correctionColumns + ` FROM corrections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	corrections := []Correction{}
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, err
		}
		corrections = append(corrections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return corrections, nil
}

func (r *txRepository) GetCorrectionForUpdate(ctx context.Context, id int64) (Correction, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+correctionColumns+` FROM corrections WHERE id=$1 FOR UPDATE`, id)
	return scanCorrection(row)
}

func (r *txRepository) InsertCorrection(ctx context.Context, c Correction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO corrections
(code, variation_id, location_id, system_qty, physical_qty, difference, reason, note, status, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		c.Code, c.VariationID, c.LocationID, c.SystemQty.String(), c.PhysicalQty.String(),
		c.Difference.String(), c.Reason, c.Note, string(c.Status), c.CreatedBy, c.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) MarkApproved(ctx context.Context, id int64, approverID int64, delta string, at time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE corrections
SET status='approved', approved_by=$1, approved_at=$2, applied_delta=$3
WHERE id=$4 AND status='pending'`, approverID, at, delta, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) MarkVoided(ctx context.Context, id int64, voiderID int64, reason string, at time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE corrections
SET status='voided', voided_by=$1, voided_at=$2, void_reason=$3
WHERE id=$4 AND status='pending'`, voiderID, at, reason, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// BalanceOf reads the balance with a row lock so the delta computed between
// this read and the ledger write cannot be invalidated by a concurrent
// movement. A missing row reads as zero.
func (r *txRepository) BalanceOf(ctx context.Context, variationID, locationID int64) (ledger.Balance, error) {
	balance, err := r.ledger.BalanceForUpdate(ctx, variationID, locationID)
	if err != nil {
		if errors.Is(err, ledger.ErrBalanceNotFound) {
			return ledger.Balance{VariationID: variationID, LocationID: locationID, Qty: decimal.Zero}, nil
		}
		return ledger.Balance{}, err
	}
	return balance, nil
}

func (r *txRepository) ApplyStockChange(ctx context.Context, input ledger.ChangeInput) (ledger.Entry, error) {
	entry, _, err := ledger.Apply(ctx, r.ledger, input)
	return entry, err
}

func scanCorrection(row pgx.Row) (Correction, error) {
	var (
		c            Correction
		systemQty    string
		physicalQty  string
		difference   string
		appliedDelta *string
		note         *string
		voidReason   *string
		status       string
	)
	err := row.Scan(&c.ID, &c.Code, &c.VariationID, &c.LocationID, &systemQty, &physicalQty,
		&difference, &appliedDelta, &c.Reason, &note, &status,
		&c.CreatedBy, &c.CreatedAt, &c.ApprovedBy, &c.ApprovedAt, &c.VoidedBy, &c.VoidedAt, &voidReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Correction{}, ErrCorrectionNotFound
		}
		return Correction{}, err
	}
	if c.SystemQty, err = decimal.NewFromString(systemQty); err != nil {
		return Correction{}, err
	}
	if c.PhysicalQty, err = decimal.NewFromString(physicalQty); err != nil {
		return Correction{}, err
	}
	if c.Difference, err = decimal.NewFromString(difference); err != nil {
		return Correction{}, err
	}
	if appliedDelta != nil {
		parsed, err := decimal.NewFromString(*appliedDelta)
		if err != nil {
			return Correction{}, err
		}
		c.AppliedDelta = &parsed
	}
	if note != nil {
		c.Note = *note
	}
	if voidReason != nil {
		c.VoidReason = *voidReason
	}
	c.Status = Status(status)
	return c, nil
}
