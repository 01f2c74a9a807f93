package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-retail/meridian-retail/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an already-open transaction so workflow repositories
// can compose ledger writes with their own rows.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside one database transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// StockCard lists entries for a (variation, location) pair in commit order.
func (r *Repository) StockCard(ctx context.Context, filter StockCardFilter) ([]Entry, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, variation_id, location_id, tx_type, qty::text, balance_qty::text, ref_type, ref_id, actor_id, actor_name, note, created_at
FROM stock_transactions
WHERE variation_id=$1 AND location_id=$2 AND created_at BETWEEN COALESCE($3, '-infinity') AND COALESCE($4, 'infinity')
ORDER BY id ASC
LIMIT $5`, filter.VariationID, filter.LocationID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// BalanceOf reads the current balance without locking.
func (r *Repository) BalanceOf(ctx context.Context, variationID, locationID int64) (Balance, error) {
	if r == nil {
		return Balance{}, errors.New("ledger repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT variation_id, location_id, qty::text, updated_at FROM balances WHERE variation_id=$1 AND location_id=$2`, variationID, locationID)
	bal, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{VariationID: variationID, LocationID: locationID, Qty: decimal.Zero}, nil
		}
		return Balance{}, err
	}
	return bal, nil
}

func (r *txRepository) BalanceForUpdate(ctx context.Context, variationID, locationID int64) (Balance, error) {
	// Materialise the row before locking it. A bare SELECT ... FOR UPDATE on
	// a pair that has never been mutated locks nothing, and two concurrent
	// first mutations would both proceed from a zero base.
	if _, err := r.tx.Exec(ctx, `INSERT INTO balances (variation_id, location_id, qty, updated_at)
VALUES ($1,$2,0,NOW())
ON CONFLICT (variation_id, location_id) DO NOTHING`, variationID, locationID); err != nil {
		return Balance{}, err
	}
	row := r.tx.QueryRow(ctx, `SELECT variation_id, location_id, qty::text, updated_at FROM balances WHERE variation_id=$1 AND location_id=$2 FOR UPDATE`, variationID, locationID)
	bal, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{VariationID: variationID, LocationID: locationID, Qty: decimal.Zero}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO balances (variation_id, location_id, qty, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (variation_id, location_id) DO UPDATE SET qty=EXCLUDED.qty, updated_at=NOW()`,
		balance.VariationID, balance.LocationID, balance.Qty.String())
	return err
}

func (r *txRepository) InsertEntry(ctx context.Context, entry Entry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transactions (variation_id, location_id, tx_type, qty, balance_qty, ref_type, ref_id, actor_id, actor_name, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		entry.VariationID, entry.LocationID, string(entry.Type), entry.Qty.String(), entry.BalanceQty.String(),
		entry.RefType, nullStr(entry.RefID), nullInt(entry.ActorID), entry.ActorName, entry.Note, entry.CreatedAt).Scan(&id)
	return id, err
}

func scanBalance(row pgx.Row) (Balance, error) {
	var (
		bal Balance
		qty string
	)
	if err := row.Scan(&bal.VariationID, &bal.LocationID, &qty, &bal.UpdatedAt); err != nil {
		return Balance{}, err
	}
	parsed, err := decimal.NewFromString(qty)
	if err != nil {
		return Balance{}, err
	}
	bal.Qty = parsed
	return bal, nil
}

func scanEntry(rows pgx.Rows) (Entry, error) {
	var (
		entry      Entry
		txType     string
		qty        string
		balanceQty string
		refID      *string
		actorID    *int64
	)
	if err := rows.Scan(&entry.ID, &entry.VariationID, &entry.LocationID, &txType, &qty, &balanceQty,
		&entry.RefType, &refID, &actorID, &entry.ActorName, &entry.Note, &entry.CreatedAt); err != nil {
		return Entry{}, err
	}
	entry.Type = TransactionType(txType)
	var err error
	if entry.Qty, err = decimal.NewFromString(qty); err != nil {
		return Entry{}, err
	}
	if entry.BalanceQty, err = decimal.NewFromString(balanceQty); err != nil {
		return Entry{}, err
	}
	if refID != nil {
		entry.RefID = *refID
	}
	if actorID != nil {
		entry.ActorID = *actorID
	}
	return entry, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullStr(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
