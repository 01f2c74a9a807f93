package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-retail/meridian-retail/internal/ledger"
	"github.com/meridian-retail/meridian-retail/internal/platform/db"
)

// Repository persists transfers in PostgreSQL.
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

// WithTx executes the callback inside one database transaction so header,
// item and ledger writes commit or roll back together.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("transfer repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, ledger: ledger.NewTxRepository(tx)})
	})
}

const transferColumns = `id, code, workflow, status, from_location_id, to_location_id, note,
created_by, checked_by, sent_by, received_by, completed_by, cancelled_by,
created_at, checked_at, sent_at, received_at, completed_at, cancelled_at`

// GetTransfer loads one transfer with items.
func (r *Repository) GetTransfer(ctx context.Context, id int64) (Transfer, error) {
	if r == nil {
		return Transfer{}, errors.New("transfer repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id=$1`, id)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrTransferNotFound
		}
		return Transfer{}, err
	}
	items, err := loadItems(ctx, r.pool, id)
	if err != nil {
		return Transfer{}, err
	}
	t.Items = items
	return t, nil
}

// ListTransfers returns transfers matching the filter, newest first.
func (r *Repository) ListTransfers(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	if r == nil {
		return nil, errors.New("transfer repository not initialised")
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
		where = append(where, fmt.Sprintf("(from_location_id=$%d OR to_location_id=$%d)", len(args), len(args)))
	}
	if len(filter.LocationIDs) > 0 {
		args = append(args, filter.LocationIDs)
		where = append(where, fmt.Sprintf("(from_location_id = ANY($%d) OR to_location_id = ANY($%d))", len(args), len(args)))
	}
	query := `SELECT ` + transferColumns + ` FROM transfers`
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
	transfers := []Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transfers, nil
}

func (r *txRepository) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id=$1 FOR UPDATE`, id)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrTransferNotFound
		}
		return Transfer{}, err
	}
	items, err := loadItems(ctx, r.tx, id)
	if err != nil {
		return Transfer{}, err
	}
	t.Items = items
	return t, nil
}

func (r *txRepository) InsertTransfer(ctx context.Context, t Transfer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfers (code, workflow, status, from_location_id, to_location_id, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		t.Code, string(t.Workflow), string(t.Status), t.FromLocationID, t.ToLocationID, t.Note, t.CreatedBy, t.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertItems(ctx context.Context, transferID int64, items []Item) error {
	for i := range items {
		err := r.tx.QueryRow(ctx, `INSERT INTO transfer_items (transfer_id, variation_id, qty)
VALUES ($1,$2,$3) RETURNING id`, transferID, items[i].VariationID, items[i].Qty.String()).Scan(&items[i].ID)
		if err != nil {
			return err
		}
		for _, ref := range items[i].SerialRefs {
			if _, err := r.tx.Exec(ctx, `INSERT INTO serial_units (ref, transfer_id, transfer_item_id, status)
VALUES ($1,$2,$3,'reserved')
ON CONFLICT (ref) DO UPDATE SET transfer_id=EXCLUDED.transfer_id, transfer_item_id=EXCLUDED.transfer_item_id, status='reserved'`,
				ref, transferID, items[i].ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// transitionColumns maps the target status to the actor/timestamp pair it
// stamps on the header.
func transitionColumns(to Status) (string, string) {
	switch to {
	case StatusChecking, StatusVerified:
		return "checked_by", "checked_at"
	case StatusInTransit:
		return "sent_by", "sent_at"
	case StatusVerifying:
		return "received_by", "received_at"
	case StatusCompleted:
		return "completed_by", "completed_at"
	case StatusCancelled:
		return "cancelled_by", "cancelled_at"
	default:
		return "", ""
	}
}

func (r *txRepository) UpdateTransition(ctx context.Context, up TransitionUpdate) (bool, error) {
	actorCol, atCol := transitionColumns(up.To)
	if actorCol == "" {
		return false, fmt.Errorf("transfer: no transition columns for status %s", up.To)
	}
	tag, err := r.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE transfers SET status=$1, %s=$2, %s=$3 WHERE id=$4 AND status=$5`, actorCol, atCol),
		string(up.To), up.ActorID, up.At, up.TransferID, string(up.From))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) SetItemVerifiedQty(ctx context.Context, itemID int64, qty decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE transfer_items SET verified_qty=$1 WHERE id=$2`, qty.String(), itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *txRepository) SetItemReceivedQty(ctx context.Context, itemID int64, qty decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE transfer_items SET received_qty=$1 WHERE id=$2`, qty.String(), itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *txRepository) MarkSerialUnitsInTransit(ctx context.Context, transferID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE serial_units SET status='in_transit' WHERE transfer_id=$1 AND status='reserved'`, transferID)
	return err
}

func (r *txRepository) MoveSerialUnits(ctx context.Context, transferID, toLocationID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE serial_units SET status='in_stock', current_location_id=$1 WHERE transfer_id=$2 AND status='in_transit'`, toLocationID, transferID)
	return err
}

func (r *txRepository) BalanceOf(ctx context.Context, variationID, locationID int64) (decimal.Decimal, error) {
	var qty string
	err := r.tx.QueryRow(ctx, `SELECT qty::text FROM balances WHERE variation_id=$1 AND location_id=$2`, variationID, locationID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(qty)
}

func (r *txRepository) ApplyStockChange(ctx context.Context, input ledger.ChangeInput) (ledger.Entry, error) {
	entry, _, err := ledger.Apply(ctx, r.ledger, input)
	return entry, err
}

type rowScanner interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadItems(ctx context.Context, q rowScanner, transferID int64) ([]Item, error) {
	rows, err := q.Query(ctx, `SELECT id, transfer_id, variation_id, qty::text, verified_qty::text, received_qty::text
FROM transfer_items WHERE transfer_id=$1 ORDER BY id ASC`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		var (
			item        Item
			qty         string
			verifiedQty *string
			receivedQty *string
		)
		if err := rows.Scan(&item.ID, &item.TransferID, &item.VariationID, &qty, &verifiedQty, &receivedQty); err != nil {
			return nil, err
		}
		if item.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if verifiedQty != nil {
			parsed, err := decimal.NewFromString(*verifiedQty)
			if err != nil {
				return nil, err
			}
			item.VerifiedQty = &parsed
		}
		if receivedQty != nil {
			parsed, err := decimal.NewFromString(*receivedQty)
			if err != nil {
				return nil, err
			}
			item.ReceivedQty = &parsed
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := loadSerialRefs(ctx, q, transferID, items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func loadSerialRefs(ctx context.Context, q rowScanner, transferID int64, items []Item) error {
	rows, err := q.Query(ctx, `SELECT transfer_item_id, ref FROM serial_units WHERE transfer_id=$1 ORDER BY ref ASC`, transferID)
	if err != nil {
		return err
	}
	defer rows.Close()
	byItem := make(map[int64][]string)
	for rows.Next() {
		var (
			itemID int64
			ref    string
		)
		if err := rows.Scan(&itemID, &ref); err != nil {
			return err
		}
		byItem[itemID] = append(byItem[itemID], ref)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range items {
		items[i].SerialRefs = byItem[items[i].ID]
	}
	return nil
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var (
		t        Transfer
		workflow string
		status   string
		note     *string
	)
	err := row.Scan(&t.ID, &t.Code, &workflow, &status, &t.FromLocationID, &t.ToLocationID, &note,
		&t.CreatedBy, &t.CheckedBy, &t.SentBy, &t.ReceivedBy, &t.CompletedBy, &t.CancelledBy,
		&t.CreatedAt, &t.CheckedAt, &t.SentAt, &t.ReceivedAt, &t.CompletedAt, &t.CancelledAt)
	if err != nil {
		return Transfer{}, err
	}
	t.Workflow = Workflow(workflow)
	t.Status = Status(status)
	if note != nil {
		t.Note = *note
	}
	return t, nil
}
