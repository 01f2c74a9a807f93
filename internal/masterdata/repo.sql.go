package masterdata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLRepository persists master data in PostgreSQL.
type SQLRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs SQLRepository.
func NewRepository(pool *pgxpool.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

const locationColumns = `id, code, name, kind, address, is_active, created_at, updated_at`

func (r *SQLRepository) ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error) {
	where, args := listWhere(filters, []string{"code", "name"})
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM locations`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filters.Offset)
	query := fmt.Sprintf(`SELECT `+locationColumns+` FROM locations%s ORDER BY code ASC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	locations := []Location{}
	for rows.Next() {
		var l Location
		if err := scanLocation(rows, &l); err != nil {
			return nil, 0, err
		}
		locations = append(locations, l)
	}
	return locations, total, rows.Err()
}

func (r *SQLRepository) GetLocation(ctx context.Context, id int64) (Location, error) {
	var l Location
	row := r.pool.QueryRow(ctx, `SELECT `+locationColumns+` FROM locations WHERE id=$1`, id)
	if err := scanLocation(row, &l); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, ErrLocationNotFound
		}
		return Location{}, err
	}
	return l, nil
}

func (r *SQLRepository) CreateLocation(ctx context.Context, l Location) (Location, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO locations (code, name, kind, address, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW()) RETURNING id, created_at, updated_at`,
		l.Code, l.Name, l.Kind, l.Address, l.IsActive).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return Location{}, mapUniqueViolation(err)
	}
	return l, nil
}

func (r *SQLRepository) UpdateLocation(ctx context.Context, id int64, l Location) error {
	tag, err := r.pool.Exec(ctx, `UPDATE locations SET code=$1, name=$2, kind=$3, address=$4, is_active=$5, updated_at=NOW()
WHERE id=$6`, l.Code, l.Name, l.Kind, l.Address, l.IsActive, id)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLocationNotFound
	}
	return nil
}

func (r *SQLRepository) LocationExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM locations WHERE id=$1 AND is_active)`, id).Scan(&exists)
	return exists, err
}

const variationColumns = `id, sku, product_name, name, barcode, serialized, is_active, created_at, updated_at`

func (r *SQLRepository) ListVariations(ctx context.Context, filters ListFilters) ([]Variation, int, error) {
	where, args := listWhere(filters, []string{"sku", "product_name", "name", "barcode"})
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM variations`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filters.Offset)
	query := fmt.Sprintf(`SELECT `+variationColumns+` FROM variations%s ORDER BY sku ASC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	variations := []Variation{}
	for rows.Next() {
		var v Variation
		if err := scanVariation(rows, &v); err != nil {
			return nil, 0, err
		}
		variations = append(variations, v)
	}
	return variations, total, rows.Err()
}

func (r *SQLRepository) GetVariation(ctx context.Context, id int64) (Variation, error) {
	var v Variation
	row := r.pool.QueryRow(ctx, `SELECT `+variationColumns+` FROM variations WHERE id=$1`, id)
	if err := scanVariation(row, &v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Variation{}, ErrVariationNotFound
		}
		return Variation{}, err
	}
	return v, nil
}

func (r *SQLRepository) CreateVariation(ctx context.Context, v Variation) (Variation, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO variations (sku, product_name, name, barcode, serialized, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW()) RETURNING id, created_at, updated_at`,
		v.SKU, v.ProductName, v.Name, v.Barcode, v.Serialized, v.IsActive).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return Variation{}, mapUniqueViolation(err)
	}
	return v, nil
}

func (r *SQLRepository) UpdateVariation(ctx context.Context, id int64, v Variation) error {
	tag, err := r.pool.Exec(ctx, `UPDATE variations SET sku=$1, product_name=$2, name=$3, barcode=$4, serialized=$5, is_active=$6, updated_at=NOW()
WHERE id=$7`, v.SKU, v.ProductName, v.Name, v.Barcode, v.Serialized, v.IsActive, id)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVariationNotFound
	}
	return nil
}

func (r *SQLRepository) VariationExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM variations WHERE id=$1 AND is_active)`, id).Scan(&exists)
	return exists, err
}

func listWhere(filters ListFilters, searchCols []string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		ors := make([]string, 0, len(searchCols))
		for _, col := range searchCols {
			ors = append(ors, fmt.Sprintf("%s ILIKE $%d", col, len(args)))
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	if filters.IsActive != nil {
		args = append(args, *filters.IsActive)
		conds = append(conds, fmt.Sprintf("is_active=$%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateCode
	}
	return err
}

func scanLocation(row pgx.Row, l *Location) error {
	var address *string
	if err := row.Scan(&l.ID, &l.Code, &l.Name, &l.Kind, &address, &l.IsActive, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return err
	}
	if address != nil {
		l.Address = *address
	}
	return nil
}

func scanVariation(row pgx.Row, v *Variation) error {
	var barcode *string
	if err := row.Scan(&v.ID, &v.SKU, &v.ProductName, &v.Name, &barcode, &v.Serialized, &v.IsActive, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return err
	}
	if barcode != nil {
		v.Barcode = *barcode
	}
	return nil
}
