package shared

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Authorizer answers location-scoped access questions. Permission evaluation
// lives outside the engine; workflows only ask before a location-bound
// transition mutates stock.
type Authorizer interface {
	// IsAuthorizedForLocation reports whether the actor may operate on the
	// given location.
	IsAuthorizedForLocation(ctx context.Context, actor Actor, locationID int64) (bool, error)
	// AccessibleLocationIDs lists locations the actor may operate on. A nil
	// slice means every location.
	AccessibleLocationIDs(ctx context.Context, actor Actor) ([]int64, error)
}

// ErrUnauthorizedLocation indicates the actor lacks access to the location
// required by a transition.
var ErrUnauthorizedLocation = errors.New("actor not authorized for location")

// RequireLocationAccess asks the authorizer and converts a denial into
// ErrUnauthorizedLocation.
func RequireLocationAccess(ctx context.Context, authz Authorizer, actor Actor, locationID int64) error {
	if authz == nil {
		return nil
	}
	ok, err := authz.IsAuthorizedForLocation(ctx, actor, locationID)
	if err != nil {
		return fmt.Errorf("authorize location %d: %w", locationID, err)
	}
	if !ok {
		return fmt.Errorf("location %d: %w", locationID, ErrUnauthorizedLocation)
	}
	return nil
}

// PgAuthorizer resolves location assignments from the location_assignments
// table. It is the default production Authorizer.
type PgAuthorizer struct {
	pool *pgxpool.Pool
}

// NewPgAuthorizer constructs PgAuthorizer.
func NewPgAuthorizer(pool *pgxpool.Pool) *PgAuthorizer {
	return &PgAuthorizer{pool: pool}
}

// IsAuthorizedForLocation checks a single location assignment. Actors flagged
// with all-location access short-circuit without a query.
func (a *PgAuthorizer) IsAuthorizedForLocation(ctx context.Context, actor Actor, locationID int64) (bool, error) {
	if a == nil || a.pool == nil {
		return false, errors.New("authorizer not initialised")
	}
	if actor.HasPermission(PermAllLocations) {
		return true, nil
	}
	var ok bool
	err := a.pool.QueryRow(ctx, `SELECT true FROM location_assignments WHERE actor_id=$1 AND location_id=$2 LIMIT 1`, actor.ID, locationID).Scan(&ok)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// AccessibleLocationIDs lists assigned location ids, nil meaning all.
func (a *PgAuthorizer) AccessibleLocationIDs(ctx context.Context, actor Actor) ([]int64, error) {
	if a == nil || a.pool == nil {
		return nil, errors.New("authorizer not initialised")
	}
	if actor.HasPermission(PermAllLocations) {
		return nil, nil
	}
	rows, err := a.pool.Query(ctx, `SELECT location_id FROM location_assignments WHERE actor_id=$1 ORDER BY location_id ASC`, actor.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
