package masterdata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type memRepo struct {
	locations  map[int64]Location
	variations map[int64]Variation
	nextID     int64
}

func newMemRepo() *memRepo {
	return &memRepo{locations: make(map[int64]Location), variations: make(map[int64]Variation)}
}

func (r *memRepo) ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error) {
	var out []Location
	for _, l := range r.locations {
		out = append(out, l)
	}
	return out, len(out), nil
}

func (r *memRepo) GetLocation(ctx context.Context, id int64) (Location, error) {
	l, ok := r.locations[id]
	if !ok {
		return Location{}, ErrLocationNotFound
	}
	return l, nil
}

func (r *memRepo) CreateLocation(ctx context.Context, l Location) (Location, error) {
	for _, existing := range r.locations {
		if existing.Code == l.Code {
			return Location{}, ErrDuplicateCode
		}
	}
	r.nextID++
	l.ID = r.nextID
	r.locations[l.ID] = l
	return l, nil
}

func (r *memRepo) UpdateLocation(ctx context.Context, id int64, l Location) error {
	if _, ok := r.locations[id]; !ok {
		return ErrLocationNotFound
	}
	l.ID = id
	r.locations[id] = l
	return nil
}

func (r *memRepo) LocationExists(ctx context.Context, id int64) (bool, error) {
	l, ok := r.locations[id]
	return ok && l.IsActive, nil
}

func (r *memRepo) ListVariations(ctx context.Context, filters ListFilters) ([]Variation, int, error) {
	var out []Variation
	for _, v := range r.variations {
		out = append(out, v)
	}
	return out, len(out), nil
}

func (r *memRepo) GetVariation(ctx context.Context, id int64) (Variation, error) {
	v, ok := r.variations[id]
	if !ok {
		return Variation{}, ErrVariationNotFound
	}
	return v, nil
}

func (r *memRepo) CreateVariation(ctx context.Context, v Variation) (Variation, error) {
	r.nextID++
	v.ID = r.nextID
	r.variations[v.ID] = v
	return v, nil
}

func (r *memRepo) UpdateVariation(ctx context.Context, id int64, v Variation) error {
	if _, ok := r.variations[id]; !ok {
		return ErrVariationNotFound
	}
	v.ID = id
	r.variations[id] = v
	return nil
}

func (r *memRepo) VariationExists(ctx context.Context, id int64) (bool, error) {
	v, ok := r.variations[id]
	return ok && v.IsActive, nil
}

func TestCreateLocationValidation(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()

	_, err := svc.CreateLocation(ctx, Location{Name: "Main", Kind: LocationStore})
	require.Error(t, err)

	_, err = svc.CreateLocation(ctx, Location{Code: "STO-1", Name: "Main", Kind: "garage"})
	require.Error(t, err)

	l, err := svc.CreateLocation(ctx, Location{Code: "STO-1", Name: "Main", Kind: LocationStore})
	require.NoError(t, err)
	require.True(t, l.IsActive)

	_, err = svc.CreateLocation(ctx, Location{Code: "STO-1", Name: "Other", Kind: LocationStore})
	require.ErrorIs(t, err, ErrDuplicateCode)
}

func TestRequireLocation(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	ctx := context.Background()

	l, err := svc.CreateLocation(ctx, Location{Code: "WH-1", Name: "Central", Kind: LocationWarehouse})
	require.NoError(t, err)

	require.NoError(t, svc.RequireLocation(ctx, l.ID))
	require.ErrorIs(t, svc.RequireLocation(ctx, 999), ErrLocationNotFound)
	require.ErrorIs(t, svc.RequireLocation(ctx, 0), ErrLocationNotFound)

	// Deactivated locations fail the existence check.
	l.IsActive = false
	require.NoError(t, svc.UpdateLocation(ctx, l.ID, l))
	require.ErrorIs(t, svc.RequireLocation(ctx, l.ID), ErrLocationNotFound)
}

func TestRequireVariation(t *testing.T) {
	svc := NewService(newMemRepo())
	ctx := context.Background()

	v, err := svc.CreateVariation(ctx, Variation{SKU: "TSHIRT-M-BLK", ProductName: "Basic Tee"})
	require.NoError(t, err)
	require.True(t, v.IsActive)

	require.NoError(t, svc.RequireVariation(ctx, v.ID))
	require.ErrorIs(t, svc.RequireVariation(ctx, 42), ErrVariationNotFound)
}
