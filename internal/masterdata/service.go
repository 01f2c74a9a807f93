package masterdata

import (
	"context"
	"errors"
	"strings"
)

// Repository is the persistence port for master data.
type Repository interface {
	ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error)
	GetLocation(ctx context.Context, id int64) (Location, error)
	CreateLocation(ctx context.Context, l Location) (Location, error)
	UpdateLocation(ctx context.Context, id int64, l Location) error
	LocationExists(ctx context.Context, id int64) (bool, error)

	ListVariations(ctx context.Context, filters ListFilters) ([]Variation, int, error)
	GetVariation(ctx context.Context, id int64) (Variation, error)
	CreateVariation(ctx context.Context, v Variation) (Variation, error)
	UpdateVariation(ctx context.Context, id int64, v Variation) error
	VariationExists(ctx context.Context, id int64) (bool, error)
}

// Service exposes master data lookups and maintenance.
type Service struct {
	repo Repository
}

// NewService creates a new master data service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Location operations

func (s *Service) ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error) {
	return s.repo.ListLocations(ctx, filters)
}

func (s *Service) GetLocation(ctx context.Context, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, ErrLocationNotFound
	}
	return s.repo.GetLocation(ctx, id)
}

func (s *Service) CreateLocation(ctx context.Context, l Location) (Location, error) {
	if err := validateLocation(l); err != nil {
		return Location{}, err
	}
	l.IsActive = true
	return s.repo.CreateLocation(ctx, l)
}

func (s *Service) UpdateLocation(ctx context.Context, id int64, l Location) error {
	if id <= 0 {
		return ErrLocationNotFound
	}
	if err := validateLocation(l); err != nil {
		return err
	}
	return s.repo.UpdateLocation(ctx, id, l)
}

// RequireLocation fails with ErrLocationNotFound when the id does not name
// an active location. Used by workflow validation before any stock moves.
func (s *Service) RequireLocation(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrLocationNotFound
	}
	ok, err := s.repo.LocationExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocationNotFound
	}
	return nil
}

// Variation operations

func (s *Service) ListVariations(ctx context.Context, filters ListFilters) ([]Variation, int, error) {
	return s.repo.ListVariations(ctx, filters)
}

func (s *Service) GetVariation(ctx context.Context, id int64) (Variation, error) {
	if id <= 0 {
		return Variation{}, ErrVariationNotFound
	}
	return s.repo.GetVariation(ctx, id)
}

func (s *Service) CreateVariation(ctx context.Context, v Variation) (Variation, error) {
	if err := validateVariation(v); err != nil {
		return Variation{}, err
	}
	v.IsActive = true
	return s.repo.CreateVariation(ctx, v)
}

func (s *Service) UpdateVariation(ctx context.Context, id int64, v Variation) error {
	if id <= 0 {
		return ErrVariationNotFound
	}
	if err := validateVariation(v); err != nil {
		return err
	}
	return s.repo.UpdateVariation(ctx, id, v)
}

// RequireVariation fails with ErrVariationNotFound when the id does not
// name an active variation.
func (s *Service) RequireVariation(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrVariationNotFound
	}
	ok, err := s.repo.VariationExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVariationNotFound
	}
	return nil
}

func validateLocation(l Location) error {
	if strings.TrimSpace(l.Code) == "" {
		return errors.New("location code is required")
	}
	if strings.TrimSpace(l.Name) == "" {
		return errors.New("location name is required")
	}
	switch l.Kind {
	case LocationStore, LocationWarehouse, LocationTransit:
		return nil
	default:
		return errors.New("unknown location kind")
	}
}

func validateVariation(v Variation) error {
	if strings.TrimSpace(v.SKU) == "" {
		return errors.New("variation SKU is required")
	}
	if strings.TrimSpace(v.ProductName) == "" {
		return errors.New("variation product name is required")
	}
	return nil
}
