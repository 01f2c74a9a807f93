package masterdata

import (
	"errors"
	"time"
)

// ListFilters represents standard list page filters.
type ListFilters struct {
	Limit    int
	Offset   int
	Search   string
	IsActive *bool
}

// Location is a stock-holding site: a store, a warehouse or a transit hub.
type Location struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Address   string    `json:"address,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location kinds.
const (
	LocationStore     = "store"
	LocationWarehouse = "warehouse"
	LocationTransit   = "transit"
)

// Variation is the sellable unit stock is tracked against: one product in
// one size/colour combination.
type Variation struct {
	ID          int64     `json:"id"`
	SKU         string    `json:"sku"`
	ProductName string    `json:"product_name"`
	Name        string    `json:"name"`
	Barcode     string    `json:"barcode,omitempty"`
	Serialized  bool      `json:"serialized"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var (
	// ErrLocationNotFound indicates an unknown or inactive location.
	ErrLocationNotFound = errors.New("location not found")
	// ErrVariationNotFound indicates an unknown or inactive variation.
	ErrVariationNotFound = errors.New("variation not found")
	// ErrDuplicateCode indicates a code or SKU collision.
	ErrDuplicateCode = errors.New("code already in use")
)
