// Package domain holds the catalog business objects. Nothing in here knows
// about HTTP or about the storage technology behind the repository ports.
package domain

import (
	"math"
	"strings"
	"time"

	apperrors "github.com/mir00r/bluegreen/internal/errors"
)

// Product is a catalog entry. ID is zero until the storage layer assigns one on first save.
type Product struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

// NewProduct builds an unsaved product after checking the business rules. The
// name is stored as given.
func NewProduct(name string, price float64) (Product, error) {
	p := Product{
		Name:      name,
		Price:     price,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.Validate(); err != nil {
		return Product{}, err
	}
	return p, nil
}

// Validate enforces the product invariants.
func (p Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return apperrors.NewValidationError("Name is required")
	}
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
		return apperrors.NewValidationError("Price must be a finite number")
	}
	if p.Price < 0 {
		return apperrors.NewValidationError("Price cannot be negative")
	}
	return nil
}

// Persisted reports whether the storage layer has assigned an identifier.
func (p Product) Persisted() bool {
	return p.ID != 0
}
