// Package ports declares the persistence contracts the catalog use cases depend on.
// Adapters under internal/catalog/adapters implement them.
package ports

import (
	"context"
	"errors"

	"github.com/mir00r/bluegreen/internal/catalog/domain"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// ErrEmailTaken is returned by UserRepository.Save when another user already
// owns the email address.
var ErrEmailTaken = errors.New("email already registered")

// ProductRepository persists products. Save assigns the identifier of an unsaved product.
type ProductRepository interface {
	Save(ctx context.Context, product domain.Product) (domain.Product, error)
	FindByID(ctx context.Context, id int64) (domain.Product, error)
	Delete(ctx context.Context, id int64) error
}

// UserRepository persists users. Emails are unique case-insensitively.
// FindByEmail returns ErrNotFound for unknown addresses.
type UserRepository interface {
	Save(ctx context.Context, user domain.User) (domain.User, error)
	FindByID(ctx context.Context, id int64) (domain.User, error)
	FindByEmail(ctx context.Context, email string) (domain.User, error)
}
