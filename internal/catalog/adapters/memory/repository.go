// Package memory provides in-memory repositories useful for local development and tests.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/mir00r/bluegreen/internal/catalog/domain"
	"github.com/mir00r/bluegreen/internal/catalog/ports"
)

// ProductRepository implements ports.ProductRepository with a map guarded by a RWMutex.
type ProductRepository struct {
	mu       sync.RWMutex
	nextID   int64
	products map[int64]domain.Product
}

func NewProductRepository() *ProductRepository {
	return &ProductRepository{products: make(map[int64]domain.Product)}
}

// Save inserts unsaved products under a fresh id and overwrites persisted ones.
func (r *ProductRepository) Save(_ context.Context, product domain.Product) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !product.Persisted() {
		r.nextID++
		product.ID = r.nextID
	} else if _, ok := r.products[product.ID]; !ok {
		return domain.Product{}, ports.ErrNotFound
	}

	r.products[product.ID] = product
	return product, nil
}

func (r *ProductRepository) FindByID(_ context.Context, id int64) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	product, ok := r.products[id]
	if !ok {
		return domain.Product{}, ports.ErrNotFound
	}
	return product, nil
}

func (r *ProductRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.products[id]; !ok {
		return ports.ErrNotFound
	}
	delete(r.products, id)
	return nil
}

// Count returns the number of stored products.
func (r *ProductRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.products)
}

// UserRepository implements ports.UserRepository.
type UserRepository struct {
	mu      sync.RWMutex
	nextID  int64
	users   map[int64]domain.User
	byEmail map[string]int64
}

func NewUserRepository() *UserRepository {
	return &UserRepository{
		users:   make(map[int64]domain.User),
		byEmail: make(map[string]int64),
	}
}

func (r *UserRepository) Save(_ context.Context, user domain.User) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := strings.ToLower(user.Email)
	if owner, ok := r.byEmail[email]; ok && owner != user.ID {
		return domain.User{}, ports.ErrEmailTaken
	}

	if user.ID == 0 {
		r.nextID++
		user.ID = r.nextID
	} else if existing, ok := r.users[user.ID]; !ok {
		return domain.User{}, ports.ErrNotFound
	} else {
		delete(r.byEmail, strings.ToLower(existing.Email))
	}

	r.users[user.ID] = user
	r.byEmail[email] = user.ID
	return user, nil
}

func (r *UserRepository) FindByID(_ context.Context, id int64) (domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return domain.User{}, ports.ErrNotFound
	}
	return user, nil
}

func (r *UserRepository) FindByEmail(_ context.Context, email string) (domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[strings.ToLower(email)]
	if !ok {
		return domain.User{}, ports.ErrNotFound
	}
	return r.users[id], nil
}
