// Package postgres implements the catalog repository ports on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mir00r/bluegreen/internal/catalog/domain"
	"github.com/mir00r/bluegreen/internal/catalog/ports"
	"github.com/mir00r/bluegreen/pkg/logger"
)

type ProductRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func NewProductRepository(pool *pgxpool.Pool, log *logger.Logger) *ProductRepository {
	return &ProductRepository{pool: pool, log: log.RepositoryLogger("postgres")}
}

func (r *ProductRepository) Save(ctx context.Context, product domain.Product) (domain.Product, error) {
	if product.Persisted() {
		query := `UPDATE products SET name = $2, price = $3 WHERE id = $1`
		tag, err := r.pool.Exec(ctx, query, product.ID, product.Name, product.Price)
		if err != nil {
			return domain.Product{}, fmt.Errorf("update product: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.Product{}, ports.ErrNotFound
		}
		return product, nil
	}

	query := `
		INSERT INTO products (name, price, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := r.pool.QueryRow(ctx, query, product.Name, product.Price, product.CreatedAt).Scan(&product.ID); err != nil {
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}

	return product, nil
}

func (r *ProductRepository) FindByID(ctx context.Context, id int64) (domain.Product, error) {
	query := `
		SELECT id, name, price, created_at
		FROM products
		WHERE id = $1
	`

	var product domain.Product
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&product.ID,
		&product.Name,
		&product.Price,
		&product.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, ports.ErrNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}

	return product, nil
}

func (r *ProductRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.log.Debugf("Delete matched no product with id %d", id)
		return ports.ErrNotFound
	}
	return nil
}

type UserRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func NewUserRepository(pool *pgxpool.Pool, log *logger.Logger) *UserRepository {
	return &UserRepository{pool: pool, log: log.RepositoryLogger("postgres")}
}

func (r *UserRepository) Save(ctx context.Context, user domain.User) (domain.User, error) {
	if user.ID != 0 {
		query := `
			UPDATE users SET name = $2, email = $3, password_hash = $4, is_active = $5
			WHERE id = $1
		`
		tag, err := r.pool.Exec(ctx, query, user.ID, user.Name, strings.ToLower(user.Email), user.PasswordHash, user.IsActive)
		if isUniqueViolation(err) {
			r.log.Debugf("Email %s already registered to another user", strings.ToLower(user.Email))
			return domain.User{}, ports.ErrEmailTaken
		}
		if err != nil {
			return domain.User{}, fmt.Errorf("update user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.User{}, ports.ErrNotFound
		}
		return user, nil
	}

	query := `
		INSERT INTO users (name, email, password_hash, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query, user.Name, strings.ToLower(user.Email), user.PasswordHash, user.IsActive).Scan(&user.ID)
	if isUniqueViolation(err) {
		r.log.Debugf("Email %s already registered", strings.ToLower(user.Email))
		return domain.User{}, ports.ErrEmailTaken
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id int64) (domain.User, error) {
	return r.findOne(ctx, `WHERE id = $1`, id)
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.findOne(ctx, `WHERE email = $1`, strings.ToLower(email))
}

func (r *UserRepository) findOne(ctx context.Context, where string, arg interface{}) (domain.User, error) {
	query := `SELECT id, name, email, password_hash, is_active FROM users ` + where

	var user domain.User
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ports.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}

	return user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
