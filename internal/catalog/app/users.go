package app

import (
	"context"
	"errors"
	"strings"

	"github.com/mir00r/bluegreen/internal/catalog/domain"
	"github.com/mir00r/bluegreen/internal/catalog/ports"
	apperrors "github.com/mir00r/bluegreen/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

// CreateUserCommand is the already-parsed input of CreateUser.
type CreateUserCommand struct {
	Name     string
	Email    string
	Password string
}

// CreateUser registers a new active user with a bcrypt password hash.
type CreateUser struct {
	users ports.UserRepository
	cost  int
	obs   observer
}

func NewCreateUser(users ports.UserRepository, opts ...Option) *CreateUser {
	return &CreateUser{users: users, cost: bcrypt.DefaultCost, obs: newObserver("create_user", opts)}
}

// WithHashCost lowers the bcrypt cost, used by tests.
func (uc *CreateUser) WithHashCost(cost int) *CreateUser {
	uc.cost = cost
	return uc
}

func (uc *CreateUser) Execute(ctx context.Context, cmd CreateUserCommand) (domain.User, error) {
	var saved domain.User
	err := uc.obs.run(ctx, func(ctx context.Context) error {
		if cmd.Password == "" {
			return apperrors.NewValidationError("Password is required")
		}
		email := strings.ToLower(strings.TrimSpace(cmd.Email))

		_, err := uc.users.FindByEmail(ctx, email)
		switch {
		case err == nil:
			return apperrors.NewValidationError("Email already registered")
		case !errors.Is(err, ports.ErrNotFound):
			return err
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(cmd.Password), uc.cost)
		if err != nil {
			return err
		}

		user := domain.User{
			Name:         strings.TrimSpace(cmd.Name),
			Email:        email,
			PasswordHash: string(hash),
			IsActive:     true,
		}
		if err := user.Validate(); err != nil {
			return err
		}

		saved, err = uc.users.Save(ctx, user)
		if errors.Is(err, ports.ErrEmailTaken) {
			// Lost a race with a concurrent registration.
			return apperrors.NewValidationError("Email already registered")
		}
		return err
	})
	if err != nil {
		return domain.User{}, err
	}
	return saved, nil
}

// DeactivateUser soft-deletes a user.
type DeactivateUser struct {
	users ports.UserRepository
	obs   observer
}

func NewDeactivateUser(users ports.UserRepository, opts ...Option) *DeactivateUser {
	return &DeactivateUser{users: users, obs: newObserver("deactivate_user", opts)}
}

func (uc *DeactivateUser) Execute(ctx context.Context, id int64) (domain.User, error) {
	var saved domain.User
	err := uc.obs.run(ctx, func(ctx context.Context) error {
		user, err := uc.users.FindByID(ctx, id)
		if err != nil {
			return err
		}

		user.Deactivate()
		saved, err = uc.users.Save(ctx, user)
		return err
	})
	if err != nil {
		return domain.User{}, err
	}
	return saved, nil
}
