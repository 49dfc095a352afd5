package domain

import (
	"net/mail"
	"strings"

	apperrors "github.com/mir00r/bluegreen/internal/errors"
)

// User is an account of the catalog service. Deleting a user only deactivates it.
type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	IsActive     bool   `json:"is_active"`
}

// Validate enforces the user invariants.
func (u User) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return apperrors.NewValidationError("Name is required")
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return apperrors.NewValidationError("Email must be valid")
	}
	if u.PasswordHash == "" {
		return apperrors.NewValidationError("Password hash is required")
	}
	return nil
}

// Deactivate marks the user as inactive.
func (u *User) Deactivate() {
	u.IsActive = false
}
