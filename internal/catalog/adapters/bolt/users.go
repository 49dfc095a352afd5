package bolt

import (
	"context"
	"strings"

	"github.com/boltdb/bolt"
	"github.com/mir00r/bluegreen/internal/catalog/domain"
	"github.com/mir00r/bluegreen/internal/catalog/ports"
	"github.com/mir00r/bluegreen/pkg/logger"
)

// userRecord keeps the password hash, which domain.User hides from JSON.
type userRecord struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	IsActive     bool   `json:"is_active"`
}

func toRecord(u domain.User) userRecord {
	return userRecord{ID: u.ID, Name: u.Name, Email: u.Email, PasswordHash: u.PasswordHash, IsActive: u.IsActive}
}

func (r userRecord) toDomain() domain.User {
	return domain.User{ID: r.ID, Name: r.Name, Email: r.Email, PasswordHash: r.PasswordHash, IsActive: r.IsActive}
}

type UserRepository struct {
	db  *bolt.DB
	log *logger.Logger
}

func (r *UserRepository) Save(_ context.Context, user domain.User) (domain.User, error) {
	err := r.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket)
		emails := tx.Bucket(emailsBucket)

		email := []byte(strings.ToLower(user.Email))
		if owner := emails.Get(email); owner != nil && btoi(owner) != user.ID {
			r.log.Debugf("Email %s already owned by user %d", email, btoi(owner))
			return ports.ErrEmailTaken
		}

		if user.ID == 0 {
			seq, err := users.NextSequence()
			if err != nil {
				return err
			}
			user.ID = int64(seq)
		} else {
			existing, err := findUser(tx, itob(user.ID))
			if err != nil {
				return err
			}
			if err := emails.Delete([]byte(strings.ToLower(existing.Email))); err != nil {
				return err
			}
		}

		value, err := encode(toRecord(user))
		if err != nil {
			return err
		}
		if err := users.Put(itob(user.ID), value); err != nil {
			return err
		}
		return emails.Put(email, itob(user.ID))
	})
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (r *UserRepository) FindByID(_ context.Context, id int64) (domain.User, error) {
	var user domain.User
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		user, err = findUser(tx, itob(id))
		return err
	})
	return user, err
}

func (r *UserRepository) FindByEmail(_ context.Context, email string) (domain.User, error) {
	var user domain.User
	err := r.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(emailsBucket).Get([]byte(strings.ToLower(email)))
		if key == nil {
			return ports.ErrNotFound
		}
		var err error
		user, err = findUser(tx, key)
		return err
	})
	return user, err
}

func findUser(tx *bolt.Tx, key []byte) (domain.User, error) {
	value := tx.Bucket(usersBucket).Get(key)
	if value == nil {
		return domain.User{}, ports.ErrNotFound
	}
	var record userRecord
	if err := decode(value, &record); err != nil {
		return domain.User{}, err
	}
	return record.toDomain(), nil
}
