// Package bolt persists the catalog in an embedded bolt database file.
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/mir00r/bluegreen/pkg/logger"
)

var (
	productsBucket = []byte("products")
	usersBucket    = []byte("users")
	emailsBucket   = []byte("users_by_email")
)

// Store owns the bolt file shared by the catalog repositories.
type Store struct {
	DB  *bolt.DB
	log *logger.Logger
}

// Open opens (or creates) the database file and its buckets.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt file %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{productsBucket, usersBucket, emailsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log = log.RepositoryLogger("bolt")
	log.Infof("Catalog store opened at %s", path)
	return &Store{DB: db, log: log}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Products returns the product repository backed by this store.
func (s *Store) Products() *ProductRepository {
	return &ProductRepository{db: s.DB}
}

// Users returns the user repository backed by this store.
func (s *Store) Users() *UserRepository {
	return &UserRepository{db: s.DB, log: s.log}
}

// itob returns an 8-byte big endian representation of v so keys sort numerically.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
