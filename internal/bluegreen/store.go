package bluegreen

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/boltdb/bolt"
)

// Record is what the switch persists between restarts.
type Record struct {
	Snapshot  Snapshot   `json:"snapshot"`
	Instances []Instance `json:"instances"`
}

// StateStore persists the routing record so a restarted switch keeps routing
// to the last active instance.
type StateStore interface {
	Load(ctx context.Context) (Record, bool, error)
	Save(ctx context.Context, rec Record) error
}

// MemoryStateStore keeps the record in process memory.
type MemoryStateStore struct {
	mu  sync.Mutex
	rec *Record
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (s *MemoryStateStore) Load(context.Context) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return Record{}, false, nil
	}
	return cloneRecord(*s.rec), true, nil
}

func (s *MemoryStateStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneRecord(rec)
	s.rec = &c
	return nil
}

func cloneRecord(rec Record) Record {
	out := rec
	out.Instances = append([]Instance(nil), rec.Instances...)
	return out
}

var (
	stateBucket = []byte("switch")
	stateKey    = []byte("state")
)

// BoltStateStore keeps the record in a bolt file.
type BoltStateStore struct {
	db *bolt.DB
}

// OpenBoltStateStore opens (or creates) the state file.
func OpenBoltStateStore(path string) (*BoltStateStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create state bucket: %w", err)
	}
	return &BoltStateStore{db: db}, nil
}

func (s *BoltStateStore) Close() error {
	return s.db.Close()
}

func (s *BoltStateStore) Load(context.Context) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(stateBucket).Get(stateKey)
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("load switch state: %w", err)
	}
	return rec, found, nil
}

func (s *BoltStateStore) Save(_ context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode switch state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(stateKey, value)
	})
}
