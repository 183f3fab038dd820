package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is wrapped by all lookup misses.
var ErrNotFound = errors.New("not found")

// Store is the bbolt-backed persistence layer for one vat. All access goes
// through a Tx; the turn engine holds a single writable Tx for the whole
// turn so that commit or rollback of that Tx is the atomicity boundary.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the vat database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUrbjects,
			bucketPowers,
			bucketMemories,
			bucketPeers,
			bucketOutbound,
			bucketInbound,
			bucketCounters,
			bucketNode,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin starts a transaction. The caller owns it and must Commit or
// Rollback. bbolt allows one writer at a time, which matches the
// one-turn-in-flight vat model.
func (s *Store) Begin(writable bool) (*Tx, error) {
	btx, err := s.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{btx: btx}, nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(*Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// Update runs fn in a writable transaction, committing on nil error.
func (s *Store) Update(fn func(*Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}
