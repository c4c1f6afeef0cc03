package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotFound indicates the referenced row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the request conflicts with current state
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition indicates a reminder state transition that the
	// state machine does not permit
	ErrInvalidTransition = errors.New("invalid state transition")
)

// openDB opens a bbolt database file under dataDir and ensures the given
// buckets exist. Every store owns its own file; components never open each
// other's databases.
func openDB(dataDir, file string, buckets ...[]byte) (*bolt.DB, error) {
	db, err := bolt.Open(filepath.Join(dataDir, file), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", file, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
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

	return db, nil
}
