package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kiloguardian/kilo/pkg/types"
)

var (
	bucketMeds = []byte("medications")
	// bucketDoseMarks records which reminders already consumed a dose, so
	// retrying a half-applied confirmation never decrements twice
	bucketDoseMarks = []byte("dose_marks")
)

// MedStore persists medications for the registry
type MedStore struct {
	db *bolt.DB
}

// NewMedStore opens the medication database under dataDir
func NewMedStore(dataDir string) (*MedStore, error) {
	db, err := openDB(dataDir, "meds.db", bucketMeds, bucketDoseMarks)
	if err != nil {
		return nil, err
	}
	return &MedStore{db: db}, nil
}

// Close closes the database
func (s *MedStore) Close() error {
	return s.db.Close()
}

// Create persists a new medication
func (s *MedStore) Create(med *types.Medication) error {
	if med.ID == "" {
		med.ID = uuid.New().String()
	}
	if med.CreatedAt.IsZero() {
		med.CreatedAt = time.Now().UTC()
	}
	return s.put(med)
}

// Get retrieves a medication by ID
func (s *MedStore) Get(id string) (*types.Medication, error) {
	var med types.Medication
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeds).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("medication %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &med)
	})
	if err != nil {
		return nil, err
	}
	return &med, nil
}

// List returns all medications
func (s *MedStore) List() ([]*types.Medication, error) {
	var meds []*types.Medication
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeds).ForEach(func(k, v []byte) error {
			var med types.Medication
			if err := json.Unmarshal(v, &med); err != nil {
				return err
			}
			meds = append(meds, &med)
			return nil
		})
	})
	return meds, err
}

// Update persists changes to an existing medication
func (s *MedStore) Update(med *types.Medication) error {
	med.UpdatedAt = time.Now().UTC()
	return s.put(med)
}

// Delete removes a medication
func (s *MedStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeds).Delete([]byte(id))
	})
}

// DecrementQuantity atomically decrements the remaining doses, flooring at
// zero, and returns the updated medication. Idempotent per reminder: the
// decrement and its marker commit in one transaction, and a repeat call
// for the same reminder returns the medication unchanged with applied
// false.
func (s *MedStore) DecrementQuantity(id, reminderID string, takenAt time.Time) (*types.Medication, bool, error) {
	var med types.Medication
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeds)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("medication %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &med); err != nil {
			return err
		}

		marks := tx.Bucket(bucketDoseMarks)
		if marks.Get([]byte(reminderID)) != nil {
			return nil
		}
		if err := marks.Put([]byte(reminderID), []byte(takenAt.UTC().Format(time.RFC3339Nano))); err != nil {
			return err
		}
		applied = true

		if med.Quantity > 0 {
			med.Quantity--
		}
		med.LastTakenAt = takenAt
		updated, err := json.Marshal(&med)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
	if err != nil {
		return nil, false, err
	}
	return &med, applied, nil
}

func (s *MedStore) put(med *types.Medication) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(med)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeds).Put([]byte(med.ID), data)
	})
}
