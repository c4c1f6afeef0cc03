package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kiloguardian/kilo/pkg/types"
)

var (
	bucketPatterns = []byte("patterns")
	bucketMessages = []byte("messages")
)

// CoachingStore persists detected patterns and coaching messages for the
// pattern engine. Pattern writes supersede: one row per (med, kind).
type CoachingStore struct {
	db *bolt.DB
}

// NewCoachingStore opens the coaching database under dataDir
func NewCoachingStore(dataDir string) (*CoachingStore, error) {
	db, err := openDB(dataDir, "coaching.db", bucketPatterns, bucketMessages)
	if err != nil {
		return nil, err
	}
	return &CoachingStore{db: db}, nil
}

// Close closes the database
func (s *CoachingStore) Close() error {
	return s.db.Close()
}

// UpsertPattern writes a pattern, replacing any prior row with the same
// (med_id, kind) key.
func (s *CoachingStore) UpsertPattern(pattern *types.Pattern) error {
	if pattern.ID == "" {
		pattern.ID = uuid.New().String()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(pattern)
		if err != nil {
			return err
		}
		key := pattern.MedID + "/" + string(pattern.Kind)
		return tx.Bucket(bucketPatterns).Put([]byte(key), data)
	})
}

// DeletePattern removes the pattern row for (med_id, kind), if present
func (s *CoachingStore) DeletePattern(medID string, kind types.PatternKind) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPatterns).Delete([]byte(medID + "/" + string(kind)))
	})
}

// ListPatterns returns all current patterns for a medication
func (s *CoachingStore) ListPatterns(medID string) ([]*types.Pattern, error) {
	var patterns []*types.Pattern
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPatterns).ForEach(func(k, v []byte) error {
			var pattern types.Pattern
			if err := json.Unmarshal(v, &pattern); err != nil {
				return err
			}
			if pattern.MedID == medID {
				patterns = append(patterns, &pattern)
			}
			return nil
		})
	})
	return patterns, err
}

// SaveMessage persists a coaching message
func (s *CoachingStore) SaveMessage(msg *types.CoachingMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return s.putMessage(msg)
}

// GetMessage retrieves a message by ID
func (s *CoachingStore) GetMessage(id string) (*types.CoachingMessage, error) {
	var msg types.CoachingMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &msg)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// PendingMessages returns undelivered messages whose not-before time has
// passed, oldest first.
func (s *CoachingStore) PendingMessages(now time.Time) ([]*types.CoachingMessage, error) {
	var pending []*types.CoachingMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg types.CoachingMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if msg.DeliveredAt.IsZero() && !msg.NotBefore.After(now) {
				pending = append(pending, &msg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].GeneratedAt.Before(pending[j].GeneratedAt)
	})
	return pending, nil
}

// MarkDelivered stamps a message as delivered
func (s *CoachingStore) MarkDelivered(id string, at time.Time) (*types.CoachingMessage, error) {
	return s.updateMessage(id, func(msg *types.CoachingMessage) {
		if msg.DeliveredAt.IsZero() {
			msg.DeliveredAt = at
		}
	})
}

// RecordFeedback stores the user's reaction to a message
func (s *CoachingStore) RecordFeedback(id string, feedback types.Feedback, at time.Time) (*types.CoachingMessage, error) {
	return s.updateMessage(id, func(msg *types.CoachingMessage) {
		msg.Feedback = feedback
		msg.ReadAt = at
	})
}

// LastGeneratedAt returns when a message of the given (user, kind, med)
// key was most recently generated, or false when none exists. The cooldown
// check keys off generation, so queued quiet-hours messages still count.
func (s *CoachingStore) LastGeneratedAt(user string, kind types.MessageKind, medID string) (time.Time, bool, error) {
	var last time.Time
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg types.CoachingMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if msg.User == user && msg.Kind == kind && msg.MedID == medID {
				if !found || msg.GeneratedAt.After(last) {
					last = msg.GeneratedAt
					found = true
				}
			}
			return nil
		})
	})
	return last, found, err
}

// ListMessages returns every message for a user, newest first
func (s *CoachingStore) ListMessages(user string) ([]*types.CoachingMessage, error) {
	var msgs []*types.CoachingMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg types.CoachingMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if msg.User == user {
				msgs = append(msgs, &msg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].GeneratedAt.After(msgs[j].GeneratedAt)
	})
	return msgs, nil
}

func (s *CoachingStore) updateMessage(id string, fn func(*types.CoachingMessage)) (*types.CoachingMessage, error) {
	var msg types.CoachingMessage
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		fn(&msg)
		updated, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *CoachingStore) putMessage(msg *types.CoachingMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessages).Put([]byte(msg.ID), data)
	})
}
