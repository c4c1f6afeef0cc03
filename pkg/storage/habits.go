package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kiloguardian/kilo/pkg/types"
)

var (
	bucketHabits      = []byte("habits")
	bucketCompletions = []byte("completions")
)

// HabitStore is the append-only habit ledger: habit rows plus one
// completion row per (habit, calendar date), upserted atomically.
type HabitStore struct {
	db *bolt.DB
}

// NewHabitStore opens the habit database under dataDir
func NewHabitStore(dataDir string) (*HabitStore, error) {
	db, err := openDB(dataDir, "habits.db", bucketHabits, bucketCompletions)
	if err != nil {
		return nil, err
	}
	return &HabitStore{db: db}, nil
}

// Close closes the database
func (s *HabitStore) Close() error {
	return s.db.Close()
}

// CreateHabit persists a new habit
func (s *HabitStore) CreateHabit(habit *types.Habit) error {
	if habit.ID == "" {
		habit.ID = uuid.New().String()
	}
	if habit.Frequency == "" {
		habit.Frequency = types.FrequencyDaily
	}
	if habit.CreatedAt.IsZero() {
		habit.CreatedAt = time.Now().UTC()
	}
	return s.putHabit(habit)
}

// GetHabit retrieves a habit by ID
func (s *HabitStore) GetHabit(id string) (*types.Habit, error) {
	var habit types.Habit
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHabits).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("habit %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &habit)
	})
	if err != nil {
		return nil, err
	}
	return &habit, nil
}

// GetHabitByMed retrieves the habit linked to a medication
func (s *HabitStore) GetHabitByMed(medID string) (*types.Habit, error) {
	habits, err := s.ListHabits()
	if err != nil {
		return nil, err
	}
	for _, h := range habits {
		if h.MedID == medID {
			return h, nil
		}
	}
	return nil, fmt.Errorf("habit for medication %s: %w", medID, ErrNotFound)
}

// ListHabits returns all habits
func (s *HabitStore) ListHabits() ([]*types.Habit, error) {
	var habits []*types.Habit
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHabits).ForEach(func(k, v []byte) error {
			var habit types.Habit
			if err := json.Unmarshal(v, &habit); err != nil {
				return err
			}
			habits = append(habits, &habit)
			return nil
		})
	})
	return habits, err
}

// UpdateHabit persists changes to an existing habit
func (s *HabitStore) UpdateHabit(habit *types.Habit) error {
	return s.putHabit(habit)
}

// DeleteHabit removes a habit and its completions
func (s *HabitStore) DeleteHabit(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHabits).Delete([]byte(id)); err != nil {
			return err
		}
		// Completion keys are prefixed by habit ID
		b := tx.Bucket(bucketCompletions)
		c := b.Cursor()
		prefix := []byte(id + "/")
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertCompletion records a completion for (habit, date). At most one row
// exists per key; a duplicate increments the count atomically. Returns the
// row and whether it was newly created.
func (s *HabitStore) UpsertCompletion(habitID, date, reminderID string, at time.Time) (*types.HabitCompletion, bool, error) {
	var completion types.HabitCompletion
	created := false
	key := []byte(habitID + "/" + date)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompletions)
		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &completion); err != nil {
				return err
			}
			completion.Count++
			if completion.ReminderID == "" {
				completion.ReminderID = reminderID
			}
		} else {
			created = true
			completion = types.HabitCompletion{
				ID:             uuid.New().String(),
				HabitID:        habitID,
				CompletionDate: date,
				Count:          1,
				ReminderID:     reminderID,
				CreatedAt:      at,
			}
		}
		data, err := json.Marshal(&completion)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, false, err
	}
	return &completion, created, nil
}

// GetCompletion returns the completion row for (habit, date), if any
func (s *HabitStore) GetCompletion(habitID, date string) (*types.HabitCompletion, error) {
	var completion types.HabitCompletion
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCompletions).Get([]byte(habitID + "/" + date))
		if data == nil {
			return fmt.Errorf("completion %s/%s: %w", habitID, date, ErrNotFound)
		}
		return json.Unmarshal(data, &completion)
	})
	if err != nil {
		return nil, err
	}
	return &completion, nil
}

// ListCompletions returns all completion rows for a habit, ordered by date
// (the key encoding sorts YYYY-MM-DD lexicographically).
func (s *HabitStore) ListCompletions(habitID string) ([]*types.HabitCompletion, error) {
	var completions []*types.HabitCompletion
	prefix := []byte(habitID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCompletions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var completion types.HabitCompletion
			if err := json.Unmarshal(v, &completion); err != nil {
				return err
			}
			completions = append(completions, &completion)
		}
		return nil
	})
	return completions, err
}

// HasCompletionForReminder reports whether any completion is attributed to
// the given reminder.
func (s *HabitStore) HasCompletionForReminder(habitID, reminderID string) (bool, error) {
	completions, err := s.ListCompletions(habitID)
	if err != nil {
		return false, err
	}
	for _, c := range completions {
		if c.ReminderID == reminderID {
			return true, nil
		}
	}
	return false, nil
}

func (s *HabitStore) putHabit(habit *types.Habit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(habit)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHabits).Put([]byte(habit.ID), data)
	})
}
