package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/types"
)

var bucketReminders = []byte("reminders")

// ReminderStore is the durable record of scheduled firings. It owns
// reminder rows exclusively; after creation only the adherence coordinator
// mutates their state, and all transitions are validated here.
type ReminderStore struct {
	db *bolt.DB
}

// NewReminderStore opens the reminder database under dataDir
func NewReminderStore(dataDir string) (*ReminderStore, error) {
	db, err := openDB(dataDir, "reminders.db", bucketReminders)
	if err != nil {
		return nil, err
	}
	return &ReminderStore{db: db}, nil
}

// Close closes the database
func (s *ReminderStore) Close() error {
	return s.db.Close()
}

// Create persists a new reminder. For recurring specs the caller creates
// only the next scheduled row; the scheduler advances the chain after each
// fire.
func (s *ReminderStore) Create(reminder *types.Reminder) error {
	if reminder.ID == "" {
		reminder.ID = uuid.New().String()
	}
	if reminder.State == "" {
		reminder.State = types.ReminderStateScheduled
	}
	if reminder.CreatedAt.IsZero() {
		reminder.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putReminder(tx, reminder)
	})
}

// Get retrieves a reminder by ID
func (s *ReminderStore) Get(id string) (*types.Reminder, error) {
	var reminder types.Reminder
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReminders).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &reminder)
	})
	if err != nil {
		return nil, err
	}
	return &reminder, nil
}

// List returns all reminders
func (s *ReminderStore) List() ([]*types.Reminder, error) {
	var reminders []*types.Reminder
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReminders).ForEach(func(k, v []byte) error {
			var reminder types.Reminder
			if err := json.Unmarshal(v, &reminder); err != nil {
				return err
			}
			reminders = append(reminders, &reminder)
			return nil
		})
	})
	return reminders, err
}

// ListByMed returns all reminders belonging to a medication
func (s *ReminderStore) ListByMed(medID string) ([]*types.Reminder, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Reminder
	for _, r := range all {
		if r.MedID == medID {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// ListByState returns all reminders in the given state
func (s *ReminderStore) ListByState(state types.ReminderState) ([]*types.Reminder, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Reminder
	for _, r := range all {
		if r.State == state {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// NextScheduledAt returns the earliest firing time among scheduled
// reminders, or false when none are scheduled.
func (s *ReminderStore) NextScheduledAt() (time.Time, bool, error) {
	var earliest time.Time
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReminders).ForEach(func(k, v []byte) error {
			var reminder types.Reminder
			if err := json.Unmarshal(v, &reminder); err != nil {
				return err
			}
			if reminder.State != types.ReminderStateScheduled {
				return nil
			}
			if !found || reminder.FireAt.Before(earliest) {
				earliest = reminder.FireAt
				found = true
			}
			return nil
		})
	})
	return earliest, found, err
}

// ClaimDue atomically transitions up to limit due scheduled reminders to
// fired and returns them. This is the sole claim primitive; bolt
// serializes write transactions, so two concurrent callers can never claim
// the same row.
func (s *ReminderStore) ClaimDue(now time.Time, limit int) ([]*types.Reminder, error) {
	var claimed []*types.Reminder
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReminders)
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(claimed) < limit; k, v = c.Next() {
			var reminder types.Reminder
			if err := json.Unmarshal(v, &reminder); err != nil {
				return err
			}
			if reminder.State != types.ReminderStateScheduled || reminder.FireAt.After(now) {
				continue
			}
			reminder.State = types.ReminderStateFired
			reminder.FiredAt = now
			if err := putReminder(tx, &reminder); err != nil {
				return err
			}
			claimed = append(claimed, &reminder)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkFired transitions a scheduled reminder to fired. Idempotent: marking
// an already-fired reminder returns the existing row.
func (s *ReminderStore) MarkFired(id string, at time.Time) (*types.Reminder, error) {
	return s.transition(id, func(r *types.Reminder) error {
		switch r.State {
		case types.ReminderStateFired:
			return nil // already there
		case types.ReminderStateScheduled:
			r.State = types.ReminderStateFired
			r.FiredAt = at
			return nil
		}
		return fmt.Errorf("%w: %s -> fired", ErrInvalidTransition, r.State)
	})
}

// MarkConfirmed transitions a fired or missed reminder to confirmed. A
// confirmation from missed is a late confirmation and is logged as a
// reclassification. Idempotent on already-confirmed rows.
func (s *ReminderStore) MarkConfirmed(id string, at time.Time, minutesLate int) (*types.Reminder, error) {
	return s.transition(id, func(r *types.Reminder) error {
		switch r.State {
		case types.ReminderStateConfirmed:
			return nil
		case types.ReminderStateMissed:
			log.WithReminderID(r.ID).Info().Msg("reclassifying missed reminder as late confirmation")
			fallthrough
		case types.ReminderStateFired:
			r.State = types.ReminderStateConfirmed
			r.ConfirmedAt = at
			r.MinutesLate = minutesLate
			return nil
		}
		return fmt.Errorf("%w: %s -> confirmed", ErrInvalidTransition, r.State)
	})
}

// MarkMissed transitions a fired reminder to missed once its grace window
// elapses. Idempotent on already-missed rows.
func (s *ReminderStore) MarkMissed(id string) (*types.Reminder, error) {
	return s.transition(id, func(r *types.Reminder) error {
		switch r.State {
		case types.ReminderStateMissed:
			return nil
		case types.ReminderStateFired:
			r.State = types.ReminderStateMissed
			return nil
		}
		return fmt.Errorf("%w: %s -> missed", ErrInvalidTransition, r.State)
	})
}

// Snooze reschedules a fired reminder to a new firing time and returns it
// to the scheduled state. The snooze-count cap is enforced by the
// coordinator.
func (s *ReminderStore) Snooze(id string, newTime time.Time) (*types.Reminder, error) {
	return s.transition(id, func(r *types.Reminder) error {
		if r.State != types.ReminderStateFired {
			return fmt.Errorf("%w: %s -> scheduled (snooze)", ErrInvalidTransition, r.State)
		}
		r.State = types.ReminderStateScheduled
		r.FireAt = newTime
		r.FiredAt = time.Time{}
		r.SnoozeCount++
		return nil
	})
}

// RestoreState rewinds a confirmed reminder whose confirmation side
// effects failed partway, clearing the confirmation fields so the whole
// unit can be retried. A no-op when the reminder is not confirmed.
func (s *ReminderStore) RestoreState(id string, state types.ReminderState) (*types.Reminder, error) {
	return s.transition(id, func(r *types.Reminder) error {
		if r.State != types.ReminderStateConfirmed {
			return nil
		}
		r.State = state
		r.ConfirmedAt = time.Time{}
		r.MinutesLate = 0
		return nil
	})
}

// Delete removes a reminder
func (s *ReminderStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReminders).Delete([]byte(id))
	})
}

// CascadeDeleteForMed deletes every reminder belonging to a medication and
// returns how many rows were removed.
func (s *ReminderStore) CascadeDeleteForMed(medID string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReminders)
		c := b.Cursor()
		var keys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var reminder types.Reminder
			if err := json.Unmarshal(v, &reminder); err != nil {
				return err
			}
			if reminder.MedID == medID {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// transition applies fn to a reminder inside one write transaction. The
// row lock provided by the transaction linearizes all state transitions
// for a single reminder.
func (s *ReminderStore) transition(id string, fn func(*types.Reminder) error) (*types.Reminder, error) {
	var reminder types.Reminder
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReminders).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &reminder); err != nil {
			return err
		}
		if err := fn(&reminder); err != nil {
			return err
		}
		return putReminder(tx, &reminder)
	})
	if err != nil {
		return nil, err
	}
	return &reminder, nil
}

func putReminder(tx *bolt.Tx, reminder *types.Reminder) error {
	data, err := json.Marshal(reminder)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketReminders).Put([]byte(reminder.ID), data)
}
