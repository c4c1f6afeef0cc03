package storage

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kiloguardian/kilo/pkg/types"
)

var bucketAdherenceEvents = []byte("adherence_events")

// EventStore is the append-only log of adherence events. Rows are never
// mutated; they are the authoritative input for pattern analysis.
type EventStore struct {
	db *bolt.DB
}

// NewEventStore opens the adherence-event database under dataDir
func NewEventStore(dataDir string) (*EventStore, error) {
	db, err := openDB(dataDir, "adherence.db", bucketAdherenceEvents)
	if err != nil {
		return nil, err
	}
	return &EventStore{db: db}, nil
}

// Close closes the database
func (s *EventStore) Close() error {
	return s.db.Close()
}

// Append persists a new adherence event. Keys are created-at timestamps
// plus the event ID, so cursor order is chronological.
func (s *EventStore) Append(event *types.AdherenceEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		key := event.CreatedAt.UTC().Format(time.RFC3339Nano) + "/" + event.ID
		return tx.Bucket(bucketAdherenceEvents).Put([]byte(key), data)
	})
}

// ListByMed returns all events for a medication in chronological order
func (s *EventStore) ListByMed(medID string) ([]*types.AdherenceEvent, error) {
	return s.list(func(e *types.AdherenceEvent) bool {
		return e.MedID == medID
	})
}

// ListByMedSince returns events for a medication created at or after since
func (s *EventStore) ListByMedSince(medID string, since time.Time) ([]*types.AdherenceEvent, error) {
	return s.list(func(e *types.AdherenceEvent) bool {
		return e.MedID == medID && !e.CreatedAt.Before(since)
	})
}

// ListByReminder returns all events attributed to a reminder
func (s *EventStore) ListByReminder(reminderID string) ([]*types.AdherenceEvent, error) {
	return s.list(func(e *types.AdherenceEvent) bool {
		return e.ReminderID == reminderID
	})
}

func (s *EventStore) list(keep func(*types.AdherenceEvent) bool) ([]*types.AdherenceEvent, error) {
	var events []*types.AdherenceEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAdherenceEvents).ForEach(func(k, v []byte) error {
			var event types.AdherenceEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if keep(&event) {
				events = append(events, &event)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}
