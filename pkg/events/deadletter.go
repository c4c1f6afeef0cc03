package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kiloguardian/kilo/pkg/types"
)

// DeadLetterEntry is one failed delivery, as written to the log
type DeadLetterEntry struct {
	Subscriber string      `json:"subscriber"`
	Topic      types.Topic `json:"topic"`
	Event      types.Event `json:"event"`
	Error      string      `json:"error"`
	FailedAt   time.Time   `json:"failed_at"`
}

// DeadLetterLog is an append-only JSONL file of deliveries that exhausted
// their retries. Operators reconcile from it; the bus never re-reads it.
type DeadLetterLog struct {
	mu   sync.Mutex
	path string
}

// NewDeadLetterLog creates a dead-letter log under dataDir
func NewDeadLetterLog(dataDir string) *DeadLetterLog {
	return &DeadLetterLog{path: filepath.Join(dataDir, "deadletter.jsonl")}
}

// Write appends one failed delivery
func (l *DeadLetterLog) Write(subscriber string, event types.Event, deliveryErr error) error {
	entry := DeadLetterEntry{
		Subscriber: subscriber,
		Topic:      event.Topic,
		Event:      event,
		Error:      deliveryErr.Error(),
		FailedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append dead letter: %w", err)
	}
	return nil
}

// Entries reads the full log back, for operator tooling and tests
func (l *DeadLetterLog) Entries() ([]DeadLetterEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []DeadLetterEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var entry DeadLetterEntry
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("corrupt dead-letter entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
