package types

import "time"

// Topic identifies an event stream on the bus
type Topic string

const (
	TopicMedicationAdded   Topic = "medication.added"
	TopicMedicationUpdated Topic = "medication.updated"
	TopicMedicationDeleted Topic = "medication.deleted"
	TopicReminderFired     Topic = "reminder.fired"
	TopicReminderSnoozed   Topic = "reminder.snoozed"
	TopicDoseTaken         Topic = "dose.taken"
	TopicDoseMissed        Topic = "dose.missed"
	TopicDoseLate          Topic = "dose.late"
	TopicHabitCompleted    Topic = "habit.completed"
	TopicPatternDetected   Topic = "pattern.detected"
	TopicQuantityLow       Topic = "quantity.low"
)

// Event is the stable envelope published on the bus. Data is topic-specific;
// EventID lets subscribers deduplicate redeliveries.
type Event struct {
	Topic      Topic          `json:"topic"`
	EventID    string         `json:"event_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}
