package types

import (
	"encoding/json"
	"time"
)

// ReminderState represents the lifecycle state of a reminder
type ReminderState string

const (
	ReminderStateScheduled ReminderState = "scheduled"
	ReminderStateFired     ReminderState = "fired"
	ReminderStateConfirmed ReminderState = "confirmed"
	ReminderStateMissed    ReminderState = "missed"
)

// RecurrenceKind represents how a reminder repeats
type RecurrenceKind string

const (
	RecurrenceNone     RecurrenceKind = "none"
	RecurrenceDaily    RecurrenceKind = "daily"
	RecurrenceWeekly   RecurrenceKind = "weekly"
	RecurrenceHourly   RecurrenceKind = "hourly"
	RecurrenceCron     RecurrenceKind = "cron"
	RecurrenceFallback RecurrenceKind = "parsed-fallback"
)

// HabitFrequency represents how often a habit is expected to complete
type HabitFrequency string

const (
	FrequencyDaily   HabitFrequency = "daily"
	FrequencyWeekly  HabitFrequency = "weekly"
	FrequencyMonthly HabitFrequency = "monthly"
)

// EventKind classifies an adherence event
type EventKind string

const (
	EventTaken  EventKind = "taken"
	EventMissed EventKind = "missed"
	EventLate   EventKind = "late"
)

// PatternKind classifies a detected adherence pattern
type PatternKind string

const (
	PatternLateOnWeekday      PatternKind = "late_on_weekday"
	PatternMissOnWeekday      PatternKind = "miss_on_weekday"
	PatternAdherenceTrendUp   PatternKind = "adherence_trend_up"
	PatternAdherenceTrendDown PatternKind = "adherence_trend_down"
	PatternQuantityLow        PatternKind = "quantity_low"
)

// MessageKind classifies a coaching message
type MessageKind string

const (
	MessageMissedDose  MessageKind = "missed_dose"
	MessageLatePattern MessageKind = "late_pattern"
	MessageMissPattern MessageKind = "miss_pattern"
	MessageTrendUp     MessageKind = "trend_up"
	MessageTrendDown   MessageKind = "trend_down"
	MessageRefill      MessageKind = "refill"
)

// Feedback is the user's reaction to a coaching message
type Feedback string

const (
	FeedbackHelpful    Feedback = "helpful"
	FeedbackNotHelpful Feedback = "not_helpful"
	FeedbackDismissed  Feedback = "dismissed"
)

// Medication represents a tracked medication and its dosing schedule
type Medication struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Dosage        string    `json:"dosage"`
	Quantity      int       `json:"quantity"`
	LowThreshold  int       `json:"low_threshold_days"`
	Schedule      string    `json:"schedule"`
	Timezone      string    `json:"timezone"`
	Prescriber    string    `json:"prescriber,omitempty"`
	Instructions  string    `json:"instructions,omitempty"`
	ScheduleWarn  bool      `json:"schedule_warn,omitempty"` // set when the schedule string fell back to the default
	NeedsReview   []string  `json:"needs_review,omitempty"`  // low-confidence fields from extraction
	HabitID       string    `json:"habit_id,omitempty"`
	LastTakenAt   time.Time `json:"last_taken_at,omitzero"`
	NextDoseAt    time.Time `json:"next_dose_at,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// FiringSpec is one canonical firing of a schedule: a wall-clock time of
// day plus how it recurs. Hour/Minute are in the medication's timezone.
type FiringSpec struct {
	Hour       int            `json:"hour"`
	Minute     int            `json:"minute"`
	Recurrence RecurrenceKind `json:"recurrence"`
	// IntervalHours is set for hourly recurrence (every N hours)
	IntervalHours int `json:"interval_hours,omitempty"`
	// Weekday is set for weekly recurrence (0 = Sunday)
	Weekday time.Weekday `json:"weekday,omitempty"`
	// CronExpr is set for cron recurrence
	CronExpr string `json:"cron_expr,omitempty"`
	Timezone string `json:"timezone"`
}

// Reminder represents one scheduled firing of a medication or ad-hoc task
type Reminder struct {
	ID          string        `json:"id"`
	MedID       string        `json:"med_id,omitempty"`
	HabitID     string        `json:"habit_id,omitempty"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Spec        FiringSpec    `json:"spec"`
	FireAt      time.Time     `json:"fire_at"` // canonical firing time (UTC instant)
	State       ReminderState `json:"state"`
	FiredAt     time.Time     `json:"fired_at,omitzero"`
	ConfirmedAt time.Time     `json:"confirmed_at,omitzero"`
	MinutesLate int           `json:"minutes_late,omitempty"`
	SnoozeCount int           `json:"snooze_count,omitempty"`
	GraceWindow int           `json:"grace_window_minutes"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Habit represents a recurring behaviour being tracked
type Habit struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Frequency        HabitFrequency `json:"frequency"`
	MedID            string         `json:"med_id,omitempty"`
	CurrentStreak    int            `json:"current_streak"`
	LongestStreak    int            `json:"longest_streak"`
	TotalCompletions int            `json:"total_completions"`
	CreatedAt        time.Time      `json:"created_at"`
}

// HabitCompletion is one day's completion record for a habit
type HabitCompletion struct {
	ID             string    `json:"id"`
	HabitID        string    `json:"habit_id"`
	CompletionDate string    `json:"completion_date"` // local calendar date, YYYY-MM-DD
	Count          int       `json:"count"`
	ReminderID     string    `json:"reminder_id,omitempty"` // empty for manual completions
	CreatedAt      time.Time `json:"created_at"`
}

// AdherenceEvent is the immutable record of a single firing's outcome
type AdherenceEvent struct {
	ID          string          `json:"id"`
	MedID       string          `json:"med_id"`
	ReminderID  string          `json:"reminder_id"`
	Kind        EventKind       `json:"kind"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	ActualAt    time.Time       `json:"actual_at,omitzero"`
	MinutesLate int             `json:"minutes_late,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Pattern is a derived statement about a medication's adherence history
type Pattern struct {
	ID          string      `json:"id"`
	MedID       string      `json:"med_id"`
	Kind        PatternKind `json:"kind"`
	Confidence  float64     `json:"confidence"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	Description string      `json:"description"`
	// Params holds detector-specific values (weekday, slope, samples)
	Params     map[string]float64 `json:"params,omitempty"`
	DetectedAt time.Time          `json:"detected_at"`
}

// CoachingMessage is a rate-limited advisory generated by the pattern engine
type CoachingMessage struct {
	ID          string      `json:"id"`
	User        string      `json:"user"`
	MedID       string      `json:"med_id,omitempty"`
	Kind        MessageKind `json:"kind"`
	Text        string      `json:"text"`
	GeneratedAt time.Time   `json:"generated_at"`
	NotBefore   time.Time   `json:"not_before,omitzero"` // earliest allowed delivery (quiet hours)
	DeliveredAt time.Time   `json:"delivered_at,omitzero"`
	ReadAt      time.Time   `json:"read_at,omitzero"`
	Feedback    Feedback    `json:"feedback,omitempty"`
}

// AdminToken is a bcrypt-hashed API token with scopes
type AdminToken struct {
	ID        string    `json:"id"`
	Hash      []byte    `json:"hash"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`
}

// Revoked reports whether the token has been revoked
func (t *AdminToken) Revoked() bool {
	return !t.RevokedAt.IsZero()
}

// Expired reports whether the token has expired as of now
func (t *AdminToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
