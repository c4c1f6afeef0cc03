package habits

import (
	"context"
	"fmt"
	"sort"
	"time"

	"k8s.io/utils/clock"

	"github.com/kiloguardian/kilo/pkg/events"
	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/storage"
	"github.com/kiloguardian/kilo/pkg/types"
)

const dateLayout = "2006-01-02"

// Service owns habits and their completion ledger. All writes funnel
// through it so the streak caches on the habit row always reflect the
// ledger.
type Service struct {
	store *storage.HabitStore
	bus   *events.Bus
	clk   clock.PassiveClock
	tz    string
}

// New creates a habit service. tz is the default location for resolving
// "today" when a completion carries no timezone of its own.
func New(store *storage.HabitStore, bus *events.Bus, clk clock.PassiveClock, tz string) *Service {
	return &Service{store: store, bus: bus, clk: clk, tz: tz}
}

// Health reports whether the service can reach its store
func (s *Service) Health(ctx context.Context) error {
	_, err := s.store.ListHabits()
	return err
}

// CreateHabit persists a new habit
func (s *Service) CreateHabit(habit *types.Habit) error {
	if habit.Name == "" {
		return fmt.Errorf("habit name is required: %w", storage.ErrConflict)
	}
	return s.store.CreateHabit(habit)
}

// GetHabit retrieves a habit by ID
func (s *Service) GetHabit(id string) (*types.Habit, error) {
	return s.store.GetHabit(id)
}

// ListHabits returns all habits
func (s *Service) ListHabits() ([]*types.Habit, error) {
	return s.store.ListHabits()
}

// UpdateHabit persists changes to a habit's descriptive fields. Streak
// caches are ledger-derived and cannot be set directly.
func (s *Service) UpdateHabit(habit *types.Habit) error {
	existing, err := s.store.GetHabit(habit.ID)
	if err != nil {
		return err
	}
	habit.CurrentStreak = existing.CurrentStreak
	habit.LongestStreak = existing.LongestStreak
	habit.TotalCompletions = existing.TotalCompletions
	habit.CreatedAt = existing.CreatedAt
	return s.store.UpdateHabit(habit)
}

// DeleteHabit removes a habit and its completion history
func (s *Service) DeleteHabit(id string) error {
	return s.store.DeleteHabit(id)
}

// ListCompletions returns a habit's completion rows in date order
func (s *Service) ListCompletions(habitID string) ([]*types.HabitCompletion, error) {
	return s.store.ListCompletions(habitID)
}

// HasCompletionForReminder reports whether a completion is already
// attributed to the reminder.
func (s *Service) HasCompletionForReminder(habitID, reminderID string) (bool, error) {
	return s.store.HasCompletionForReminder(habitID, reminderID)
}

// Complete records a completion for the habit on the calendar date of
// the given instant in tz (the service default when empty). At most one
// row exists per date; repeats increment its count. Streak caches are
// recomputed and a habit.completed event is published for new dates.
func (s *Service) Complete(habitID, reminderID string, at time.Time, tz string) (*types.HabitCompletion, bool, error) {
	habit, err := s.store.GetHabit(habitID)
	if err != nil {
		return nil, false, err
	}

	loc := s.location(tz)
	date := at.In(loc).Format(dateLayout)

	completion, created, err := s.store.UpsertCompletion(habitID, date, reminderID, at)
	if err != nil {
		return nil, false, err
	}

	habit.TotalCompletions++
	if created {
		current, longest, err := s.streaks(habit)
		if err != nil {
			return nil, false, err
		}
		habit.CurrentStreak = current
		if longest > habit.LongestStreak {
			habit.LongestStreak = longest
		}
	}
	if err := s.store.UpdateHabit(habit); err != nil {
		return nil, false, err
	}

	if created && s.bus != nil {
		s.bus.Publish(types.TopicHabitCompleted, map[string]any{
			"habit_id":    habitID,
			"date":        date,
			"reminder_id": reminderID,
			"streak":      habit.CurrentStreak,
		})
	}
	log.WithComponent("habits").Debug().
		Str("habit_id", habitID).
		Str("date", date).
		Int("streak", habit.CurrentStreak).
		Msg("completion recorded")
	return completion, created, nil
}

// Streaks recomputes the current and longest streaks from the ledger
func (s *Service) Streaks(habitID string) (current, longest int, err error) {
	habit, err := s.store.GetHabit(habitID)
	if err != nil {
		return 0, 0, err
	}
	return s.streaks(habit)
}

// AdherenceRate returns completed periods over expected periods in the
// trailing window of windowDays, clamped to [0, 1].
func (s *Service) AdherenceRate(habitID string, windowDays int) (float64, error) {
	habit, err := s.store.GetHabit(habitID)
	if err != nil {
		return 0, err
	}
	completions, err := s.store.ListCompletions(habitID)
	if err != nil {
		return 0, err
	}

	expected := float64(windowDays)
	switch habit.Frequency {
	case types.FrequencyWeekly:
		expected = float64(windowDays) / 7
	case types.FrequencyMonthly:
		expected = float64(windowDays) / 30
	}
	if expected < 1 {
		expected = 1
	}

	cutoff := s.clk.Now().In(s.location("")).AddDate(0, 0, -windowDays).Format(dateLayout)
	done := 0
	for _, c := range completions {
		if c.CompletionDate >= cutoff {
			done++
		}
	}

	rate := float64(done) / expected
	if rate > 1 {
		rate = 1
	}
	return rate, nil
}

// streaks walks the ledger in period units (days, weeks or months per the
// habit's frequency). The current streak counts consecutive completed
// periods ending in the current or immediately previous period, so an
// in-progress day does not break a run.
func (s *Service) streaks(habit *types.Habit) (current, longest int, err error) {
	completions, err := s.store.ListCompletions(habit.ID)
	if err != nil {
		return 0, 0, err
	}
	if len(completions) == 0 {
		return 0, 0, nil
	}

	seen := make(map[int]bool, len(completions))
	for _, c := range completions {
		date, err := time.Parse(dateLayout, c.CompletionDate)
		if err != nil {
			return 0, 0, fmt.Errorf("corrupt completion date %q: %w", c.CompletionDate, err)
		}
		seen[periodIndex(date, habit.Frequency)] = true
	}

	periods := make([]int, 0, len(seen))
	for p := range seen {
		periods = append(periods, p)
	}
	sort.Ints(periods)

	run := 1
	longest = 1
	for i := 1; i < len(periods); i++ {
		if periods[i] == periods[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	today := periodIndex(s.clk.Now().In(s.location("")), habit.Frequency)
	anchor := today
	if !seen[anchor] {
		anchor = today - 1
	}
	for seen[anchor] {
		current++
		anchor--
	}
	return current, longest, nil
}

// periodIndex maps a date to its streak period: days, Monday-based weeks
// or calendar months since the epoch.
func periodIndex(date time.Time, freq types.HabitFrequency) int {
	days := int(time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400)
	switch freq {
	case types.FrequencyWeekly:
		// Epoch day zero was a Thursday; shift so weeks begin Monday
		return (days + 3) / 7
	case types.FrequencyMonthly:
		return date.Year()*12 + int(date.Month())
	}
	return days
}

func (s *Service) location(tz string) *time.Location {
	if tz == "" {
		tz = s.tz
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
