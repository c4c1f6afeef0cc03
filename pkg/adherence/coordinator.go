package adherence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/kiloguardian/kilo/pkg/events"
	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/metrics"
	"github.com/kiloguardian/kilo/pkg/schedule"
	"github.com/kiloguardian/kilo/pkg/storage"
	"github.com/kiloguardian/kilo/pkg/types"
)

// earlyConfirmWindow is how far before the canonical firing time a
// confirmation is still accepted.
const earlyConfirmWindow = 15 * time.Minute

// Config holds the coordinator's tunables
type Config struct {
	GraceWindowMinutes int
	SnoozeMinutes      int
	MaxSnoozes         int
	LowQuantityDays    int
	// Timezone is the fallback location for calendar-date attribution when
	// a reminder's spec carries none.
	Timezone string
}

// Ledger records habit completions and maintains streak caches. Satisfied
// by the habits service; completions attributed to a reminder are written
// only through this interface.
type Ledger interface {
	Complete(habitID, reminderID string, at time.Time, tz string) (*types.HabitCompletion, bool, error)
	HasCompletionForReminder(habitID, reminderID string) (bool, error)
}

// Coordinator is the sole mutator of reminder state after creation. All
// confirmations, snoozes and grace expiries funnel through it, so
// transitions for a single reminder are linearized.
type Coordinator struct {
	reminders *storage.ReminderStore
	meds      *storage.MedStore
	habits    *storage.HabitStore
	eventLog  *storage.EventStore
	ledger    Ledger
	bus       *events.Bus
	clk       clock.Clock
	cfg       Config

	grace *graceWorker
	wake  func()
}

// New creates a coordinator. Call Start to begin grace-window tracking.
func New(reminders *storage.ReminderStore, meds *storage.MedStore, habits *storage.HabitStore, eventLog *storage.EventStore, ledger Ledger, bus *events.Bus, clk clock.Clock, cfg Config) *Coordinator {
	if cfg.GraceWindowMinutes <= 0 {
		cfg.GraceWindowMinutes = 30
	}
	if cfg.SnoozeMinutes <= 0 {
		cfg.SnoozeMinutes = 15
	}
	c := &Coordinator{
		reminders: reminders,
		meds:      meds,
		habits:    habits,
		eventLog:  eventLog,
		ledger:    ledger,
		bus:       bus,
		clk:       clk,
		cfg:       cfg,
	}
	c.grace = newGraceWorker(clk, c.graceElapsed)
	return c
}

// SetWake registers a callback invoked when new scheduled reminders are
// created, so the scheduler can re-evaluate its sleep.
func (c *Coordinator) SetWake(fn func()) {
	c.wake = fn
}

// Start launches the grace-window worker
func (c *Coordinator) Start() {
	c.grace.Start()
}

// Stop stops the grace-window worker
func (c *Coordinator) Stop() {
	c.grace.Stop()
}

// Health reports whether the coordinator can reach its stores
func (c *Coordinator) Health(ctx context.Context) error {
	_, _, err := c.reminders.NextScheduledAt()
	return err
}

// Fire handles a reminder the scheduler just claimed: it announces the
// firing and arms the grace deadline. The store transition to fired
// already happened inside the claim.
func (c *Coordinator) Fire(ctx context.Context, reminder *types.Reminder) {
	metrics.RemindersFiredTotal.Inc()
	log.WithReminderID(reminder.ID).Info().
		Str("med_id", reminder.MedID).
		Time("fire_at", reminder.FireAt).
		Msg("reminder fired")

	c.bus.Publish(types.TopicReminderFired, map[string]any{
		"reminder_id": reminder.ID,
		"med_id":      reminder.MedID,
		"title":       reminder.Title,
		"fire_at":     reminder.FireAt,
	})
	c.grace.Arm(reminder.ID, c.graceDeadline(reminder))
}

// Confirm records that the user took the dose. Accepted from fired,
// missed (a late confirmation, reclassified), scheduled within the
// 15-minute pre-window, and confirmed (idempotent). Every side effect is
// idempotent per reminder, and a failed unit rewinds the state
// transition, so retrying always converges on exactly one decrement,
// completion and adherence event.
func (c *Coordinator) Confirm(ctx context.Context, id string) (*types.Reminder, error) {
	reminder, err := c.reminders.Get(id)
	if err != nil {
		return nil, err
	}
	now := c.clk.Now().UTC()

	switch reminder.State {
	case types.ReminderStateConfirmed:
		if err := c.applyConfirmEffects(reminder, false); err != nil {
			return nil, err
		}
		return reminder, nil

	case types.ReminderStateScheduled:
		if reminder.FireAt.Sub(now) > earlyConfirmWindow {
			return nil, fmt.Errorf("reminder %s fires at %s: %w",
				id, reminder.FireAt.Format(time.RFC3339), storage.ErrConflict)
		}
		// Early confirmation: fire implicitly, without announcing. The
		// claim path is bypassed, so the recurrence chain advances here.
		if _, err := c.reminders.MarkFired(id, now); err != nil {
			return nil, err
		}
		c.advanceChain(reminder)

	case types.ReminderStateFired, types.ReminderStateMissed:
		// normal and late paths

	default:
		return nil, fmt.Errorf("%w: %s -> confirmed", storage.ErrInvalidTransition, reminder.State)
	}

	wasMissed := reminder.State == types.ReminderStateMissed
	minutesLate := int(now.Sub(reminder.FireAt).Minutes())
	prior := reminder.State
	if prior == types.ReminderStateScheduled {
		prior = types.ReminderStateFired
	}

	updated, err := c.reminders.MarkConfirmed(id, now, minutesLate)
	if err != nil {
		return nil, err
	}
	c.grace.Cancel(id)

	if err := c.applyConfirmEffects(updated, wasMissed); err != nil {
		// Rewind so the retry re-runs the whole unit
		if _, rerr := c.reminders.RestoreState(id, prior); rerr != nil {
			log.Errorf("failed to rewind reminder after confirmation failure", rerr)
		} else if prior == types.ReminderStateFired {
			c.grace.Arm(id, c.graceDeadline(updated))
		}
		return nil, err
	}

	kind := "taken"
	if wasMissed {
		kind = "late"
	}
	metrics.RemindersConfirmedTotal.WithLabelValues(kind).Inc()
	return updated, nil
}

// advanceChain inserts the successor row of a recurring reminder that
// fired outside the scheduler's claim path. The successor is computed
// from the canonical firing time, so an early confirmation cannot
// re-create the occurrence it just consumed. Snoozed rows are
// re-presentations of an occurrence whose chain already advanced.
func (c *Coordinator) advanceChain(fired *types.Reminder) {
	if fired.Spec.Recurrence == "" || fired.Spec.Recurrence == types.RecurrenceNone || fired.SnoozeCount > 0 {
		return
	}
	base := c.clk.Now().UTC()
	if fired.FireAt.After(base) {
		base = fired.FireAt
	}
	next := schedule.NextAfter(fired.Spec, base)
	if next.IsZero() {
		return
	}
	successor := &types.Reminder{
		MedID:       fired.MedID,
		HabitID:     fired.HabitID,
		Title:       fired.Title,
		Description: fired.Description,
		Spec:        fired.Spec,
		FireAt:      next,
		GraceWindow: fired.GraceWindow,
	}
	if err := c.reminders.Create(successor); err != nil {
		log.Errorf("failed to advance recurrence chain", err)
		return
	}
	log.WithReminderID(fired.ID).Debug().
		Time("next_fire_at", next).
		Msg("recurrence chain advanced on implicit fire")
	if c.wake != nil {
		c.wake()
	}
}

// applyConfirmEffects runs the confirmation unit. The adherence event is
// written first and serves as the unit's marker; the quantity decrement
// and habit completion are each idempotent per reminder, so re-running
// the unit after a partial failure completes the remaining steps without
// double-applying the ones that stuck.
func (c *Coordinator) applyConfirmEffects(reminder *types.Reminder, wasMissed bool) error {
	if reminder.MedID == "" {
		// Ad-hoc reminders have no medication and leave no adherence trail.
		return nil
	}

	kind := types.EventTaken
	if wasMissed {
		kind = types.EventLate
	}

	recorded, err := c.hasConfirmEvent(reminder.ID)
	if err != nil {
		return err
	}
	if !recorded {
		event := &types.AdherenceEvent{
			MedID:       reminder.MedID,
			ReminderID:  reminder.ID,
			Kind:        kind,
			ScheduledAt: reminder.FireAt,
			ActualAt:    reminder.ConfirmedAt,
			MinutesLate: reminder.MinutesLate,
		}
		if err := c.eventLog.Append(event); err != nil {
			return fmt.Errorf("failed to append adherence event: %w", err)
		}
	}

	med, decremented, err := c.meds.DecrementQuantity(reminder.MedID, reminder.ID, reminder.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("failed to decrement quantity: %w", err)
	}

	habitID := reminder.HabitID
	if habitID == "" {
		habitID = med.HabitID
	}
	if habitID != "" {
		completed, err := c.ledger.HasCompletionForReminder(habitID, reminder.ID)
		if err != nil {
			return err
		}
		if !completed {
			tz := reminder.Spec.Timezone
			if tz == "" {
				tz = c.cfg.Timezone
			}
			if _, _, err := c.ledger.Complete(habitID, reminder.ID, reminder.ConfirmedAt, tz); err != nil {
				return fmt.Errorf("failed to record habit completion: %w", err)
			}
		}
	}

	if !recorded {
		topic := types.TopicDoseTaken
		if kind == types.EventLate {
			topic = types.TopicDoseLate
		}
		c.bus.Publish(topic, map[string]any{
			"med_id":       reminder.MedID,
			"reminder_id":  reminder.ID,
			"minutes_late": reminder.MinutesLate,
		})
	}
	if decremented {
		c.checkLowQuantity(med)
	}
	return nil
}

// hasConfirmEvent reports whether the reminder's confirmation is already
// on the adherence log.
func (c *Coordinator) hasConfirmEvent(reminderID string) (bool, error) {
	prior, err := c.eventLog.ListByReminder(reminderID)
	if err != nil {
		return false, err
	}
	for _, e := range prior {
		if e.Kind == types.EventTaken || e.Kind == types.EventLate {
			return true, nil
		}
	}
	return false, nil
}

// checkLowQuantity publishes quantity.low when the projected days of
// supply cross the refill threshold. Published once per crossing: the
// pre-decrement projection must have been above the threshold.
func (c *Coordinator) checkLowQuantity(med *types.Medication) {
	rate := dosesPerDay(med)
	if rate <= 0 {
		return
	}
	threshold := med.LowThreshold
	if threshold <= 0 {
		threshold = c.cfg.LowQuantityDays
	}

	days := float64(med.Quantity) / rate
	before := float64(med.Quantity+1) / rate
	if days <= float64(threshold) && before > float64(threshold) {
		log.WithMedID(med.ID).Warn().
			Float64("days_remaining", days).
			Int("quantity", med.Quantity).
			Msg("medication supply low")
		c.bus.Publish(types.TopicQuantityLow, map[string]any{
			"med_id":         med.ID,
			"quantity":       med.Quantity,
			"days_remaining": days,
		})
	}
}

// dosesPerDay projects the daily consumption rate from the medication's
// canonical schedule.
func dosesPerDay(med *types.Medication) float64 {
	sched, _ := schedule.Parse(med.Schedule, med.Timezone)
	if len(sched.Specs) == 0 {
		return 1
	}
	first := sched.Specs[0]
	switch first.Recurrence {
	case types.RecurrenceHourly:
		return 24 / float64(first.IntervalHours)
	case types.RecurrenceWeekly:
		return 1.0 / 7
	case types.RecurrenceCron:
		return 1
	}
	return float64(len(sched.Specs))
}

// Snooze defers a fired reminder by the given number of minutes (the
// configured default when minutes is zero, clamped to [5, 60]). Each
// reminder may be snoozed at most MaxSnoozes times; a snooze cancels the
// pending grace deadline and leaves no adherence event.
func (c *Coordinator) Snooze(ctx context.Context, id string, minutes int) (*types.Reminder, error) {
	if minutes <= 0 {
		minutes = c.cfg.SnoozeMinutes
	}
	if minutes < 5 {
		minutes = 5
	}
	if minutes > 60 {
		minutes = 60
	}

	reminder, err := c.reminders.Get(id)
	if err != nil {
		return nil, err
	}
	if reminder.State != types.ReminderStateFired {
		return nil, fmt.Errorf("%w: %s -> scheduled (snooze)", storage.ErrInvalidTransition, reminder.State)
	}
	if reminder.SnoozeCount >= c.cfg.MaxSnoozes {
		return nil, fmt.Errorf("snooze limit of %d reached: %w", c.cfg.MaxSnoozes, storage.ErrConflict)
	}

	newTime := c.clk.Now().UTC().Add(time.Duration(minutes) * time.Minute)
	updated, err := c.reminders.Snooze(id, newTime)
	if err != nil {
		return nil, err
	}
	c.grace.Cancel(id)
	metrics.RemindersSnoozedTotal.Inc()

	log.WithReminderID(id).Info().
		Int("snooze_count", updated.SnoozeCount).
		Time("fire_at", newTime).
		Msg("reminder snoozed")
	c.bus.Publish(types.TopicReminderSnoozed, map[string]any{
		"reminder_id":  id,
		"med_id":       updated.MedID,
		"fire_at":      newTime,
		"snooze_count": updated.SnoozeCount,
	})
	if c.wake != nil {
		c.wake()
	}
	return updated, nil
}

// graceElapsed times out a fired reminder into missed. Invoked by the
// grace worker; a reminder that was confirmed or snoozed in the meantime
// is left alone, and a deadline made stale by a re-fire is re-armed.
func (c *Coordinator) graceElapsed(id string) {
	reminder, err := c.reminders.Get(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Errorf("failed to load reminder for grace expiry", err)
		}
		return
	}
	if reminder.State != types.ReminderStateFired {
		return
	}
	if deadline := c.graceDeadline(reminder); c.clk.Now().Before(deadline) {
		c.grace.Arm(id, deadline)
		return
	}

	if _, err := c.reminders.MarkMissed(id); err != nil {
		log.Errorf("failed to mark reminder missed", err)
		return
	}
	metrics.RemindersMissedTotal.Inc()
	log.WithReminderID(id).Info().
		Str("med_id", reminder.MedID).
		Msg("grace window elapsed, reminder missed")

	if reminder.MedID == "" {
		return
	}
	event := &types.AdherenceEvent{
		MedID:       reminder.MedID,
		ReminderID:  reminder.ID,
		Kind:        types.EventMissed,
		ScheduledAt: reminder.FireAt,
	}
	if err := c.eventLog.Append(event); err != nil {
		log.Errorf("failed to append missed event", err)
		return
	}
	c.bus.Publish(types.TopicDoseMissed, map[string]any{
		"med_id":      reminder.MedID,
		"reminder_id": reminder.ID,
		"fire_at":     reminder.FireAt,
	})
}

func (c *Coordinator) graceDeadline(reminder *types.Reminder) time.Time {
	grace := reminder.GraceWindow
	if grace <= 0 {
		grace = c.cfg.GraceWindowMinutes
	}
	return reminder.FiredAt.Add(time.Duration(grace) * time.Minute)
}

// location resolves the configured timezone, falling back to UTC
func (c *Coordinator) location() *time.Location {
	loc, err := time.LoadLocation(c.cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DeleteReminder removes a single reminder and cancels any pending grace
// deadline for it.
func (c *Coordinator) DeleteReminder(ctx context.Context, id string) error {
	if _, err := c.reminders.Get(id); err != nil {
		return err
	}
	c.grace.Cancel(id)
	return c.reminders.Delete(id)
}

// ProvisionReminders creates the next scheduled reminder for every firing
// in the medication's schedule, plus the linked habit when none exists.
// The caller persists the mutated medication (habit ID, next dose).
func (c *Coordinator) ProvisionReminders(ctx context.Context, med *types.Medication, sched *schedule.Schedule) error {
	if med.HabitID == "" {
		habit := &types.Habit{
			Name:      "Take " + med.Name,
			Frequency: types.FrequencyDaily,
			MedID:     med.ID,
		}
		if err := c.habits.CreateHabit(habit); err != nil {
			return fmt.Errorf("failed to create habit: %w", err)
		}
		med.HabitID = habit.ID
	}

	now := c.clk.Now().UTC()
	var earliest time.Time
	for _, spec := range sched.Specs {
		fireAt := schedule.NextAfter(spec, now)
		if fireAt.IsZero() {
			continue
		}
		reminder := &types.Reminder{
			MedID:       med.ID,
			HabitID:     med.HabitID,
			Title:       med.Name,
			Description: med.Dosage,
			Spec:        spec,
			FireAt:      fireAt,
			GraceWindow: c.cfg.GraceWindowMinutes,
		}
		if err := c.reminders.Create(reminder); err != nil {
			return fmt.Errorf("failed to create reminder: %w", err)
		}
		if earliest.IsZero() || fireAt.Before(earliest) {
			earliest = fireAt
		}
	}
	med.NextDoseAt = earliest

	if c.wake != nil {
		c.wake()
	}
	return nil
}

// Reschedule replaces a medication's reminder chains with ones built
// from a new schedule. The linked habit and its completion ledger are
// kept; only a medication delete cascades the habit.
func (c *Coordinator) Reschedule(ctx context.Context, med *types.Medication, sched *schedule.Schedule) error {
	existing, err := c.reminders.ListByMed(med.ID)
	if err != nil {
		return err
	}
	for _, r := range existing {
		c.grace.Cancel(r.ID)
	}
	if _, err := c.reminders.CascadeDeleteForMed(med.ID); err != nil {
		return err
	}
	return c.ProvisionReminders(ctx, med, sched)
}

// Decommission removes every reminder belonging to a medication, cancels
// their grace deadlines, and deletes the linked habit. Returns how many
// reminders were removed. The adherence event log is retained.
func (c *Coordinator) Decommission(ctx context.Context, medID string) (int, error) {
	existing, err := c.reminders.ListByMed(medID)
	if err != nil {
		return 0, err
	}
	for _, r := range existing {
		c.grace.Cancel(r.ID)
	}

	deleted, err := c.reminders.CascadeDeleteForMed(medID)
	if err != nil {
		return deleted, err
	}

	habit, err := c.habits.GetHabitByMed(medID)
	if err == nil {
		if err := c.habits.DeleteHabit(habit.ID); err != nil {
			return deleted, fmt.Errorf("failed to delete habit: %w", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return deleted, err
	}
	return deleted, nil
}

// RecoverOnStartup rebuilds grace tracking after a restart: fired
// reminders whose grace window already elapsed are marked missed, and
// still-open windows are re-armed for their remaining duration.
func (c *Coordinator) RecoverOnStartup() error {
	fired, err := c.reminders.ListByState(types.ReminderStateFired)
	if err != nil {
		return fmt.Errorf("failed to scan fired reminders: %w", err)
	}
	now := c.clk.Now()
	recovered := 0
	for _, r := range fired {
		deadline := c.graceDeadline(r)
		if deadline.After(now) {
			c.grace.Arm(r.ID, deadline)
		} else {
			c.graceElapsed(r.ID)
		}
		recovered++
	}
	if recovered > 0 {
		log.WithComponent("adherence").Info().
			Int("count", recovered).
			Msg("recovered in-flight grace windows")
	}
	return nil
}
