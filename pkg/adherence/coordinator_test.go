package adherence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/kiloguardian/kilo/pkg/events"
	"github.com/kiloguardian/kilo/pkg/habits"
	"github.com/kiloguardian/kilo/pkg/schedule"
	"github.com/kiloguardian/kilo/pkg/storage"
	"github.com/kiloguardian/kilo/pkg/types"
)

type fixture struct {
	coord     *Coordinator
	reminders *storage.ReminderStore
	meds      *storage.MedStore
	habitSvc  *habits.Service
	habits    *storage.HabitStore
	eventLog  *storage.EventStore
	bus       *events.Bus
	clk       *clocktesting.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	reminders, err := storage.NewReminderStore(dir)
	require.NoError(t, err)
	meds, err := storage.NewMedStore(dir)
	require.NoError(t, err)
	habitStore, err := storage.NewHabitStore(dir)
	require.NoError(t, err)
	eventLog, err := storage.NewEventStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() {
		reminders.Close()
		meds.Close()
		habitStore.Close()
		eventLog.Close()
	})

	clk := clocktesting.NewFakeClock(time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC))
	bus := events.NewBus(events.Config{}, nil)
	t.Cleanup(bus.Stop)

	ledger := habits.New(habitStore, bus, clk, "UTC")
	coord := New(reminders, meds, habitStore, eventLog, ledger, bus, clk, Config{
		GraceWindowMinutes: 30,
		SnoozeMinutes:      15,
		MaxSnoozes:         3,
		LowQuantityDays:    7,
		Timezone:           "UTC",
	})
	return &fixture{
		coord:     coord,
		reminders: reminders,
		meds:      meds,
		habitSvc:  ledger,
		habits:    habitStore,
		eventLog:  eventLog,
		bus:       bus,
		clk:       clk,
	}
}

// provision creates a medication plus its habit and first reminder, then
// claims the reminder so it sits in the fired state at the fixture clock.
func (f *fixture) provisionFired(t *testing.T, quantity int) (*types.Medication, *types.Reminder) {
	t.Helper()
	med := &types.Medication{
		Name:     "Lisinopril",
		Dosage:   "10mg",
		Quantity: quantity,
		Schedule: "daily at 08:00",
		Timezone: "UTC",
	}
	require.NoError(t, f.meds.Create(med))

	sched, diags := schedule.Parse(med.Schedule, med.Timezone)
	require.Empty(t, diags)
	require.NoError(t, f.coord.ProvisionReminders(context.Background(), med, sched))
	require.NoError(t, f.meds.Update(med))

	f.clk.SetTime(med.NextDoseAt)
	claimed, err := f.reminders.ClaimDue(med.NextDoseAt, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return med, claimed[0]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConfirmOnTime(t *testing.T) {
	f := newFixture(t)
	med, fired := f.provisionFired(t, 30)

	f.clk.SetTime(fired.FireAt.Add(5 * time.Minute))
	confirmed, err := f.coord.Confirm(context.Background(), fired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateConfirmed, confirmed.State)
	assert.Equal(t, 5, confirmed.MinutesLate)

	updated, err := f.meds.Get(med.ID)
	require.NoError(t, err)
	assert.Equal(t, 29, updated.Quantity, "confirmation decrements the supply")
	assert.Equal(t, confirmed.ConfirmedAt, updated.LastTakenAt)

	evts, err := f.eventLog.ListByReminder(fired.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, types.EventTaken, evts[0].Kind)
	assert.Equal(t, 5, evts[0].MinutesLate)

	date := confirmed.ConfirmedAt.UTC().Format("2006-01-02")
	completion, err := f.habits.GetCompletion(med.HabitID, date)
	require.NoError(t, err)
	assert.Equal(t, fired.ID, completion.ReminderID)
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)
	med, fired := f.provisionFired(t, 30)

	f.clk.SetTime(fired.FireAt.Add(2 * time.Minute))
	_, err := f.coord.Confirm(context.Background(), fired.ID)
	require.NoError(t, err)
	again, err := f.coord.Confirm(context.Background(), fired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateConfirmed, again.State)

	updated, err := f.meds.Get(med.ID)
	require.NoError(t, err)
	assert.Equal(t, 29, updated.Quantity, "repeat confirmation must not decrement twice")

	evts, err := f.eventLog.ListByReminder(fired.ID)
	require.NoError(t, err)
	assert.Len(t, evts, 1, "repeat confirmation must not duplicate the event")

	habit, err := f.habits.GetHabit(med.HabitID)
	require.NoError(t, err)
	assert.Equal(t, 1, habit.CurrentStreak)
}

// failingLedger fails completions on demand while keeping the real
// service's read side, so a confirmation unit can be broken mid-flight.
type failingLedger struct {
	*habits.Service
	fail bool
}

func (l *failingLedger) Complete(habitID, reminderID string, at time.Time, tz string) (*types.HabitCompletion, bool, error) {
	if l.fail {
		return nil, false, errors.New("ledger unavailable")
	}
	return l.Service.Complete(habitID, reminderID, at, tz)
}

func TestConfirmFailureRewindsAndRetryConverges(t *testing.T) {
	f := newFixture(t)
	med, fired := f.provisionFired(t, 30)

	ledger := &failingLedger{Service: f.habitSvc, fail: true}
	coord := New(f.reminders, f.meds, f.habits, f.eventLog, ledger, f.bus, f.clk, Config{
		GraceWindowMinutes: 30,
		SnoozeMinutes:      15,
		MaxSnoozes:         3,
		LowQuantityDays:    7,
		Timezone:           "UTC",
	})

	f.clk.SetTime(fired.FireAt.Add(5 * time.Minute))
	_, err := coord.Confirm(context.Background(), fired.ID)
	require.Error(t, err)

	r, err := f.reminders.Get(fired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateFired, r.State, "a failed unit rewinds the state transition")

	ledger.fail = false
	confirmed, err := coord.Confirm(context.Background(), fired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateConfirmed, confirmed.State)

	updated, err := f.meds.Get(med.ID)
	require.NoError(t, err)
	assert.Equal(t, 29, updated.Quantity, "exactly one decrement across the retry")

	evts, err := f.eventLog.ListByReminder(fired.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1, "exactly one adherence event across the retry")
	assert.Equal(t, types.EventTaken, evts[0].Kind)

	recorded, err := f.habitSvc.HasCompletionForReminder(med.HabitID, fired.ID)
	require.NoError(t, err)
	assert.True(t, recorded, "the retry records the habit completion")
}

func TestConfirmEarlyWithinWindow(t *testing.T) {
	f := newFixture(t)
	med, _ := f.provisionFired(t, 30)

	// A second scheduled occurrence, confirmed 10 minutes before it fires
	next := &types.Reminder{
		MedID:   med.ID,
		HabitID: med.HabitID,
		Spec:    types.FiringSpec{Hour: 8, Minute: 0, Recurrence: types.RecurrenceDaily, Timezone: "UTC"},
		FireAt:  f.clk.Now().Add(24 * time.Hour),
	}
	require.NoError(t, f.reminders.Create(next))

	f.clk.SetTime(next.FireAt.Add(-10 * time.Minute))
	confirmed, err := f.coord.Confirm(context.Background(), next.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateConfirmed, confirmed.State)
	assert.Equal(t, -10, confirmed.MinutesLate)
}

func TestConfirmEarlyAdvancesRecurrence(t *testing.T) {
	f := newFixture(t)
	med, _ := f.provisionFired(t, 30)

	next := &types.Reminder{
		MedID:   med.ID,
		HabitID: med.HabitID,
		Spec:    types.FiringSpec{Hour: 8, Minute: 0, Recurrence: types.RecurrenceDaily, Timezone: "UTC"},
		FireAt:  f.clk.Now().Add(24 * time.Hour),
	}
	require.NoError(t, f.reminders.Create(next))

	// Confirming before the claim path runs must still keep the chain alive
	f.clk.SetTime(next.FireAt.Add(-10 * time.Minute))
	_, err := f.coord.Confirm(context.Background(), next.ID)
	require.NoError(t, err)

	scheduled, err := f.reminders.ListByState(types.ReminderStateScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 1, "early confirmation must leave a scheduled successor")
	assert.Equal(t, med.ID, scheduled[0].MedID)
	assert.Equal(t, next.FireAt.Add(24*time.Hour), scheduled[0].FireAt,
		"the successor follows the consumed occurrence, not the confirmation time")
}

func TestConfirmTooEarlyRejected(t *testing.T) {
	f := newFixture(t)
	med, _ := f.provisionFired(t, 30)

	next := &types.Reminder{
		MedID:  med.ID,
		Spec:   types.FiringSpec{Hour: 8, Minute: 0, Recurrence: types.RecurrenceDaily, Timezone: "UTC"},
		FireAt: f.clk.Now().Add(24 * time.Hour),
	}
	require.NoError(t, f.reminders.Create(next))

	f.clk.SetTime(next.FireAt.Add(-16 * time.Minute))
	_, err := f.coord.Confirm(context.Background(), next.ID)
	require.ErrorIs(t, err, storage.ErrConflict)

	unchanged, err := f.reminders.Get(next.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateScheduled, unchanged.State)
}

func TestLateConfirmReclassifiesMissed(t *testing.T) {
	f := newFixture(t)
	_, fired := f.provisionFired(t, 30)

	_, err := f.reminders.MarkMissed(fired.ID)
	require.NoError(t, err)

	f.clk.SetTime(fired.FireAt.Add(90 * time.Minute))
	confirmed, err := f.coord.Confirm(context.Background(), fired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateConfirmed, confirmed.State)
	assert.Equal(t, 90, confirmed.MinutesLate)

	evts, err := f.eventLog.ListByReminder(fired.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, types.EventLate, evts[0].Kind)
}

func TestGraceElapsedMarksMissed(t *testing.T) {
	f := newFixture(t)
	_, fired := f.provisionFired(t, 30)

	f.coord.Start()
	defer f.coord.Stop()
	f.coord.Fire(context.Background(), fired)

	// Let the worker arm its timer before the clock jumps
	time.Sleep(50 * time.Millisecond)
	f.clk.SetTime(fired.FiredAt.Add(31 * time.Minute))
	waitFor(t, func() bool {
		r, err := f.reminders.Get(fired.ID)
		return err == nil && r.State == types.ReminderStateMissed
	}, "expected reminder missed after grace window")

	evts, err := f.eventLog.ListByReminder(fired.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, types.EventMissed, evts[0].Kind)
	assert.Equal(t, fired.FireAt, evts[0].ScheduledAt)
}

func TestConfirmBeatsGraceDeadline(t *testing.T) {
	f := newFixture(t)
	_, fired := f.provisionFired(t, 30)

	f.coord.Start()
	defer f.coord.Stop()
	f.coord.Fire(context.Background(), fired)

	f.clk.SetTime(fired.FireAt.Add(10 * time.Minute))
	_, err := f.coord.Confirm(context.Background(), fired.ID)
	require.NoError(t, err)

	// Pushing well past the grace window must not flip the confirmation
	f.clk.SetTime(fired.FireAt.Add(2 * time.Hour))
	time.Sleep(50 * time.Millisecond)
	r, err := f.reminders.Get(fired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateConfirmed, r.State)
}

func TestSnoozeDefersAndCancelsGrace(t *testing.T) {
	f := newFixture(t)
	_, fired := f.provisionFired(t, 30)

	f.coord.Start()
	defer f.coord.Stop()
	f.coord.Fire(context.Background(), fired)

	f.clk.SetTime(fired.FireAt.Add(5 * time.Minute))
	snoozed, err := f.coord.Snooze(context.Background(), fired.ID, 15)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateScheduled, snoozed.State)
	assert.Equal(t, 1, snoozed.SnoozeCount)
	assert.Equal(t, fired.FireAt.Add(20*time.Minute), snoozed.FireAt)

	evts, err := f.eventLog.ListByReminder(fired.ID)
	require.NoError(t, err)
	assert.Empty(t, evts, "snoozing leaves no adherence trail")

	// The original grace deadline must be dead
	f.clk.SetTime(fired.FireAt.Add(2 * time.Hour))
	time.Sleep(50 * time.Millisecond)
	r, err := f.reminders.Get(fired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateScheduled, r.State)
}

func TestSnoozeLimitEnforced(t *testing.T) {
	f := newFixture(t)
	_, fired := f.provisionFired(t, 30)

	ctx := context.Background()
	id := fired.ID
	for i := 0; i < 3; i++ {
		_, err := f.coord.Snooze(ctx, id, 5)
		require.NoError(t, err)
		_, err = f.reminders.MarkFired(id, f.clk.Now())
		require.NoError(t, err)
	}

	_, err := f.coord.Snooze(ctx, id, 5)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestSnoozeClampsMinutes(t *testing.T) {
	f := newFixture(t)
	_, fired := f.provisionFired(t, 30)

	now := f.clk.Now()
	snoozed, err := f.coord.Snooze(context.Background(), fired.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, now.Add(60*time.Minute), snoozed.FireAt)
}

func TestSnoozeRequiresFiredState(t *testing.T) {
	f := newFixture(t)
	med, _ := f.provisionFired(t, 30)

	scheduled := &types.Reminder{
		MedID:  med.ID,
		FireAt: f.clk.Now().Add(time.Hour),
	}
	require.NoError(t, f.reminders.Create(scheduled))

	_, err := f.coord.Snooze(context.Background(), scheduled.ID, 10)
	require.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestLowQuantityPublishedOnceOnCrossing(t *testing.T) {
	f := newFixture(t)

	var lowEvents []types.Event
	done := make(chan struct{}, 4)
	f.bus.Subscribe("refill-watch", []types.Topic{types.TopicQuantityLow}, func(ctx context.Context, e types.Event) error {
		lowEvents = append(lowEvents, e)
		done <- struct{}{}
		return nil
	})

	med, fired := f.provisionFired(t, 8) // daily schedule, threshold 7 days
	f.clk.SetTime(fired.FireAt.Add(time.Minute))
	_, err := f.coord.Confirm(context.Background(), fired.ID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected quantity.low event")
	}
	require.Len(t, lowEvents, 1)
	assert.Equal(t, med.ID, lowEvents[0].Data["med_id"])

	// The next confirmation is below, not crossing, the threshold
	next := &types.Reminder{
		MedID:   med.ID,
		HabitID: med.HabitID,
		Spec:    types.FiringSpec{Hour: 8, Minute: 0, Recurrence: types.RecurrenceDaily, Timezone: "UTC"},
		FireAt:  f.clk.Now().Add(24 * time.Hour),
		State:   types.ReminderStateFired,
	}
	require.NoError(t, f.reminders.Create(next))
	f.clk.SetTime(next.FireAt.Add(time.Minute))
	_, err = f.coord.Confirm(context.Background(), next.ID)
	require.NoError(t, err)

	select {
	case <-done:
		t.Fatal("quantity.low must fire only on the threshold crossing")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAdHocReminderLeavesNoAdherenceTrail(t *testing.T) {
	f := newFixture(t)

	adhoc := &types.Reminder{
		Title:  "Call the pharmacy",
		FireAt: f.clk.Now(),
		State:  types.ReminderStateFired,
	}
	require.NoError(t, f.reminders.Create(adhoc))

	f.clk.SetTime(f.clk.Now().Add(5 * time.Minute))
	confirmed, err := f.coord.Confirm(context.Background(), adhoc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateConfirmed, confirmed.State)

	evts, err := f.eventLog.ListByReminder(adhoc.ID)
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestProvisionCreatesHabitAndReminders(t *testing.T) {
	f := newFixture(t)

	med := &types.Medication{
		Name:     "Metformin",
		Quantity: 60,
		Schedule: "twice daily at 8am and 8pm",
		Timezone: "UTC",
	}
	require.NoError(t, f.meds.Create(med))

	sched, _ := schedule.Parse(med.Schedule, med.Timezone)
	require.NoError(t, f.coord.ProvisionReminders(context.Background(), med, sched))

	require.NotEmpty(t, med.HabitID)
	habit, err := f.habits.GetHabit(med.HabitID)
	require.NoError(t, err)
	assert.Equal(t, med.ID, habit.MedID)

	rows, err := f.reminders.ListByMed(med.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "one scheduled row per firing spec")
	assert.False(t, med.NextDoseAt.IsZero())
	for _, r := range rows {
		assert.Equal(t, types.ReminderStateScheduled, r.State)
		assert.True(t, r.FireAt.After(f.clk.Now()))
	}
}

func TestRescheduleKeepsHabitHistory(t *testing.T) {
	f := newFixture(t)
	med, fired := f.provisionFired(t, 30)

	f.clk.SetTime(fired.FireAt.Add(time.Minute))
	_, err := f.coord.Confirm(context.Background(), fired.ID)
	require.NoError(t, err)

	sched, diags := schedule.Parse("daily at 21:00", med.Timezone)
	require.Empty(t, diags)
	require.NoError(t, f.coord.Reschedule(context.Background(), med, sched))

	habit, err := f.habits.GetHabitByMed(med.ID)
	require.NoError(t, err)
	assert.Equal(t, med.HabitID, habit.ID, "an edited schedule keeps the habit")
	assert.Equal(t, 1, habit.CurrentStreak, "streak history survives the reschedule")

	rows, err := f.reminders.ListByMed(med.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1, "old chains replaced by one row per firing spec")
	assert.Equal(t, types.ReminderStateScheduled, rows[0].State)
	assert.Equal(t, 21, rows[0].FireAt.UTC().Hour())
}

func TestDecommissionRemovesRemindersAndHabit(t *testing.T) {
	f := newFixture(t)
	med, _ := f.provisionFired(t, 30)

	deleted, err := f.coord.Decommission(context.Background(), med.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	rows, err := f.reminders.ListByMed(med.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = f.habits.GetHabitByMed(med.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecoverOnStartup(t *testing.T) {
	f := newFixture(t)
	med, _ := f.provisionFired(t, 30)

	now := f.clk.Now()
	expired := &types.Reminder{
		MedID:       med.ID,
		State:       types.ReminderStateFired,
		FireAt:      now.Add(-2 * time.Hour),
		FiredAt:     now.Add(-2 * time.Hour),
		GraceWindow: 30,
	}
	require.NoError(t, f.reminders.Create(expired))

	open := &types.Reminder{
		MedID:       med.ID,
		State:       types.ReminderStateFired,
		FireAt:      now.Add(-10 * time.Minute),
		FiredAt:     now.Add(-10 * time.Minute),
		GraceWindow: 30,
	}
	require.NoError(t, f.reminders.Create(open))

	f.coord.Start()
	defer f.coord.Stop()
	require.NoError(t, f.coord.RecoverOnStartup())
	time.Sleep(50 * time.Millisecond)

	r, err := f.reminders.Get(expired.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateMissed, r.State, "expired grace window resolves on startup")

	r, err = f.reminders.Get(open.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateFired, r.State, "open grace window is re-armed, not resolved")

	// The re-armed window still expires on time
	f.clk.SetTime(now.Add(25 * time.Minute))
	waitFor(t, func() bool {
		r, err := f.reminders.Get(open.ID)
		return err == nil && r.State == types.ReminderStateMissed
	}, "expected re-armed grace window to expire")
}
