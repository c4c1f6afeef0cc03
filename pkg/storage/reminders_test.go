package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiloguardian/kilo/pkg/types"
)

func newTestReminderStore(t *testing.T) *ReminderStore {
	t.Helper()
	store, err := NewReminderStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func scheduledReminder(medID string, fireAt time.Time) *types.Reminder {
	return &types.Reminder{
		MedID:       medID,
		State:       types.ReminderStateScheduled,
		FireAt:      fireAt,
		GraceWindow: 30,
		Spec: types.FiringSpec{
			Hour: fireAt.Hour(), Minute: fireAt.Minute(),
			Recurrence: types.RecurrenceDaily,
			Timezone:   "UTC",
		},
	}
}

func TestReminderCreateAndGet(t *testing.T) {
	store := newTestReminderStore(t)

	rem := scheduledReminder("med-1", time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	require.NoError(t, store.Create(rem))
	assert.NotEmpty(t, rem.ID)

	got, err := store.Get(rem.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateScheduled, got.State)
	assert.Equal(t, "med-1", got.MedID)

	_, err = store.Get("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimDue(t *testing.T) {
	store := newTestReminderStore(t)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	due := scheduledReminder("med-1", now.Add(-time.Minute))
	future := scheduledReminder("med-1", now.Add(time.Hour))
	require.NoError(t, store.Create(due))
	require.NoError(t, store.Create(future))

	claimed, err := store.ClaimDue(now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, types.ReminderStateFired, claimed[0].State)
	assert.Equal(t, now, claimed[0].FiredAt)

	// The future reminder is untouched
	got, err := store.Get(future.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateScheduled, got.State)

	// A second claim returns nothing: the row is no longer scheduled
	claimed, err = store.ClaimDue(now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRestoreStateRewindsConfirmation(t *testing.T) {
	store := newTestReminderStore(t)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	rem := scheduledReminder("med-1", now)
	require.NoError(t, store.Create(rem))
	_, err := store.MarkFired(rem.ID, now)
	require.NoError(t, err)
	_, err = store.MarkConfirmed(rem.ID, now.Add(5*time.Minute), 5)
	require.NoError(t, err)

	restored, err := store.RestoreState(rem.ID, types.ReminderStateFired)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateFired, restored.State)
	assert.True(t, restored.ConfirmedAt.IsZero())
	assert.Zero(t, restored.MinutesLate)

	// Rewinding a row that is not confirmed changes nothing
	again, err := store.RestoreState(rem.ID, types.ReminderStateMissed)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateFired, again.State)
}

func TestClaimDueRespectsLimit(t *testing.T) {
	store := newTestReminderStore(t)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create(scheduledReminder("med-1", now.Add(-time.Minute))))
	}

	claimed, err := store.ClaimDue(now, 3)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	claimed, err = store.ClaimDue(now, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

// TestClaimDueSerializable drives two concurrent claimers at the same row
// and asserts exactly one wins.
func TestClaimDueSerializable(t *testing.T) {
	store := newTestReminderStore(t)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(scheduledReminder("med-1", now.Add(-time.Minute))))

	var wg sync.WaitGroup
	results := make([][]*types.Reminder, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := store.ClaimDue(now, 10)
			require.NoError(t, err)
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	total := len(results[0]) + len(results[1])
	assert.Equal(t, 1, total, "exactly one caller must claim the row")
}

func TestTransitions(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	t.Run("confirm from fired", func(t *testing.T) {
		store := newTestReminderStore(t)
		rem := scheduledReminder("med-1", now)
		require.NoError(t, store.Create(rem))
		_, err := store.MarkFired(rem.ID, now)
		require.NoError(t, err)

		got, err := store.MarkConfirmed(rem.ID, now.Add(2*time.Minute), 2)
		require.NoError(t, err)
		assert.Equal(t, types.ReminderStateConfirmed, got.State)
		assert.Equal(t, 2, got.MinutesLate)
	})

	t.Run("confirm from scheduled is rejected", func(t *testing.T) {
		store := newTestReminderStore(t)
		rem := scheduledReminder("med-1", now)
		require.NoError(t, store.Create(rem))

		_, err := store.MarkConfirmed(rem.ID, now, 0)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("late confirm from missed is permitted", func(t *testing.T) {
		store := newTestReminderStore(t)
		rem := scheduledReminder("med-1", now)
		require.NoError(t, store.Create(rem))
		_, err := store.MarkFired(rem.ID, now)
		require.NoError(t, err)
		_, err = store.MarkMissed(rem.ID)
		require.NoError(t, err)

		got, err := store.MarkConfirmed(rem.ID, now.Add(2*time.Hour), 120)
		require.NoError(t, err)
		assert.Equal(t, types.ReminderStateConfirmed, got.State)
	})

	t.Run("missed from scheduled is rejected", func(t *testing.T) {
		store := newTestReminderStore(t)
		rem := scheduledReminder("med-1", now)
		require.NoError(t, store.Create(rem))

		_, err := store.MarkMissed(rem.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("transitions are idempotent by target state", func(t *testing.T) {
		store := newTestReminderStore(t)
		rem := scheduledReminder("med-1", now)
		require.NoError(t, store.Create(rem))
		_, err := store.MarkFired(rem.ID, now)
		require.NoError(t, err)

		first, err := store.MarkConfirmed(rem.ID, now.Add(time.Minute), 1)
		require.NoError(t, err)
		second, err := store.MarkConfirmed(rem.ID, now.Add(time.Hour), 60)
		require.NoError(t, err)
		assert.Equal(t, first.ConfirmedAt, second.ConfirmedAt)
		assert.Equal(t, first.MinutesLate, second.MinutesLate)
	})
}

func TestSnooze(t *testing.T) {
	store := newTestReminderStore(t)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	rem := scheduledReminder("med-1", now)
	require.NoError(t, store.Create(rem))
	_, err := store.MarkFired(rem.ID, now)
	require.NoError(t, err)

	newTime := now.Add(15 * time.Minute)
	got, err := store.Snooze(rem.ID, newTime)
	require.NoError(t, err)
	assert.Equal(t, types.ReminderStateScheduled, got.State)
	assert.Equal(t, newTime, got.FireAt)
	assert.Equal(t, 1, got.SnoozeCount)
	assert.True(t, got.FiredAt.IsZero())

	// Snoozing a scheduled reminder is rejected
	_, err = store.Snooze(rem.ID, newTime.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCascadeDeleteForMed(t *testing.T) {
	store := newTestReminderStore(t)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(scheduledReminder("med-1", now.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, store.Create(scheduledReminder("med-2", now)))

	deleted, err := store.CascadeDeleteForMed("med-1")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	remaining, err := store.List()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "med-2", remaining[0].MedID)
}

func TestNextScheduledAt(t *testing.T) {
	store := newTestReminderStore(t)

	_, found, err := store.NextScheduledAt()
	require.NoError(t, err)
	assert.False(t, found)

	early := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	late := early.Add(6 * time.Hour)
	require.NoError(t, store.Create(scheduledReminder("med-1", late)))
	require.NoError(t, store.Create(scheduledReminder("med-1", early)))

	next, found, err := store.NextScheduledAt()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, early, next)
}
