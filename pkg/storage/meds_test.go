package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiloguardian/kilo/pkg/types"
)

func newTestMedStore(t *testing.T) *MedStore {
	t.Helper()
	store, err := NewMedStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDecrementQuantityIdempotentPerReminder(t *testing.T) {
	store := newTestMedStore(t)
	med := &types.Medication{Name: "Lisinopril", Quantity: 30}
	require.NoError(t, store.Create(med))
	takenAt := time.Date(2026, 3, 10, 8, 5, 0, 0, time.UTC)

	updated, applied, err := store.DecrementQuantity(med.ID, "rem-1", takenAt)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 29, updated.Quantity)
	assert.Equal(t, takenAt, updated.LastTakenAt)

	// The same reminder never consumes a second dose
	updated, applied, err = store.DecrementQuantity(med.ID, "rem-1", takenAt.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 29, updated.Quantity)

	// A different reminder does
	updated, applied, err = store.DecrementQuantity(med.ID, "rem-2", takenAt.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 28, updated.Quantity)
}

func TestDecrementQuantityFloorsAtZero(t *testing.T) {
	store := newTestMedStore(t)
	med := &types.Medication{Name: "Metformin", Quantity: 0}
	require.NoError(t, store.Create(med))

	updated, applied, err := store.DecrementQuantity(med.ID, "rem-1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 0, updated.Quantity)

	_, _, err = store.DecrementQuantity("no-such-med", "rem-1", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
}
