package propagation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

var (
	day = time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	t0  = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
)

func granule(start int, available bool, version int64) model.Granule {
	return model.Granule{
		ID:          model.GranuleID("consult", day, start),
		ServiceID:   "consult",
		Date:        day,
		StartMinute: start,
		EndMinute:   start + 30,
		IsAvailable: available,
		Version:     version,
	}
}

func morning() []model.Granule {
	return []model.Granule{granule(540, true, 0), granule(570, true, 0), granule(600, true, 0)}
}

func states(s Snapshot) []SlotState {
	out := make([]SlotState, len(s.Slots))
	for i, sl := range s.Slots {
		out[i] = sl.State
	}
	return out
}

func TestStaleVersionIsDiscarded(t *testing.T) {
	r := NewReconciler(1, 3*time.Second)
	r.Replace(morning(), t0)

	require.True(t, r.Apply(granule(570, false, 1), t0))
	assert.False(t, r.Apply(granule(570, true, 0), t0), "older version")
	assert.False(t, r.Apply(granule(570, false, 1), t0), "duplicate")

	assert.True(t, r.Apply(granule(570, true, 2), t0))
	snap := r.Snapshot(t0)
	assert.Equal(t, []SlotState{StateAvailable, StateAvailable, StateAvailable}, states(snap))
}

func TestPushThenPollDoesNotFlicker(t *testing.T) {
	r := NewReconciler(1, 3*time.Second)
	r.Replace(morning(), t0)

	r.Apply(granule(600, false, 1), t0)
	// A poll that started before the claim committed still reports version 0.
	changed := r.Replace(morning(), t0.Add(time.Second))
	assert.False(t, changed)
	snap := r.Snapshot(t0.Add(time.Second))
	assert.Equal(t, StateJustBooked, snap.Slots[2].State)
}

func TestJustBookedOnlyDuringGrace(t *testing.T) {
	r := NewReconciler(1, 3*time.Second)
	r.Replace(morning(), t0)
	r.Apply(granule(540, false, 1), t0)

	assert.Equal(t, StateJustBooked, r.Snapshot(t0.Add(2 * time.Second)).Slots[0].State)
	next, ok := r.NextExpiry(t0)
	require.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Second), next)

	assert.Equal(t, StateUnavailable, r.Snapshot(t0.Add(3 * time.Second)).Slots[0].State)
	_, ok = r.NextExpiry(t0.Add(3 * time.Second))
	assert.False(t, ok)
}

func TestInitialUnavailableIsNotJustBooked(t *testing.T) {
	r := NewReconciler(1, 3*time.Second)
	r.Replace([]model.Granule{granule(540, false, 4)}, t0)
	assert.Equal(t, []SlotState{StateUnavailable}, states(r.Snapshot(t0)))
}

func TestSelectionClearedWithWarning(t *testing.T) {
	r := NewReconciler(2, 3*time.Second)
	r.Replace(morning(), t0)
	r.Select(540)

	r.Apply(granule(600, false, 1), t0)
	_, ok := r.Selected()
	assert.True(t, ok, "granule outside the selection")

	r.Apply(granule(570, false, 1), t0)
	_, ok = r.Selected()
	assert.False(t, ok)

	snap := r.Snapshot(t0)
	require.NotNil(t, snap.Warning)
	assert.Equal(t, "selection_taken", snap.Warning.Code)
	assert.Equal(t, "09:00", snap.Warning.Start)
	assert.Empty(t, snap.Selected)

	assert.Nil(t, r.Snapshot(t0).Warning, "warning is reported once")
}

func TestSelectionTakenBeforeFirstPoll(t *testing.T) {
	r := NewReconciler(1, 3*time.Second)
	r.Select(600)
	r.Replace([]model.Granule{granule(570, true, 0), granule(600, false, 1)}, t0)

	_, ok := r.Selected()
	assert.False(t, ok)
	snap := r.Snapshot(t0)
	require.NotNil(t, snap.Warning)
	assert.Equal(t, "selection_taken", snap.Warning.Code)
	assert.Equal(t, "10:00", snap.Warning.Start)
	assert.Empty(t, snap.Selected)
	assert.Equal(t, []SlotState{StateAvailable, StateUnavailable}, states(snap))
}

func TestSelectionOffTheGrid(t *testing.T) {
	r := NewReconciler(1, 3*time.Second)
	r.Select(690)
	m, ok := r.Selected()
	require.True(t, ok, "kept until the day is loaded")
	assert.Equal(t, 690, m)

	r.Replace(morning(), t0)
	_, ok = r.Selected()
	assert.False(t, ok)
	snap := r.Snapshot(t0)
	require.NotNil(t, snap.Warning)
	assert.Equal(t, "selection_unavailable", snap.Warning.Code)

	r.Select(570)
	_, ok = r.Selected()
	assert.True(t, ok)
	assert.Nil(t, r.Snapshot(t0).Warning)
}

func TestBlockedOffersDisappear(t *testing.T) {
	r := NewReconciler(1, 3*time.Second)
	r.Replace(morning(), t0)
	blocked := granule(570, true, 1)
	blocked.IsBlockedByAdmin = true
	r.Apply(blocked, t0)

	snap := r.Snapshot(t0)
	require.Len(t, snap.Slots, 2)
	assert.Equal(t, "09:00", snap.Slots[0].Start)
	assert.Equal(t, "10:00", snap.Slots[1].Start)
}

func TestReplaceDropsVanishedGranules(t *testing.T) {
	r := NewReconciler(1, 3*time.Second)
	r.Replace(morning(), t0)
	assert.True(t, r.Replace(morning()[:1], t0))
	assert.Len(t, r.Snapshot(t0).Slots, 1)
}

func TestElapsedGranules(t *testing.T) {
	r := NewReconciler(1, 3*time.Second)
	r.Replace(morning(), t0)
	r.SetElapsed(570)
	assert.Equal(t, []SlotState{StateUnavailable, StateUnavailable, StateAvailable}, states(r.Snapshot(t0)))
}
