package availability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/grid"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/memstore"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/workinghours"
)

// 2026-10-17 is a Saturday.
var (
	now      = time.Date(2026, 10, 17, 10, 15, 0, 0, time.UTC)
	today    = time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	tomorrow = today.AddDate(0, 0, 1)
)

func setup(t *testing.T) (*Aggregator, *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return now }
	store := memstore.New(clock)
	require.NoError(t, store.UpsertService(ctx, model.Service{ID: "consult", DurationMinutes: 30, IsActive: true}))
	require.NoError(t, store.UpsertService(ctx, model.Service{ID: "retired", DurationMinutes: 30}))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		require.NoError(t, store.UpsertTemplate(ctx, model.WorkingHoursTemplate{
			Weekday: wd, StartMinute: 540, EndMinute: 720, IsActive: true,
			Breaks: []model.Window{{StartMinute: 660, EndMinute: 690}},
		}))
	}
	agg := NewAggregator(store, store, workinghours.NewResolver(store), Config{GranuleMinutes: 30, Now: clock})
	return agg, store
}

func starts(offers []grid.Offer, onlyAvailable bool) []string {
	var out []string
	for _, o := range offers {
		if onlyAvailable && !o.Available {
			continue
		}
		out = append(out, model.FormatClock(o.StartMinute))
	}
	return out
}

func claim(t *testing.T, store *memstore.Store, date time.Time, start int) {
	t.Helper()
	ctx := context.Background()
	g := model.Granule{ID: model.GranuleID("consult", date, start), ServiceID: "consult", Date: date, StartMinute: start, EndMinute: start + 30}
	require.NoError(t, store.EnsureGranules(ctx, []model.Granule{g}))
	_, err := store.ClaimGranules(ctx, []string{g.ID}, "r-"+model.FormatClock(start))
	require.NoError(t, err)
}

func TestAvailableSlotsSkipsBreaks(t *testing.T) {
	agg, _ := setup(t)
	offers, err := agg.AvailableSlots(context.Background(), "consult", tomorrow, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:30", "10:00", "10:30", "11:30"}, starts(offers, true))
}

func TestAvailableSlotsIsIdempotent(t *testing.T) {
	agg, store := setup(t)
	ctx := context.Background()
	claim(t, store, tomorrow, 600)

	first, err := agg.AvailableSlots(ctx, "consult", tomorrow, 30)
	require.NoError(t, err)
	second, err := agg.AvailableSlots(ctx, "consult", tomorrow, 30)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"09:00", "09:30", "10:30", "11:30"}, starts(first, true))
}

func TestElapsedGranulesOfTodayAreUnavailable(t *testing.T) {
	agg, _ := setup(t)
	offers, err := agg.AvailableSlots(context.Background(), "consult", today, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"10:30", "11:30"}, starts(offers, true))

	past, err := agg.AvailableSlots(context.Background(), "consult", today.AddDate(0, 0, -1), 30)
	require.NoError(t, err)
	assert.Empty(t, starts(past, true))
}

func TestBlockedGranulesAreNotOffered(t *testing.T) {
	agg, store := setup(t)
	ctx := context.Background()
	id := model.GranuleID("consult", tomorrow, 570)
	require.NoError(t, store.EnsureGranules(ctx, []model.Granule{{ID: id, ServiceID: "consult", Date: tomorrow, StartMinute: 570, EndMinute: 600}}))
	_, err := store.SetBlocked(ctx, []string{id}, true)
	require.NoError(t, err)

	offers, err := agg.AvailableSlots(ctx, "consult", tomorrow, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "10:00", "10:30", "11:30"}, starts(offers, false))

	ok, err := agg.CheckSlotStillAvailable(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckSlotStillAvailable(t *testing.T) {
	agg, store := setup(t)
	ctx := context.Background()
	id := model.GranuleID("consult", tomorrow, 540)

	ok, err := agg.CheckSlotOn(ctx, "consult", tomorrow, id)
	require.NoError(t, err)
	assert.True(t, ok, "never materialized means free")

	_, err = agg.CheckSlotStillAvailable(ctx, id)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "unstored id cannot be placed on a date")

	claim(t, store, tomorrow, 540)
	ok, err = agg.CheckSlotStillAvailable(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = agg.CheckSlotOn(ctx, "consult", tomorrow, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckSlotRejectsUnknownIDs(t *testing.T) {
	agg, _ := setup(t)
	ctx := context.Background()

	_, err := agg.CheckSlotStillAvailable(ctx, "definitely-not-a-granule")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = agg.CheckSlotOn(ctx, "consult", tomorrow, model.GranuleID("consult", tomorrow, 665))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "not a lattice start")

	_, err = agg.CheckSlotOn(ctx, "retired", tomorrow, model.GranuleID("retired", tomorrow, 540))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCheckSlotUsesCurrentDateState(t *testing.T) {
	agg, store := setup(t)
	ctx := context.Background()
	yesterday := today.AddDate(0, 0, -1)
	past := model.GranuleID("consult", yesterday, 540)
	require.NoError(t, store.EnsureGranules(ctx, []model.Granule{{ID: past, ServiceID: "consult", Date: yesterday, StartMinute: 540, EndMinute: 570, IsAvailable: true}}))

	ok, err := agg.CheckSlotStillAvailable(ctx, past)
	require.NoError(t, err)
	assert.False(t, ok, "yesterday has elapsed")

	later := tomorrow.AddDate(0, 0, 1)
	closed := model.GranuleID("consult", later, 600)
	require.NoError(t, store.EnsureGranules(ctx, []model.Granule{{ID: closed, ServiceID: "consult", Date: later, StartMinute: 600, EndMinute: 630, IsAvailable: true}}))
	ok, err = agg.CheckSlotStillAvailable(ctx, closed)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.UpsertOverride(ctx, model.WorkingHoursOverride{Date: later, IsClosed: true}))
	ok, err = agg.CheckSlotStillAvailable(ctx, closed)
	require.NoError(t, err)
	assert.False(t, ok, "date closed by override")
}

func TestNearestAvailable(t *testing.T) {
	agg, store := setup(t)
	ctx := context.Background()
	claim(t, store, tomorrow, 600)

	got, err := agg.NearestAvailable(ctx, "consult", tomorrow, 600, 30)
	require.NoError(t, err)
	assert.Equal(t, 570, got.StartMinute)

	again, err := agg.NearestAvailable(ctx, "consult", tomorrow, 600, 30)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	for _, m := range []int{540, 570, 630, 690} {
		claim(t, store, tomorrow, m)
	}
	_, err = agg.NearestAvailable(ctx, "consult", tomorrow, 600, 30)
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
}

func TestNearestPrefersCloserOverEarlier(t *testing.T) {
	offers := []grid.Offer{
		{StartMinute: 540, Available: true},
		{StartMinute: 600, Available: false},
		{StartMinute: 660, Available: true},
		{StartMinute: 630, Available: true},
	}
	got, err := Nearest(offers, 600)
	require.NoError(t, err)
	assert.Equal(t, 630, got.StartMinute)
}

func TestSlotValidation(t *testing.T) {
	agg, _ := setup(t)
	ctx := context.Background()

	_, err := agg.AvailableSlots(ctx, "nope", tomorrow, 30)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = agg.AvailableSlots(ctx, "retired", tomorrow, 30)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = agg.AvailableSlots(ctx, "consult", tomorrow, 60)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = agg.AvailableSlots(ctx, "consult", tomorrow, 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestClosedDateHasNoSlots(t *testing.T) {
	agg, store := setup(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertOverride(ctx, model.WorkingHoursOverride{Date: tomorrow, IsClosed: true, Note: "holiday"}))

	offers, err := agg.AvailableSlots(ctx, "consult", tomorrow, 30)
	require.NoError(t, err)
	assert.Empty(t, offers)
}
