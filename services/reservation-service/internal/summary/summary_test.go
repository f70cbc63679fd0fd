package summary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/memstore"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/workinghours"
)

var (
	now = time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC)
	// Monday 2026-10-19 through Sunday 2026-10-25.
	monday = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
)

func setup(t *testing.T) (*Summarizer, *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	clock := func() time.Time { return now }
	store := memstore.New(clock)
	require.NoError(t, store.UpsertService(ctx, model.Service{ID: "a", DurationMinutes: 30, IsActive: true}))
	require.NoError(t, store.UpsertService(ctx, model.Service{ID: "b", DurationMinutes: 30, IsActive: true}))
	for wd := time.Monday; wd <= time.Saturday; wd++ {
		require.NoError(t, store.UpsertTemplate(ctx, model.WorkingHoursTemplate{Weekday: wd, StartMinute: 540, EndMinute: 600, IsActive: true}))
	}
	require.NoError(t, store.UpsertTemplate(ctx, model.WorkingHoursTemplate{Weekday: time.Saturday, StartMinute: 540, EndMinute: 600}))
	// No Sunday template at all.
	agg := availability.NewAggregator(store, store, workinghours.NewResolver(store), availability.Config{GranuleMinutes: 30, Now: clock})
	return NewSummarizer(agg), store
}

func book(t *testing.T, store *memstore.Store, serviceID string, date time.Time, starts ...int) {
	t.Helper()
	ctx := context.Background()
	for _, m := range starts {
		g := model.Granule{ID: model.GranuleID(serviceID, date, m), ServiceID: serviceID, Date: date, StartMinute: m, EndMinute: m + 30}
		require.NoError(t, store.EnsureGranules(ctx, []model.Granule{g}))
		_, err := store.ClaimGranules(ctx, []string{g.ID}, "claim-"+g.ID)
		require.NoError(t, err)
	}
}

func TestUnavailableDatesReasons(t *testing.T) {
	s, store := setup(t)
	ctx := context.Background()
	tuesday, wednesday := monday.AddDate(0, 0, 1), monday.AddDate(0, 0, 2)
	require.NoError(t, store.UpsertOverride(ctx, model.WorkingHoursOverride{Date: tuesday, IsClosed: true, Note: "staff training"}))
	book(t, store, "a", wednesday, 540, 570)

	all, err := s.UnavailableDates(ctx, monday, monday.AddDate(0, 0, 6), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, UnavailableDate{Date: tuesday, Reason: ReasonClosed, Note: "staff training"}, all[0])
	assert.Equal(t, ReasonClosed, all[1].Reason, "inactive saturday template")
	assert.Equal(t, monday.AddDate(0, 0, 5), all[1].Date)
	assert.Equal(t, ReasonClosed, all[2].Reason, "no sunday template")

	onlyA, err := s.UnavailableDates(ctx, monday, monday.AddDate(0, 0, 6), "a")
	require.NoError(t, err)
	require.Len(t, onlyA, 4)
	assert.Equal(t, UnavailableDate{Date: wednesday, Reason: ReasonFullyBooked}, onlyA[1])

	book(t, store, "b", wednesday, 540, 570)
	all, err = s.UnavailableDates(ctx, wednesday, wednesday, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ReasonFullyBooked, all[0].Reason)
}

func TestAllBlockedOpenDateIsFullyBooked(t *testing.T) {
	s, store := setup(t)
	ctx := context.Background()
	ids := []string{model.GranuleID("a", monday, 540), model.GranuleID("a", monday, 570)}
	require.NoError(t, store.EnsureGranules(ctx, []model.Granule{
		{ID: ids[0], ServiceID: "a", Date: monday, StartMinute: 540, EndMinute: 570},
		{ID: ids[1], ServiceID: "a", Date: monday, StartMinute: 570, EndMinute: 600},
	}))
	_, err := store.SetBlocked(ctx, ids, true)
	require.NoError(t, err)

	got, err := s.UnavailableDates(ctx, monday, monday, "a")
	require.NoError(t, err)
	assert.Equal(t, []UnavailableDate{{Date: monday, Reason: ReasonFullyBooked}}, got)

	got, err = s.UnavailableDates(ctx, monday, monday, "")
	require.NoError(t, err)
	assert.Empty(t, got, "service b is still free")
}

func TestSlotCounts(t *testing.T) {
	s, store := setup(t)
	ctx := context.Background()
	book(t, store, "a", monday, 570)

	counts, err := s.SlotCounts(ctx, "a", monday, monday.AddDate(0, 0, 6))
	require.NoError(t, err)
	require.Len(t, counts, 7)
	assert.Equal(t, DateCount{Date: monday, Available: 1, Total: 2}, counts[0])
	assert.Equal(t, DateCount{Date: monday.AddDate(0, 0, 1), Available: 2, Total: 2}, counts[1])
	assert.Equal(t, 0, counts[5].Total)
	assert.Equal(t, 0, counts[6].Total)
}

func TestRangeValidation(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	_, err := s.UnavailableDates(ctx, monday, monday.AddDate(0, 0, -1), "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = s.SlotCounts(ctx, "a", monday, monday.AddDate(0, 0, MaxRangeDays))
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	counts, err := s.SlotCounts(ctx, "a", monday, monday.AddDate(0, 0, MaxRangeDays-1))
	require.NoError(t, err)
	assert.Len(t, counts, MaxRangeDays)

	_, err = s.SlotCounts(ctx, "missing", monday, monday)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
