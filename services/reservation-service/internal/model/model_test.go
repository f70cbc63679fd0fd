package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 570, m)

	m, err = ParseClock("24:00")
	require.NoError(t, err)
	assert.Equal(t, MinutesPerDay, m)

	for _, bad := range []string{"9", "25:00", "24:30", "12:60", "ab:cd"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "13:05", FormatClock(785))
}

func TestDateIn(t *testing.T) {
	dhaka, err := time.LoadLocation("Asia/Dhaka")
	require.NoError(t, err)
	instant := time.Date(2026, 10, 17, 20, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-10-18", FormatDate(DateIn(instant, dhaka)))
	assert.Equal(t, "2026-10-17", FormatDate(DateIn(instant, time.UTC)))
	assert.Equal(t, 150, MinuteOfDay(instant, dhaka))
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2026, 10, 17, 23, 0, 0, 0, time.UTC)
	b := time.Date(2026, 10, 27, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 10, DaysBetween(a, b))
	assert.Equal(t, -10, DaysBetween(b, a))
}

func TestGranuleIDStable(t *testing.T) {
	d := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	a := GranuleID("svc-1", d, 540)
	assert.Equal(t, a, GranuleID("svc-1", d, 540))
	assert.NotEqual(t, a, GranuleID("svc-1", d, 570))
	assert.NotEqual(t, a, GranuleID("svc-2", d, 540))
}

func TestGranuleChangeRoundTrip(t *testing.T) {
	g := Granule{
		ID:          "g-1",
		ServiceID:   "svc-1",
		Date:        time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC),
		StartMinute: 600,
		EndMinute:   630,
		Version:     4,
		UpdatedAt:   time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC),
	}
	back, ok := ChangeOf(g).Granule()
	require.True(t, ok)
	assert.Equal(t, g, back)

	_, ok = GranuleChange{Date: "tomorrow"}.Granule()
	assert.False(t, ok)
}
