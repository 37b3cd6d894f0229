package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	for _, p := range AllPeriods {
		got, err := ParsePeriod(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParsePeriod("2h")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported period")
}

func TestPeriodDuration(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Period5m.Duration())
	assert.Equal(t, time.Hour, Period1h.Duration())
	assert.Equal(t, 24*time.Hour, Period1d.Duration())
	assert.Equal(t, 7*24*time.Hour, Period1w.Duration())
}

func TestPeriodIntraday(t *testing.T) {
	assert.True(t, Period5m.Intraday())
	assert.True(t, Period4h.Intraday())
	assert.False(t, Period1d.Intraday())
	assert.False(t, Period1w.Intraday())
}

func TestPeriodAlign(t *testing.T) {
	in := time.Date(2024, 3, 15, 10, 37, 42, 0, time.UTC) // Friday

	cases := []struct {
		period Period
		want   time.Time
	}{
		{Period5m, time.Date(2024, 3, 15, 10, 35, 0, 0, time.UTC)},
		{Period15m, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)},
		{Period1h, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)},
		{Period4h, time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)},
		{Period1d, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{Period1w, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)}, // Monday open
	}
	for _, tc := range cases {
		t.Run(string(tc.period), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.period.Align(in))
		})
	}
}

func TestPeriodAlignWeeklyEdges(t *testing.T) {
	// Sunday collapses back to the previous Monday.
	sunday := time.Date(2024, 3, 17, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), Period1w.Align(sunday))

	// A Monday open is already aligned.
	monday := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, monday, Period1w.Align(monday))
}

func TestPeriodAlignNormalisesZone(t *testing.T) {
	zone := time.FixedZone("UTC+5", 5*3600)
	in := time.Date(2024, 3, 15, 3, 30, 0, 0, zone) // 2024-03-14T22:30Z

	got := Period1h.Align(in)
	assert.Equal(t, time.Date(2024, 3, 14, 22, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())
}
