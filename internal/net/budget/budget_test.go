package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeUntilExhausted(t *testing.T) {
	tr := NewTracker("polygon", 3, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Consume())
	}
	assert.Equal(t, int64(0), tr.Remaining())

	err := tr.Consume()
	require.Error(t, err)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "polygon", ex.Source)
	assert.Equal(t, int64(3), ex.Used)
	assert.Equal(t, int64(3), ex.Limit)
	assert.Contains(t, err.Error(), "daily budget exhausted for polygon: 3/3 used")

	// A rejected consume does not spend.
	assert.Equal(t, int64(0), tr.Remaining())
}

func TestUnmeteredTracker(t *testing.T) {
	tr := NewTracker("stooq", 0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, tr.Consume())
	}
	assert.Equal(t, int64(-1), tr.Remaining())
}

func TestStats(t *testing.T) {
	tr := NewTracker("polygon", 10, 0)
	require.NoError(t, tr.Consume())
	require.NoError(t, tr.Consume())

	st := tr.Stats()
	assert.Equal(t, "polygon", st.Source)
	assert.Equal(t, int64(10), st.Limit)
	assert.Equal(t, int64(2), st.Used)
	assert.Equal(t, int64(8), st.Remaining)

	now := time.Now().UTC()
	assert.True(t, st.ResetAt.After(now))
	assert.LessOrEqual(t, st.ResetAt.Sub(now), 24*time.Hour)
}

func TestReset(t *testing.T) {
	tr := NewTracker("polygon", 1, 0)
	require.NoError(t, tr.Consume())
	require.Error(t, tr.Consume())

	tr.Reset()
	assert.Equal(t, int64(1), tr.Remaining())
	assert.NoError(t, tr.Consume())
}

func TestLastResetBefore(t *testing.T) {
	now := time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC)

	// Midnight boundary: last reset was today 00:00.
	assert.Equal(t, time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), lastResetBefore(now, 0))

	// Noon boundary not yet reached: last reset was yesterday noon.
	assert.Equal(t, time.Date(2024, time.March, 14, 12, 0, 0, 0, time.UTC), lastResetBefore(now, 12))

	// Exactly on the boundary counts as reset.
	at := time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, at, lastResetBefore(at, 12))
}

func TestRolloverClearsSpend(t *testing.T) {
	tr := NewTracker("polygon", 2, 0)
	require.NoError(t, tr.Consume())
	require.NoError(t, tr.Consume())
	require.Error(t, tr.Consume())

	// Age the window past a day; the next read rolls it over.
	tr.mu.Lock()
	tr.lastReset = time.Now().UTC().Add(-25 * time.Hour)
	tr.mu.Unlock()

	assert.Equal(t, int64(2), tr.Remaining())
	assert.NoError(t, tr.Consume())
}
