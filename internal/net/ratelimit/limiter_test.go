package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigRPS(t *testing.T) {
	assert.InDelta(t, 5.0/60.0, Config{Requests: 5, Interval: time.Minute}.RPS(), 1e-9)
	assert.InDelta(t, 10, Config{Requests: 10, Interval: time.Second}.RPS(), 1e-9)
	// No interval means the value is already per-second.
	assert.InDelta(t, 3, Config{Requests: 3}.RPS(), 1e-9)
}

func TestBurstDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, Config{}.burst())
	assert.Equal(t, 4, Config{Burst: 4}.burst())
}

func TestAllowSpendsTokens(t *testing.T) {
	m := NewManager()
	m.Register("polygon", Config{Requests: 1, Interval: time.Hour, Burst: 2})

	assert.True(t, m.Allow("polygon"))
	assert.True(t, m.Allow("polygon"))
	// Burst spent; the next token is nearly an hour out.
	assert.False(t, m.Allow("polygon"))
}

func TestUnregisteredSourceIsUnlimited(t *testing.T) {
	m := NewManager()
	for i := 0; i < 1000; i++ {
		require.True(t, m.Allow("unknown"))
	}
}

func TestWaitHonoursContext(t *testing.T) {
	m := NewManager()
	m.Register("slow", Config{Requests: 1, Interval: time.Hour, Burst: 1})
	require.True(t, m.Allow("slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Wait(ctx, "slow"))
}

func TestReserveReportsDelay(t *testing.T) {
	m := NewManager()
	m.Register("slow", Config{Requests: 1, Interval: time.Minute, Burst: 1})
	require.True(t, m.Allow("slow"))

	res := m.Reserve("slow")
	defer res.Cancel()
	assert.Greater(t, res.Delay(), 30*time.Second)
}

func TestStats(t *testing.T) {
	m := NewManager()
	m.Register("polygon", Config{Requests: 5, Interval: time.Minute, Burst: 5})
	require.True(t, m.Allow("polygon"))

	st, ok := m.Stats()["polygon"]
	require.True(t, ok)
	assert.Equal(t, "polygon", st.Source)
	assert.InDelta(t, 5.0/60.0, st.RPS, 1e-9)
	assert.Equal(t, 5, st.Burst)
	assert.False(t, st.Throttled())
}

func TestStatsProbeDoesNotSpend(t *testing.T) {
	m := NewManager()
	m.Register("slow", Config{Requests: 1, Interval: time.Hour, Burst: 1})
	require.True(t, m.Allow("slow"))

	st := m.Stats()["slow"]
	assert.True(t, st.Throttled())
	assert.Greater(t, st.Delay, time.Duration(0))

	// Repeated snapshots report the same drained bucket.
	st2 := m.Stats()["slow"]
	assert.True(t, st2.Throttled())
}

func TestSetRateAdjustsLiveBucket(t *testing.T) {
	m := NewManager()
	m.Register("polygon", Config{Requests: 1, Interval: time.Hour, Burst: 1})
	require.True(t, m.Allow("polygon"))
	require.False(t, m.Allow("polygon"))

	m.SetRate("polygon", Config{Requests: 1000, Interval: time.Second, Burst: 100})
	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.Allow("polygon"))
}

func TestRegisterRebuildsBucket(t *testing.T) {
	m := NewManager()
	m.Register("polygon", Config{Requests: 1, Interval: time.Hour, Burst: 1})
	require.True(t, m.Allow("polygon"))
	require.False(t, m.Allow("polygon"))

	m.Register("polygon", Config{Requests: 1, Interval: time.Hour, Burst: 3})
	assert.True(t, m.Allow("polygon"))
}

func TestResetRebuildsFromConfig(t *testing.T) {
	m := NewManager()
	m.Register("polygon", Config{Requests: 1, Interval: time.Hour, Burst: 1})
	require.True(t, m.Allow("polygon"))
	require.False(t, m.Allow("polygon"))

	m.Reset()
	// The bucket rebuilds full from the kept config.
	assert.True(t, m.Allow("polygon"))
	assert.False(t, m.Allow("polygon"))
}
