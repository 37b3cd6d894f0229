package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2*time.Second, p.InitialDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.False(t, p.FullJitter)
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{InitialDelay: 2 * time.Second, Multiplier: 2, MaxDelay: time.Minute}
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(4))
}

func TestDelayCapsAtMax(t *testing.T) {
	p := Policy{InitialDelay: 10 * time.Second, Multiplier: 3, MaxDelay: 30 * time.Second}
	assert.Equal(t, 10*time.Second, p.Delay(1))
	assert.Equal(t, 30*time.Second, p.Delay(2))
	assert.Equal(t, 30*time.Second, p.Delay(3))
	assert.Equal(t, 30*time.Second, p.Delay(10))
}

func TestDelayClampsAttempt(t *testing.T) {
	p := Policy{InitialDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, 5*time.Second, p.Delay(0))
	assert.Equal(t, 5*time.Second, p.Delay(-3))
}

func TestDelayFullJitterStaysInRange(t *testing.T) {
	p := Policy{InitialDelay: time.Second, Multiplier: 2, FullJitter: true}
	for i := 0; i < 200; i++ {
		d := p.Delay(3) // 4s before jitter
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}
