// Package retry computes exponential-backoff delays. The policy is pure; it
// never sleeps, so callers stay in control of cancellation.
package retry

import (
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	FullJitter   bool          `yaml:"full_jitter"`
}

// DefaultPolicy is the task-level schedule: 2s initial, doubling, three
// attempts total.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 2 * time.Second,
		Multiplier:   2,
		MaxDelay:     time.Minute,
		MaxAttempts:  3,
	}
}

// Delay returns the wait before the given attempt; attempt 1 is the first
// retry. Growth caps at MaxDelay. With FullJitter the value is drawn
// uniformly from (0, delay].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	delay := time.Duration(d)
	if p.FullJitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay))) + 1
	}
	return delay
}

// Exhausted reports whether the schedule allows no further attempt after the
// given number of completed attempts.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
