// Package budget meters daily request quotas per source. The warehouse
// surfaces the remaining allowance on every fetch-audit row so operators can
// see quota burn without provider dashboards.
package budget

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ExhaustedError reports a spent daily allowance and when it refills.
type ExhaustedError struct {
	Source  string
	Used    int64
	Limit   int64
	ResetAt time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("daily budget exhausted for %s: %d/%d used, resets %s",
		e.Source, e.Used, e.Limit, e.ResetAt.Format("15:04 UTC"))
}

// Tracker counts one source's requests against a daily limit that resets at a
// fixed UTC hour. A zero limit disables metering.
type Tracker struct {
	source    string
	limit     int64
	resetHour int
	used      atomic.Int64

	mu        sync.Mutex
	lastReset time.Time
}

// Snapshot is a point-in-time view of the allowance.
type Snapshot struct {
	Source    string    `json:"source"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

func NewTracker(source string, dailyLimit int64, resetHourUTC int) *Tracker {
	if resetHourUTC < 0 || resetHourUTC > 23 {
		resetHourUTC = 0
	}
	return &Tracker{
		source:    source,
		limit:     dailyLimit,
		resetHour: resetHourUTC,
		lastReset: lastResetBefore(time.Now().UTC(), resetHourUTC),
	}
}

func lastResetBefore(now time.Time, resetHour int) time.Time {
	boundary := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, time.UTC)
	if now.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

func (t *Tracker) rollover() {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.lastReset) >= 24*time.Hour {
		t.used.Store(0)
		t.lastReset = lastResetBefore(now, t.resetHour)
	}
}

func (t *Tracker) resetAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastReset.Add(24 * time.Hour)
}

// Consume spends one request. It fails, without spending, when the allowance
// is already gone.
func (t *Tracker) Consume() error {
	if t.limit <= 0 {
		return nil
	}
	t.rollover()

	if n := t.used.Add(1); n > t.limit {
		t.used.Add(-1)
		return &ExhaustedError{Source: t.source, Used: n - 1, Limit: t.limit, ResetAt: t.resetAt()}
	}
	return nil
}

// Remaining returns the requests left today, or -1 when unmetered.
func (t *Tracker) Remaining() int64 {
	if t.limit <= 0 {
		return -1
	}
	t.rollover()
	left := t.limit - t.used.Load()
	if left < 0 {
		left = 0
	}
	return left
}

// Stats snapshots the allowance for the ops surface. Remaining is -1 when
// unmetered, matching Remaining().
func (t *Tracker) Stats() Snapshot {
	t.rollover()
	used := t.used.Load()
	return Snapshot{
		Source:    t.source,
		Limit:     t.limit,
		Used:      used,
		Remaining: t.Remaining(),
		ResetAt:   t.resetAt(),
	}
}

// Reset clears the counter immediately.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used.Store(0)
	t.lastReset = time.Now().UTC()
}
