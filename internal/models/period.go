package models

import (
	"fmt"
	"time"
)

// Period is one of the seven supported candle durations.
type Period string

const (
	Period5m  Period = "5m"
	Period15m Period = "15m"
	Period30m Period = "30m"
	Period1h  Period = "1h"
	Period4h  Period = "4h"
	Period1d  Period = "1d"
	Period1w  Period = "1w"
)

// AllPeriods lists supported periods shortest-first.
var AllPeriods = []Period{Period5m, Period15m, Period30m, Period1h, Period4h, Period1d, Period1w}

var periodDurations = map[Period]time.Duration{
	Period5m:  5 * time.Minute,
	Period15m: 15 * time.Minute,
	Period30m: 30 * time.Minute,
	Period1h:  time.Hour,
	Period4h:  4 * time.Hour,
	Period1d:  24 * time.Hour,
	Period1w:  7 * 24 * time.Hour,
}

// ParsePeriod validates a period string.
func ParsePeriod(s string) (Period, error) {
	p := Period(s)
	if !p.Valid() {
		return "", fmt.Errorf("unsupported period %q", s)
	}
	return p, nil
}

func (p Period) Valid() bool {
	_, ok := periodDurations[p]
	return ok
}

// Duration returns the nominal tick length. Daily and weekly durations are
// calendar-nominal (24h, 168h); equity session arithmetic lives in marketcal.
func (p Period) Duration() time.Duration {
	return periodDurations[p]
}

// Intraday reports whether the period is shorter than one day.
func (p Period) Intraday() bool {
	return p.Duration() < 24*time.Hour
}

// Align truncates t to the period grid in UTC. Weekly candles open on
// Monday 00:00 UTC.
func (p Period) Align(t time.Time) time.Time {
	t = t.UTC()
	if p == Period1w {
		day := t.Truncate(24 * time.Hour)
		// time.Weekday: Sunday=0 .. Monday=1
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
	return t.Truncate(p.Duration())
}

func (p Period) String() string { return string(p) }
