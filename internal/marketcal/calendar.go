// Package marketcal pins the equity trading calendar used for gap detection,
// range normalisation, and default sweep boundaries. Crypto trades around the
// clock and bypasses all of it.
package marketcal

import (
	"fmt"
	"time"

	"github.com/candlekeep/candlekeep/internal/models"
)

const dateLayout = "2006-01-02"

var nyZone = mustLoadNY()

func mustLoadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(fmt.Sprintf("load America/New_York: %v", err))
	}
	return loc
}

// NYSE full-closure days. Half-days are treated as full sessions; that only
// softens gap detection on four afternoons a year.
var holidays = map[string]bool{
	"2020-01-01": true, "2020-01-20": true, "2020-02-17": true, "2020-04-10": true,
	"2020-05-25": true, "2020-07-03": true, "2020-09-07": true, "2020-11-26": true,
	"2020-12-25": true,
	"2021-01-01": true, "2021-01-18": true, "2021-02-15": true, "2021-04-02": true,
	"2021-05-31": true, "2021-07-05": true, "2021-09-06": true, "2021-11-25": true,
	"2021-12-24": true,
	"2022-01-17": true, "2022-02-21": true, "2022-04-15": true, "2022-05-30": true,
	"2022-06-20": true, "2022-07-04": true, "2022-09-05": true, "2022-11-24": true,
	"2022-12-26": true,
	"2023-01-02": true, "2023-01-16": true, "2023-02-20": true, "2023-04-07": true,
	"2023-05-29": true, "2023-06-19": true, "2023-07-04": true, "2023-09-04": true,
	"2023-11-23": true, "2023-12-25": true,
	"2024-01-01": true, "2024-01-15": true, "2024-02-19": true, "2024-03-29": true,
	"2024-05-27": true, "2024-06-19": true, "2024-07-04": true, "2024-09-02": true,
	"2024-11-28": true, "2024-12-25": true,
	"2025-01-01": true, "2025-01-09": true, "2025-01-20": true, "2025-02-17": true,
	"2025-04-18": true, "2025-05-26": true, "2025-06-19": true, "2025-07-04": true,
	"2025-09-01": true, "2025-11-27": true, "2025-12-25": true,
	"2026-01-01": true, "2026-01-19": true, "2026-02-16": true, "2026-04-03": true,
	"2026-05-25": true, "2026-06-19": true, "2026-07-03": true, "2026-09-07": true,
	"2026-11-26": true, "2026-12-25": true,
}

// IsHoliday reports whether t's New York date is a full market closure.
func IsHoliday(t time.Time) bool {
	return holidays[t.In(nyZone).Format(dateLayout)]
}

// IsTradingDay reports whether the exchange is open on t's New York date.
func IsTradingDay(t time.Time) bool {
	ny := t.In(nyZone)
	switch ny.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !holidays[ny.Format(dateLayout)]
}

// NextTradingDay returns New York midnight of the first trading date strictly
// after t's New York date.
func NextTradingDay(t time.Time) time.Time {
	ny := t.In(nyZone)
	day := time.Date(ny.Year(), ny.Month(), ny.Day(), 0, 0, 0, 0, nyZone)
	for {
		day = day.AddDate(0, 0, 1)
		if IsTradingDay(day) {
			return day
		}
	}
}

// PrevTradingDay returns New York midnight of the last trading date strictly
// before t's New York date.
func PrevTradingDay(t time.Time) time.Time {
	ny := t.In(nyZone)
	day := time.Date(ny.Year(), ny.Month(), ny.Day(), 0, 0, 0, 0, nyZone)
	for {
		day = day.AddDate(0, 0, -1)
		if IsTradingDay(day) {
			return day
		}
	}
}

// SessionOpen returns the UTC instant of the 09:30 New York open on t's date.
func SessionOpen(t time.Time) time.Time {
	ny := t.In(nyZone)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 9, 30, 0, 0, nyZone).UTC()
}

// SessionClose returns the UTC instant of the 16:00 New York close on t's date.
func SessionClose(t time.Time) time.Time {
	ny := t.In(nyZone)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 16, 0, 0, 0, nyZone).UTC()
}

// WithinSession reports whether a candle opening at t falls inside the
// regular session: trading day, open <= t < close.
func WithinSession(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	return !t.Before(SessionOpen(t)) && t.Before(SessionClose(t))
}

// NYDate formats t's New York calendar date, the form daily providers key on.
func NYDate(t time.Time) string {
	return t.In(nyZone).Format(dateLayout)
}

// DateUTC stamps a daily or weekly candle: UTC midnight of t's New York date.
func DateUTC(t time.Time) time.Time {
	ny := t.In(nyZone)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 0, 0, 0, 0, time.UTC)
}

// ExpectedNext returns the period-open instant that should follow prev in a
// continuous sequence. A gap exists when the observed successor is later than
// this. Weekends, holidays, and overnight halts are skipped for equities;
// crypto cadence is uniform.
func ExpectedNext(prev time.Time, period models.Period, class models.AssetClass) time.Time {
	prev = prev.UTC()
	if !class.Equity() {
		return prev.Add(period.Duration())
	}
	switch period {
	case models.Period1d:
		// Daily candles are stamped UTC midnight of their trading date, so
		// the date is read from the UTC fields, not the New York clock.
		day := time.Date(prev.Year(), prev.Month(), prev.Day(), 0, 0, 0, 0, nyZone)
		return DateUTC(NextTradingDay(day))
	case models.Period1w:
		return prev.AddDate(0, 0, 7)
	default:
		cand := prev.Add(period.Duration())
		if WithinSession(cand) {
			return cand
		}
		return SessionOpen(NextTradingDay(prev))
	}
}

// LastCompleteOpen returns the open of the most recent fully closed candle at
// now, the default sweep end instant.
func LastCompleteOpen(now time.Time, period models.Period, class models.AssetClass) time.Time {
	now = now.UTC()
	if !class.Equity() {
		return period.Align(now).Add(-period.Duration())
	}
	switch period {
	case models.Period1d:
		day := now.In(nyZone)
		date := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, nyZone)
		if !IsTradingDay(date) || now.Before(SessionClose(date)) {
			date = PrevTradingDay(date)
		}
		return DateUTC(date)
	case models.Period1w:
		monday := period.Align(now)
		// The week's candle closes with its final session, normally Friday.
		lastDay := time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, nyZone).AddDate(0, 0, 4)
		if !IsTradingDay(lastDay) {
			lastDay = PrevTradingDay(lastDay)
		}
		if now.Before(SessionClose(lastDay)) {
			monday = monday.AddDate(0, 0, -7)
		}
		return monday
	default:
		t := period.Align(now).Add(-period.Duration())
		for !WithinSession(t) {
			t = t.Add(-period.Duration())
		}
		return t
	}
}

// EquitySessionWindow normalises a UTC range to the exchange's wall-clock
// trading window: New York midnight of the first date through session close
// of the last. This keeps daily requests stable across DST transitions.
func EquitySessionWindow(rng models.TimeRange) models.TimeRange {
	start := rng.Start.In(nyZone)
	end := rng.End.In(nyZone)
	return models.TimeRange{
		Start: time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, nyZone).UTC(),
		End:   SessionClose(end),
	}
}

// TradingDays returns the trading dates (New York midnight) within the
// inclusive range.
func TradingDays(rng models.TimeRange) []time.Time {
	var days []time.Time
	ny := rng.Start.In(nyZone)
	day := time.Date(ny.Year(), ny.Month(), ny.Day(), 0, 0, 0, 0, nyZone)
	for !day.After(rng.End.In(nyZone)) {
		if IsTradingDay(day) {
			days = append(days, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return days
}
