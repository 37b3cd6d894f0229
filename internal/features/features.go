// Package features computes the derived feature panel over an ordered
// candle sequence: universal returns/volatility/trend features for every
// asset class, plus the microstructure panel for crypto.
package features

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/candlekeep/candlekeep/internal/models"
)

// ErrComputeFailed marks an aborted compute pass. Partial results are never
// returned; the caller must not persist anything from the failed pass.
var ErrComputeFailed = errors.New("feature computation failed")

// Window lengths for the rolling features.
const (
	volShortWindow  = 20
	volLongWindow   = 50
	atrWindow       = 14
	smaWindow       = 20
	structureWindow = 20
)

// Set is the computed feature panel for one candle. Nil means the lookback
// window was not covered at that index (or the input lacked the field); the
// row is still persisted with the feature null.
type Set struct {
	ReturnPeriod    *float64
	ReturnDay       *float64
	Volatility20    *float64
	Volatility50    *float64
	ATR14           *float64
	TrendDirection  *string
	MarketStructure *string
	RollingVolume20 *float64

	// Crypto panel; nil on non-crypto passes.
	Delta                *float64
	BuySellRatio         *float64
	LiquidationIntensity *float64
	VolumeSpikeScore     *float64
	OpenInterestChange   *float64
}

// Apply copies the panel onto the persisted row.
func (s *Set) Apply(row *models.EnrichedCandle) {
	row.ReturnPeriod = s.ReturnPeriod
	row.ReturnDay = s.ReturnDay
	row.Volatility20 = s.Volatility20
	row.Volatility50 = s.Volatility50
	row.ATR14 = s.ATR14
	row.TrendDirection = s.TrendDirection
	row.MarketStructure = s.MarketStructure
	row.RollingVolume20 = s.RollingVolume20
	row.Delta = s.Delta
	row.BuySellRatio = s.BuySellRatio
	row.LiquidationIntensity = s.LiquidationIntensity
	row.VolumeSpikeScore = s.VolumeSpikeScore
	row.OpenInterestChange = s.OpenInterestChange
}

func (s *Set) checkFinite() error {
	checks := []struct {
		name string
		v    *float64
	}{
		{"return_period", s.ReturnPeriod},
		{"return_day", s.ReturnDay},
		{"volatility_20", s.Volatility20},
		{"volatility_50", s.Volatility50},
		{"atr_14", s.ATR14},
		{"rolling_volume_20", s.RollingVolume20},
		{"delta", s.Delta},
		{"buy_sell_ratio", s.BuySellRatio},
		{"liquidation_intensity", s.LiquidationIntensity},
		{"volume_spike_score", s.VolumeSpikeScore},
		{"open_interest_change", s.OpenInterestChange},
	}
	for _, c := range checks {
		if c.v != nil && (math.IsNaN(*c.v) || math.IsInf(*c.v, 0)) {
			return fmt.Errorf("%s is not finite", c.name)
		}
	}
	return nil
}

// PeriodsPerDay returns D, the number of period ticks in one trading day,
// used by the day-over-day return. Equity sessions are 6.5 hours; intraday
// equity periods round the session up to whole ticks. Crypto trades around
// the clock.
func PeriodsPerDay(period models.Period, class models.AssetClass) int {
	if class == models.AssetCrypto {
		switch period {
		case models.Period5m:
			return 288
		case models.Period15m:
			return 96
		case models.Period30m:
			return 48
		case models.Period1h:
			return 24
		case models.Period4h:
			return 6
		default: // 1d, 1w
			return 1
		}
	}
	switch period {
	case models.Period5m:
		return 78
	case models.Period15m:
		return 26
	case models.Period30m:
		return 13
	case models.Period1h:
		return 7
	case models.Period4h:
		return 2
	default: // 1d, 1w
		return 1
	}
}

// Computer runs the feature pass. Stateless and safe for concurrent use.
type Computer struct{}

func NewComputer() *Computer { return &Computer{} }

// Compute produces one Set per input candle, left to right. The input must
// already be validated: ordered, positive prices. A non-finite intermediate
// aborts the whole pass with ErrComputeFailed.
func (c *Computer) Compute(candles []models.RawCandle, class models.AssetClass, period models.Period) ([]Set, error) {
	n := len(candles)
	sets := make([]Set, n)
	if n == 0 {
		return sets, nil
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, cd := range candles {
		closes[i] = cd.Close
		highs[i] = cd.High
		lows[i] = cd.Low
		volumes[i] = cd.Volume
	}

	// log_return[t] and true_range[t] are defined from t=1.
	logret := make([]float64, n)
	tr := make([]float64, n)
	for t := 1; t < n; t++ {
		logret[t] = math.Log(closes[t] / closes[t-1])
		hl := highs[t] - lows[t]
		hc := math.Abs(highs[t] - closes[t-1])
		lc := math.Abs(lows[t] - closes[t-1])
		tr[t] = math.Max(hl, math.Max(hc, lc))
	}

	day := PeriodsPerDay(period, class)
	var atr float64

	for t := 0; t < n; t++ {
		sets[t].ReturnPeriod = fptr(closes[t]/candles[t].Open - 1)

		if t >= day {
			sets[t].ReturnDay = fptr(closes[t]/closes[t-day] - 1)
		}

		if t >= volShortWindow {
			sets[t].Volatility20 = fptr(sampleStdev(logret[t-volShortWindow+1 : t+1]))
		}
		if t >= volLongWindow {
			sets[t].Volatility50 = fptr(sampleStdev(logret[t-volLongWindow+1 : t+1]))
		}

		// Wilder ATR: seed with the mean of the first 14 true ranges, then
		// smooth.
		if t == atrWindow {
			atr = mean(tr[1 : atrWindow+1])
			sets[t].ATR14 = fptr(atr)
		} else if t > atrWindow {
			atr = (atr*float64(atrWindow-1) + tr[t]) / float64(atrWindow)
			sets[t].ATR14 = fptr(atr)
		}

		if t >= smaWindow-1 {
			sma := mean(closes[t-smaWindow+1 : t+1])
			sets[t].TrendDirection = sptr(trendFor(closes[t], sma))
			sets[t].RollingVolume20 = fptr(mean(volumes[t-smaWindow+1 : t+1]))
		}

		if t >= 2*structureWindow-1 {
			hiCur, loCur := windowHighLow(highs, lows, t-structureWindow+1, t)
			hiPrev, loPrev := windowHighLow(highs, lows, t-2*structureWindow+1, t-structureWindow)
			sets[t].MarketStructure = sptr(structureFor(hiCur, loCur, hiPrev, loPrev))
		}

		if class == models.AssetCrypto {
			computeCrypto(&sets[t], &candles[t], t, candles)
		}
	}

	for t := range sets {
		if err := sets[t].checkFinite(); err != nil {
			return nil, fmt.Errorf("%w: candle %d (%s): %v",
				ErrComputeFailed, t, candles[t].Timestamp.Format(time.RFC3339), err)
		}
	}
	return sets, nil
}

// computeCrypto fills the microstructure panel. Each feature needs its
// inputs present on the candle; the documented zero-division fallbacks keep
// persisted values finite.
func computeCrypto(s *Set, c *models.RawCandle, t int, candles []models.RawCandle) {
	if c.TakerBuyVolume != nil && c.TakerSellVolume != nil {
		buy, sell := *c.TakerBuyVolume, *c.TakerSellVolume
		s.Delta = fptr(buy - sell)
		if total := buy + sell; total > 0 {
			s.BuySellRatio = fptr(buy / total)
		} else {
			s.BuySellRatio = fptr(0.5)
		}
	}

	if c.LongLiquidations != nil && c.ShortLiquidations != nil {
		if c.Volume > 0 {
			s.LiquidationIntensity = fptr((*c.LongLiquidations + *c.ShortLiquidations) / c.Volume)
		} else {
			s.LiquidationIntensity = fptr(0)
		}
	}

	if s.RollingVolume20 != nil {
		if rv := *s.RollingVolume20; rv > 0 {
			s.VolumeSpikeScore = fptr(c.Volume / rv)
		} else {
			s.VolumeSpikeScore = fptr(0)
		}
	}

	if t > 0 && c.OpenInterest != nil && candles[t-1].OpenInterest != nil {
		if prev := *candles[t-1].OpenInterest; prev != 0 {
			s.OpenInterestChange = fptr(*c.OpenInterest/prev - 1)
		}
	}
}

func trendFor(close, sma float64) string {
	switch {
	case close > 1.01*sma:
		return models.TrendUp
	case close < 0.99*sma:
		return models.TrendDown
	default:
		return models.TrendNeutral
	}
}

func structureFor(hiCur, loCur, hiPrev, loPrev float64) string {
	switch {
	case hiCur > hiPrev && loCur > loPrev:
		return models.StructureBullish
	case hiCur < hiPrev && loCur < loPrev:
		return models.StructureBearish
	default:
		return models.StructureRange
	}
}

func windowHighLow(highs, lows []float64, from, to int) (float64, float64) {
	hi, lo := highs[from], lows[from]
	for i := from + 1; i <= to; i++ {
		if highs[i] > hi {
			hi = highs[i]
		}
		if lows[i] < lo {
			lo = lows[i]
		}
	}
	return hi, lo
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleStdev is the n-1 denominator standard deviation. Windows of fewer
// than two values have no spread.
func sampleStdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func fptr(v float64) *float64 { return &v }
func sptr(v string) *string   { return &v }
