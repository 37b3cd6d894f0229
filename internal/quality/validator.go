// Package quality validates fetched candle sequences and scores them. Fatal
// findings (broken OHLC envelope, unordered timestamps, duplicates) reject
// the sequence as a unit; gaps and volume anomalies only annotate.
package quality

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/candlekeep/candlekeep/internal/marketcal"
	"github.com/candlekeep/candlekeep/internal/models"
)

// ErrValidationFailed marks a sequence rejected by a fatal check. No candle
// from a rejected sequence may be persisted.
var ErrValidationFailed = errors.New("validation failed")

// Score weights per the composite definition.
const (
	weightCompleteness = 0.40
	weightCandlePass   = 0.30
	weightSequencePass = 0.20
	weightFreshness    = 0.10
)

// Config tunes the validator; zero fields take warehouse defaults.
type Config struct {
	SLAs map[models.AssetClass]FreshnessSLA `yaml:"slas"`

	// Volume anomaly bounds against the rolling median.
	SpikeMultiplier   float64 `yaml:"spike_multiplier"`   // default 10
	DroughtMultiplier float64 `yaml:"drought_multiplier"` // default 0.1
	MedianWindow      int     `yaml:"median_window"`      // default 20
	MinMedianHistory  int     `yaml:"min_median_history"` // default 5
}

func (c Config) withDefaults() Config {
	if c.SLAs == nil {
		c.SLAs = DefaultSLAs()
	}
	if c.SpikeMultiplier == 0 {
		c.SpikeMultiplier = 10
	}
	if c.DroughtMultiplier == 0 {
		c.DroughtMultiplier = 0.1
	}
	if c.MedianWindow == 0 {
		c.MedianWindow = 20
	}
	if c.MinMedianHistory == 0 {
		c.MinMedianHistory = 5
	}
	return c
}

// CandleFlags carries the per-candle annotations merged onto persisted rows.
type CandleFlags struct {
	Gap           bool
	VolumeAnomaly bool
}

// Report is the validation outcome for one sequence.
type Report struct {
	Symbol     string            `json:"symbol"`
	AssetClass models.AssetClass `json:"asset_class"`
	Period     models.Period     `json:"period"`
	Candles    int               `json:"candles"`

	CandleChecks   int `json:"candle_checks"`
	CandleFailures int `json:"candle_failures"`
	SeqChecks      int `json:"seq_checks"`
	SeqFailures    int `json:"seq_failures"`
	Gaps           int `json:"gaps"`
	VolumeAnomalies int `json:"volume_anomalies"`

	Completeness float64 `json:"completeness"`
	CandleRatio  float64 `json:"candle_ratio"`
	SeqRatio     float64 `json:"seq_ratio"`
	Freshness    float64 `json:"freshness"`
	Score        float64 `json:"score"`

	// Flags is index-aligned with the validated sequence.
	Flags []CandleFlags `json:"-"`
	Note  string        `json:"note,omitempty"`
}

// Validator runs the per-candle and per-sequence checks.
type Validator struct {
	cfg Config
}

func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// SLA returns the freshness ladder for an asset class.
func (v *Validator) SLA(class models.AssetClass) FreshnessSLA {
	if sla, ok := v.cfg.SLAs[class]; ok {
		return sla
	}
	return DefaultSLAs()[models.AssetStock]
}

// ValidateSequence checks candles (already ordered by the provider contract)
// and produces the quality report. fetchedAt feeds the freshness component:
// freshness measures the age of the newest candle at fetch time.
//
// A fatal per-candle or ordering failure returns an error wrapping
// ErrValidationFailed and no report.
func (v *Validator) ValidateSequence(candles []models.RawCandle, symbol string, class models.AssetClass, period models.Period, fetchedAt time.Time) (*Report, error) {
	rep := &Report{
		Symbol:     symbol,
		AssetClass: class,
		Period:     period,
		Candles:    len(candles),
		Flags:      make([]CandleFlags, len(candles)),
	}
	if len(candles) == 0 {
		rep.Completeness = 1
		rep.CandleRatio = 1
		rep.SeqRatio = 1
		rep.Freshness = 1
		rep.Score = 1
		return rep, nil
	}

	// Ordering violations reject before anything else runs.
	for i := 1; i < len(candles); i++ {
		d := candles[i].Timestamp.Sub(candles[i-1].Timestamp)
		if d == 0 {
			return nil, fmt.Errorf("%w: duplicate timestamp %s at index %d",
				ErrValidationFailed, candles[i].Timestamp.Format(time.RFC3339), i)
		}
		if d < 0 {
			return nil, fmt.Errorf("%w: timestamps not increasing at index %d", ErrValidationFailed, i)
		}
	}

	var notes []string

	// Per-candle checks are all-or-nothing: one hard failure rejects the
	// sequence. Missing crypto extras count against completeness, not
	// validity.
	for i := range candles {
		if err := v.checkCandle(&candles[i]); err != nil {
			return nil, fmt.Errorf("%w: candle %d (%s): %v",
				ErrValidationFailed, i, candles[i].Timestamp.Format(time.RFC3339), err)
		}
	}
	rep.CandleChecks = len(candles)
	rep.CandleRatio = 1

	// Cadence: one check per consecutive pair.
	for i := 1; i < len(candles); i++ {
		rep.SeqChecks++
		expected := marketcal.ExpectedNext(candles[i-1].Timestamp, period, class)
		if candles[i].Timestamp.After(expected) {
			rep.SeqFailures++
			rep.Gaps++
			rep.Flags[i].Gap = true
		}
	}

	// Volume anomalies against the rolling median of prior candles.
	volumes := make([]float64, len(candles))
	for i := range candles {
		volumes[i] = candles[i].Volume
	}
	for i := range candles {
		rep.SeqChecks++
		med, ok := rollingMedian(volumes, i, v.cfg.MedianWindow, v.cfg.MinMedianHistory)
		if !ok || med <= 0 {
			continue
		}
		switch {
		case volumes[i] > med*v.cfg.SpikeMultiplier:
			rep.SeqFailures++
			rep.VolumeAnomalies++
			rep.Flags[i].VolumeAnomaly = true
		case class.Equity() && volumes[i] < med*v.cfg.DroughtMultiplier:
			rep.SeqFailures++
			rep.VolumeAnomalies++
			rep.Flags[i].VolumeAnomaly = true
		}
	}

	rep.Completeness = completeness(candles, class)
	if rep.SeqChecks > 0 {
		rep.SeqRatio = 1 - float64(rep.SeqFailures)/float64(rep.SeqChecks)
	} else {
		rep.SeqRatio = 1
	}

	age := fetchedAt.Sub(candles[len(candles)-1].Timestamp.Add(period.Duration()))
	if age < 0 {
		age = 0
	}
	rep.Freshness = v.SLA(class).Freshness(age)

	rep.Score = clamp01(weightCompleteness*rep.Completeness +
		weightCandlePass*rep.CandleRatio +
		weightSequencePass*rep.SeqRatio +
		weightFreshness*rep.Freshness)

	if rep.Gaps > 0 {
		notes = append(notes, fmt.Sprintf("%d gap(s)", rep.Gaps))
	}
	if rep.VolumeAnomalies > 0 {
		notes = append(notes, fmt.Sprintf("%d volume anomaly(ies)", rep.VolumeAnomalies))
	}
	rep.Note = strings.Join(notes, "; ")
	return rep, nil
}

// checkCandle enforces the hard per-candle invariants. The derivative extras
// are checked whenever present; only crypto sequences carry them.
func (v *Validator) checkCandle(c *models.RawCandle) error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	if err := models.CheckOHLC(c.Open, c.High, c.Low, c.Close); err != nil {
		return err
	}
	if c.Volume < 0 {
		return fmt.Errorf("negative volume %g", c.Volume)
	}
	for _, f := range []struct {
		name string
		val  *float64
	}{
		{"taker_buy_volume", c.TakerBuyVolume},
		{"taker_sell_volume", c.TakerSellVolume},
		{"open_interest", c.OpenInterest},
		{"long_liquidations", c.LongLiquidations},
		{"short_liquidations", c.ShortLiquidations},
	} {
		if f.val != nil && *f.val < 0 {
			return fmt.Errorf("negative %s %g", f.name, *f.val)
		}
	}
	if c.FundingRate != nil && (*c.FundingRate < -1 || *c.FundingRate > 1) {
		return fmt.Errorf("funding rate %g outside [-1, 1]", *c.FundingRate)
	}
	return nil
}

// completeness is the mean present-field ratio. Universal fields are value
// types and always present; crypto rows are additionally expected to carry
// the six derivative extras.
func completeness(candles []models.RawCandle, class models.AssetClass) float64 {
	const universal = 6.0 // ts, o, h, l, c, v
	if class != models.AssetCrypto {
		return 1
	}
	total := universal + 6
	var sum float64
	for i := range candles {
		present := universal
		for _, p := range []*float64{
			candles[i].TakerBuyVolume, candles[i].TakerSellVolume,
			candles[i].OpenInterest, candles[i].FundingRate,
			candles[i].LongLiquidations, candles[i].ShortLiquidations,
		} {
			if p != nil {
				present++
			}
		}
		sum += present / total
	}
	return sum / float64(len(candles))
}

// rollingMedian computes the median of up to window values strictly before
// index i. It reports false when fewer than minHistory values exist.
func rollingMedian(vals []float64, i, window, minHistory int) (float64, bool) {
	lo := i - window
	if lo < 0 {
		lo = 0
	}
	n := i - lo
	if n < minHistory {
		return 0, false
	}
	w := make([]float64, n)
	copy(w, vals[lo:i])
	sort.Float64s(w)
	if n%2 == 1 {
		return w[n/2], true
	}
	return (w[n/2-1] + w[n/2]) / 2, true
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
