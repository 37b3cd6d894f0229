package models

import (
	"fmt"
	"time"
)

// RawCandle is the neutral fetch result handed from a provider to the
// pipeline. It lives only within one enrichment pass.
type RawCandle struct {
	Timestamp time.Time `json:"timestamp"` // period-open, UTC
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`

	// Crypto extras; nil for equities and for providers that do not carry them.
	TakerBuyVolume    *float64 `json:"taker_buy_volume,omitempty"`
	TakerSellVolume   *float64 `json:"taker_sell_volume,omitempty"`
	OpenInterest      *float64 `json:"open_interest,omitempty"`
	FundingRate       *float64 `json:"funding_rate,omitempty"`
	LongLiquidations  *float64 `json:"long_liquidations,omitempty"`
	ShortLiquidations *float64 `json:"short_liquidations,omitempty"`
}

// Microstructure is the crypto-futures snapshot merged onto raw candles of
// the same symbol before feature computation.
type Microstructure struct {
	Symbol            string    `json:"symbol"`
	OpenInterest      float64   `json:"open_interest"`
	FundingRate       float64   `json:"funding_rate"`
	LongLiquidations  float64   `json:"long_liquidations"`
	ShortLiquidations float64   `json:"short_liquidations"`
	TakerBuyVolume    float64   `json:"taker_buy_volume"`
	TakerSellVolume   float64   `json:"taker_sell_volume"`
	CapturedAt        time.Time `json:"captured_at"`
}

// Trend direction labels.
const (
	TrendUp      = "up"
	TrendDown    = "down"
	TrendNeutral = "neutral"
)

// Market structure labels.
const (
	StructureBullish = "bullish"
	StructureBearish = "bearish"
	StructureRange   = "range"
)

// EnrichedCandle is the persisted row, keyed uniquely by
// (symbol, asset_class, period, ts).
type EnrichedCandle struct {
	ID         int64      `db:"id" json:"id"`
	Symbol     string     `db:"symbol" json:"symbol"`
	AssetClass AssetClass `db:"asset_class" json:"asset_class"`
	Period     Period     `db:"period" json:"period"`
	Timestamp  time.Time  `db:"ts" json:"timestamp"`

	Open   float64 `db:"open" json:"open"`
	High   float64 `db:"high" json:"high"`
	Low    float64 `db:"low" json:"low"`
	Close  float64 `db:"close" json:"close"`
	Volume float64 `db:"volume" json:"volume"`

	TakerBuyVolume    *float64 `db:"taker_buy_volume" json:"taker_buy_volume,omitempty"`
	TakerSellVolume   *float64 `db:"taker_sell_volume" json:"taker_sell_volume,omitempty"`
	OpenInterest      *float64 `db:"open_interest" json:"open_interest,omitempty"`
	FundingRate       *float64 `db:"funding_rate" json:"funding_rate,omitempty"`
	LongLiquidations  *float64 `db:"long_liquidations" json:"long_liquidations,omitempty"`
	ShortLiquidations *float64 `db:"short_liquidations" json:"short_liquidations,omitempty"`

	// Universal features; nil while the lookback window is not covered.
	ReturnPeriod    *float64 `db:"return_period" json:"return_period,omitempty"`
	ReturnDay       *float64 `db:"return_day" json:"return_day,omitempty"`
	Volatility20    *float64 `db:"volatility_20" json:"volatility_20,omitempty"`
	Volatility50    *float64 `db:"volatility_50" json:"volatility_50,omitempty"`
	ATR14           *float64 `db:"atr_14" json:"atr_14,omitempty"`
	TrendDirection  *string  `db:"trend_direction" json:"trend_direction,omitempty"`
	MarketStructure *string  `db:"market_structure" json:"market_structure,omitempty"`
	RollingVolume20 *float64 `db:"rolling_volume_20" json:"rolling_volume_20,omitempty"`

	// Crypto-only features; nil on non-crypto rows.
	Delta                *float64 `db:"delta" json:"delta,omitempty"`
	BuySellRatio         *float64 `db:"buy_sell_ratio" json:"buy_sell_ratio,omitempty"`
	LiquidationIntensity *float64 `db:"liquidation_intensity" json:"liquidation_intensity,omitempty"`
	VolumeSpikeScore     *float64 `db:"volume_spike_score" json:"volume_spike_score,omitempty"`
	OpenInterestChange   *float64 `db:"open_interest_change" json:"open_interest_change,omitempty"`

	Source            string  `db:"source" json:"source"`
	Validated         bool    `db:"validated" json:"validated"`
	QualityScore      float64 `db:"quality_score" json:"quality_score"`
	Completeness      float64 `db:"completeness" json:"completeness"`
	GapFlag           bool    `db:"gap_flag" json:"gap_flag"`
	VolumeAnomalyFlag bool    `db:"volume_anomaly_flag" json:"volume_anomaly_flag"`
	ValidationNote    string  `db:"validation_note" json:"validation_note,omitempty"`

	Revision    int       `db:"revision" json:"revision"`
	AmendedFrom *int64    `db:"amended_from" json:"amended_from,omitempty"`
	FetchedAt   time.Time `db:"fetched_at" json:"fetched_at"`
	ComputedAt  time.Time `db:"computed_at" json:"computed_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Key identifies the row's unique tuple; used for logging and dedup.
func (c *EnrichedCandle) Key() string {
	return fmt.Sprintf("%s/%s/%s/%d", c.Symbol, c.AssetClass, c.Period, c.Timestamp.Unix())
}

// CheckOHLC verifies the price envelope invariant:
// low <= min(open, close) <= max(open, close) <= high, all prices > 0.
func CheckOHLC(open, high, low, close float64) error {
	if open <= 0 || high <= 0 || low <= 0 || close <= 0 {
		return fmt.Errorf("non-positive price (o=%g h=%g l=%g c=%g)", open, high, low, close)
	}
	lo, hi := open, close
	if lo > hi {
		lo, hi = hi, lo
	}
	if low > lo {
		return fmt.Errorf("low %g above min(open, close) %g", low, lo)
	}
	if high < hi {
		return fmt.Errorf("high %g below max(open, close) %g", high, hi)
	}
	return nil
}
