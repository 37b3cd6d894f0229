// Package providers defines the upstream client contracts and the
// discriminated error type shared by all of them. Symbols passed in are
// provider-native; translation from canonical tickers is the aggregator's
// job.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/candlekeep/candlekeep/internal/models"
)

// CandleProvider is a typed adapter to one upstream market-data source.
//
// FetchCandles returns candles ordered strictly ascending by period-open
// timestamp, deduplicated, with no future-dated entries. Paging and
// provider-native limit arithmetic are hidden: a range wider than one page is
// fetched in monotonically increasing slices and concatenated.
type CandleProvider interface {
	Name() string
	Supports(period models.Period) bool
	FetchCandles(ctx context.Context, symbol string, period models.Period, rng models.TimeRange) ([]models.RawCandle, error)
}

// MicrostructureProvider extends a crypto-futures source with the derivative
// snapshot (open interest, funding, liquidations, taker flow).
type MicrostructureProvider interface {
	FetchMicrostructure(ctx context.Context, symbol string, period models.Period) (*models.Microstructure, error)
}

// ValidateFetchArgs enforces the shared input contract before any network
// call: non-empty symbol, supported period, ordered range.
func ValidateFetchArgs(symbol string, period models.Period, rng models.TimeRange) error {
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if !period.Valid() {
		return fmt.Errorf("unsupported period %q", period)
	}
	if err := rng.Validate(); err != nil {
		return fmt.Errorf("invalid range: %w", err)
	}
	return nil
}

// CheckSequence verifies the provider output contract on an assembled page
// set: strictly ascending unique timestamps, nothing future-dated beyond a
// one-minute clock-skew allowance.
func CheckSequence(source string, candles []models.RawCandle, now time.Time) error {
	limit := now.Add(time.Minute)
	for i, c := range candles {
		if i > 0 && !candles[i-1].Timestamp.Before(c.Timestamp) {
			return NewError(source, KindMalformed,
				fmt.Errorf("timestamps not strictly ascending at index %d", i))
		}
		if c.Timestamp.After(limit) {
			return NewError(source, KindMalformed,
				fmt.Errorf("future-dated candle at %s", c.Timestamp))
		}
	}
	return nil
}
