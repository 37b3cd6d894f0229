package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeRangeValidate(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	assert.NoError(t, NewTimeRange(start, end).Validate())
	assert.NoError(t, NewTimeRange(start, start).Validate())

	err := NewTimeRange(end, start).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before start")

	err = TimeRange{End: end}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero bound")
}

func TestTimeRangeNormalisesToUTC(t *testing.T) {
	zone := time.FixedZone("UTC-4", -4*3600)
	rng := NewTimeRange(
		time.Date(2024, 3, 1, 10, 0, 0, 0, zone),
		time.Date(2024, 3, 1, 12, 0, 0, 0, zone),
	)
	assert.Equal(t, time.UTC, rng.Start.Location())
	assert.Equal(t, time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC), rng.Start)
	assert.Equal(t, 2*time.Hour, rng.Span())
}

func TestTimeRangeContainsIsInclusive(t *testing.T) {
	rng := NewTimeRange(
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	)
	assert.True(t, rng.Contains(rng.Start))
	assert.True(t, rng.Contains(rng.End))
	assert.True(t, rng.Contains(rng.Start.Add(time.Hour)))
	assert.False(t, rng.Contains(rng.Start.Add(-time.Second)))
	assert.False(t, rng.Contains(rng.End.Add(time.Second)))
}

func TestParseAssetClass(t *testing.T) {
	for _, class := range AllAssetClasses {
		got, err := ParseAssetClass(string(class))
		require.NoError(t, err)
		assert.Equal(t, class, got)
	}

	_, err := ParseAssetClass("bond")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown asset class")
}

func TestAssetClassEquity(t *testing.T) {
	assert.True(t, AssetStock.Equity())
	assert.True(t, AssetETF.Equity())
	assert.False(t, AssetCrypto.Equity())
}

func TestSymbolDescriptorAliasFor(t *testing.T) {
	d := &SymbolDescriptor{
		Symbol:  "BTCUSDT",
		Aliases: map[string]string{"polygon": "X:BTCUSD"},
	}
	assert.Equal(t, "X:BTCUSD", d.AliasFor("polygon"))
	assert.Equal(t, "", d.AliasFor("stooq"))

	bare := &SymbolDescriptor{Symbol: "AAPL"}
	assert.Equal(t, "", bare.AliasFor("polygon"))
}

func TestSymbolDescriptorHasPeriod(t *testing.T) {
	d := &SymbolDescriptor{Periods: []Period{Period1h, Period1d}}
	assert.True(t, d.HasPeriod(Period1h))
	assert.True(t, d.HasPeriod(Period1d))
	assert.False(t, d.HasPeriod(Period5m))
}
