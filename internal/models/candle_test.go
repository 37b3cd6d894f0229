package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOHLC(t *testing.T) {
	cases := []struct {
		name                   string
		open, high, low, close float64
		wantErr                string
	}{
		{name: "normal candle", open: 100, high: 105, low: 98, close: 103},
		{name: "flat candle", open: 100, high: 100, low: 100, close: 100},
		{name: "down candle", open: 103, high: 104, low: 99, close: 100},
		{name: "low touches close", open: 101, high: 102, low: 100, close: 100},
		{
			name: "low above body",
			open: 100, high: 105, low: 101, close: 103,
			wantErr: "low 101 above min(open, close) 100",
		},
		{
			name: "high below body",
			open: 100, high: 102, low: 98, close: 103,
			wantErr: "high 102 below max(open, close) 103",
		},
		{
			name: "zero price",
			open: 0, high: 105, low: 98, close: 103,
			wantErr: "non-positive price",
		},
		{
			name: "negative price",
			open: 100, high: 105, low: -1, close: 103,
			wantErr: "non-positive price",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckOHLC(tc.open, tc.high, tc.low, tc.close)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestEnrichedCandleKey(t *testing.T) {
	c := &EnrichedCandle{
		Symbol:     "BTCUSDT",
		AssetClass: AssetCrypto,
		Period:     Period1h,
		Timestamp:  time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "BTCUSDT/crypto/1h/1710496800", c.Key())
}
