package stooq

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/providers"
)

var dayRange = models.TimeRange{
	Start: time.Date(2024, time.March, 14, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC),
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL}, Deps{})
}

func TestFetchCandlesParsesCSV(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		fmt.Fprint(w, "Date,Open,High,Low,Close,Volume\n"+
			"2024-03-14,171.00,173.50,170.20,172.80,52000000\n"+
			"2024-03-15,172.90,174.00,171.50,173.10,48000000\n")
	}))

	candles, err := c.FetchCandles(context.Background(), "AAPL.US", models.Period1d, dayRange)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, "/q/d/l/", gotPath)
	assert.Equal(t, "aapl.us", gotQuery.Get("s"))
	assert.Equal(t, "20240314", gotQuery.Get("d1"))
	assert.Equal(t, "20240315", gotQuery.Get("d2"))
	assert.Equal(t, "d", gotQuery.Get("i"))

	first := candles[0]
	assert.Equal(t, time.Date(2024, time.March, 14, 0, 0, 0, 0, time.UTC), first.Timestamp)
	assert.Equal(t, time.UTC, first.Timestamp.Location())
	assert.Equal(t, 171.0, first.Open)
	assert.Equal(t, 173.5, first.High)
	assert.Equal(t, 170.2, first.Low)
	assert.Equal(t, 172.8, first.Close)
	assert.Equal(t, 52000000.0, first.Volume)
}

func TestSupportsDailyOnly(t *testing.T) {
	c := NewClient(Config{}, Deps{})
	assert.Equal(t, SourceName, c.Name())
	assert.True(t, c.Supports(models.Period1d))
	assert.False(t, c.Supports(models.Period1h))
	assert.False(t, c.Supports(models.Period1w))
}

func TestFetchCandlesRejectsIntraday(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))

	_, err := c.FetchCandles(context.Background(), "AAPL.US", models.Period1h, dayRange)
	require.Error(t, err)
	pe, ok := providers.AsError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindNotFound, pe.Kind)
	assert.Contains(t, err.Error(), "daily only")
	assert.Zero(t, calls)
}

func TestNoDataMapsToNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "No data\n")
	}))

	_, err := c.FetchCandles(context.Background(), "XYZ.US", models.Period1d, dayRange)
	require.Error(t, err)
	pe, ok := providers.AsError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindNotFound, pe.Kind)
	assert.Contains(t, err.Error(), "not carried")
}

func TestMissingVolumeCountsAsZero(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Date,Open,High,Low,Close\n2024-03-14,171,173.5,170.2,172.8\n")
	}))

	candles, err := c.FetchCandles(context.Background(), "AAPL.US", models.Period1d, dayRange)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 0.0, candles[0].Volume)
}

func TestRangeFilterDropsOutsideRows(t *testing.T) {
	// The endpoint sometimes pads the window; rows outside the range are cut.
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Date,Open,High,Low,Close,Volume\n"+
			"2024-03-13,169,170,168,169.5,100\n"+
			"2024-03-14,171,173.5,170.2,172.8,200\n"+
			"2024-03-18,174,175,173,174.5,300\n")
	}))

	candles, err := c.FetchCandles(context.Background(), "AAPL.US", models.Period1d, dayRange)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, time.Date(2024, time.March, 14, 0, 0, 0, 0, time.UTC), candles[0].Timestamp)
}

func TestMalformedPayloads(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad header", "Oops,Open,High,Low,Close\n", "unexpected csv header"},
		{"short row", "Date,Open,High,Low,Close\n2024-03-14,171,173.5\n", "csv row has 3 fields"},
		{"bad price", "Date,Open,High,Low,Close\n2024-03-14,abc,173.5,170.2,172.8\n", `csv field 1 "abc"`},
		{"bad date", "Date,Open,High,Low,Close\n2024-13-99,171,173.5,170.2,172.8\n", `csv date "2024-13-99"`},
		{"bad volume", "Date,Open,High,Low,Close,Volume\n2024-03-14,171,173.5,170.2,172.8,lots\n", `csv volume "lots"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			}))

			_, err := c.FetchCandles(context.Background(), "AAPL.US", models.Period1d, dayRange)
			require.Error(t, err)
			pe, ok := providers.AsError(err)
			require.True(t, ok)
			assert.Equal(t, providers.KindMalformed, pe.Kind)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestErrorStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "maintenance")
	}))

	_, err := c.FetchCandles(context.Background(), "AAPL.US", models.Period1d, dayRange)
	require.Error(t, err)
	pe, ok := providers.AsError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindServer, pe.Kind)
	assert.Equal(t, http.StatusInternalServerError, pe.Status)
	assert.True(t, pe.Retryable())
}
