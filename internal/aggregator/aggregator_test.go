package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/net/circuit"
	"github.com/candlekeep/candlekeep/internal/providers"
	"github.com/candlekeep/candlekeep/internal/universe"
)

type fakeProvider struct {
	name     string
	periods  func(models.Period) bool
	fetch    func(ctx context.Context, symbol string, period models.Period, rng models.TimeRange) ([]models.RawCandle, error)
	mu       sync.Mutex
	calls    int
	gotAlias string
	gotRange models.TimeRange
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(p models.Period) bool {
	if f.periods == nil {
		return true
	}
	return f.periods(p)
}

func (f *fakeProvider) FetchCandles(ctx context.Context, symbol string, period models.Period, rng models.TimeRange) ([]models.RawCandle, error) {
	f.mu.Lock()
	f.calls++
	f.gotAlias = symbol
	f.gotRange = rng
	f.mu.Unlock()
	if f.fetch != nil {
		return f.fetch(ctx, symbol, period, rng)
	}
	return sampleCandles(), nil
}

type fakeMicro struct {
	ms  *models.Microstructure
	err error
}

func (f *fakeMicro) FetchMicrostructure(context.Context, string, models.Period) (*models.Microstructure, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ms, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	rows []*models.FetchAudit
}

func (f *fakeRecorder) RecordFetch(_ context.Context, a *models.FetchAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, a)
	return nil
}

func sampleCandles() []models.RawCandle {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return []models.RawCandle{
		{Timestamp: start, Open: 100, High: 102, Low: 99, Close: 101, Volume: 1000},
		{Timestamp: start.Add(24 * time.Hour), Open: 101, High: 103, Low: 100, Close: 102, Volume: 1100},
	}
}

func testRegistry(t *testing.T) *universe.Registry {
	t.Helper()
	reg, err := universe.NewRegistry([]models.SymbolDescriptor{
		{
			Symbol:     "AAPL",
			AssetClass: models.AssetStock,
			Periods:    []models.Period{models.Period1d, models.Period1h},
			Aliases:    map[string]string{"polygon": "AAPL", "stooq": "aapl.us"},
			Active:     true,
		},
		{
			Symbol:     "MSFT",
			AssetClass: models.AssetStock,
			Periods:    []models.Period{models.Period1d},
			Aliases:    map[string]string{"stooq": "msft.us"}, // no polygon alias
			Active:     true,
		},
		{
			Symbol:     "BTCUSDT",
			AssetClass: models.AssetCrypto,
			Periods:    []models.Period{models.Period1h},
			Aliases:    map[string]string{"binance_futures": "BTCUSDT", "polygon": "X:BTCUSD"},
			Active:     true,
		},
	})
	require.NoError(t, err)
	return reg
}

func dailyRange() models.TimeRange {
	return models.NewTimeRange(
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
	)
}

func newAggregator(t *testing.T, provs []providers.CandleProvider, micro providers.MicrostructureProvider, rec FetchRecorder) (*Aggregator, *circuit.Manager) {
	t.Helper()
	breakers := circuit.NewManager(circuit.DefaultConfig())
	agg := New(Config{}, testRegistry(t), provs, micro, breakers, rec, metrics.NewRegistry())
	return agg, breakers
}

func TestFetchOHLCV_UnknownSymbolFailsFast(t *testing.T) {
	poly := &fakeProvider{name: "polygon"}
	agg, _ := newAggregator(t, []providers.CandleProvider{poly}, nil, nil)

	_, err := agg.FetchOHLCV(context.Background(), "NOPE", models.AssetStock, models.Period1d, dailyRange())
	assert.ErrorIs(t, err, ErrSymbolNotRegistered)
	assert.Zero(t, poly.calls)
}

func TestFetchOHLCV_AssetClassMismatch(t *testing.T) {
	poly := &fakeProvider{name: "polygon"}
	agg, _ := newAggregator(t, []providers.CandleProvider{poly}, nil, nil)

	_, err := agg.FetchOHLCV(context.Background(), "AAPL", models.AssetCrypto, models.Period1d, dailyRange())
	assert.ErrorIs(t, err, ErrSymbolNotRegistered)
	assert.Zero(t, poly.calls)
}

func TestFetchOHLCV_PrimarySourceWins(t *testing.T) {
	poly := &fakeProvider{name: "polygon"}
	stq := &fakeProvider{name: "stooq"}
	agg, _ := newAggregator(t, []providers.CandleProvider{poly, stq}, nil, &fakeRecorder{})

	res, err := agg.FetchOHLCV(context.Background(), "AAPL", models.AssetStock, models.Period1d, dailyRange())
	require.NoError(t, err)
	assert.Equal(t, "polygon", res.Source)
	assert.Equal(t, "AAPL", poly.gotAlias)
	assert.Len(t, res.Candles, 2)
	assert.Zero(t, stq.calls)
	assert.Empty(t, res.Attempts)
}

func TestFetchOHLCV_FallsBackOnFailure(t *testing.T) {
	boom := providers.NewError("polygon", providers.KindServer, errors.New("upstream 503"))
	poly := &fakeProvider{name: "polygon", fetch: func(context.Context, string, models.Period, models.TimeRange) ([]models.RawCandle, error) {
		return nil, boom
	}}
	stq := &fakeProvider{name: "stooq"}
	rec := &fakeRecorder{}
	agg, _ := newAggregator(t, []providers.CandleProvider{poly, stq}, nil, rec)

	res, err := agg.FetchOHLCV(context.Background(), "AAPL", models.AssetStock, models.Period1d, dailyRange())
	require.NoError(t, err)
	assert.Equal(t, "stooq", res.Source)
	assert.Equal(t, "aapl.us", stq.gotAlias)

	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "polygon", res.Attempts[0].Source)
	assert.False(t, res.Attempts[0].Skipped)

	// One failure audit row for polygon; the stooq success is audited by the
	// enrich pass, not here.
	require.Len(t, rec.rows, 1)
	assert.Equal(t, "polygon", rec.rows[0].Source)
	assert.False(t, rec.rows[0].Success)
	assert.Equal(t, "AAPL", rec.rows[0].Symbol)
}

func TestFetchOHLCV_SkipsSourceWithoutAlias(t *testing.T) {
	poly := &fakeProvider{name: "polygon"}
	stq := &fakeProvider{name: "stooq"}
	rec := &fakeRecorder{}
	agg, _ := newAggregator(t, []providers.CandleProvider{poly, stq}, nil, rec)

	res, err := agg.FetchOHLCV(context.Background(), "MSFT", models.AssetStock, models.Period1d, dailyRange())
	require.NoError(t, err)
	assert.Equal(t, "stooq", res.Source)
	assert.Zero(t, poly.calls)

	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Skipped)
	assert.Equal(t, "no alias", res.Attempts[0].Reason)
	assert.Empty(t, rec.rows) // silent skip, no audit row
}

func TestFetchOHLCV_SkipsUnsupportedPeriod(t *testing.T) {
	poly := &fakeProvider{name: "polygon", fetch: func(context.Context, string, models.Period, models.TimeRange) ([]models.RawCandle, error) {
		return nil, providers.NewError("polygon", providers.KindServer, errors.New("boom"))
	}}
	stq := &fakeProvider{name: "stooq", periods: func(p models.Period) bool { return p == models.Period1d }}
	agg, _ := newAggregator(t, []providers.CandleProvider{poly, stq}, nil, &fakeRecorder{})

	_, err := agg.FetchOHLCV(context.Background(), "AAPL", models.AssetStock, models.Period1h, dailyRange())
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Len(t, ex.Attempts, 2)
	assert.Equal(t, "period unsupported", ex.Attempts[1].Reason)
	assert.Zero(t, stq.calls)
}

func TestFetchOHLCV_SkipsOpenBreaker(t *testing.T) {
	poly := &fakeProvider{name: "polygon"}
	stq := &fakeProvider{name: "stooq"}
	rec := &fakeRecorder{}
	agg, breakers := newAggregator(t, []providers.CandleProvider{poly, stq}, nil, rec)

	for i := 0; i < 3; i++ {
		_ = breakers.Execute("polygon", func() error { return errors.New("down") })
	}
	require.True(t, breakers.Open("polygon"))

	res, err := agg.FetchOHLCV(context.Background(), "AAPL", models.AssetStock, models.Period1d, dailyRange())
	require.NoError(t, err)
	assert.Equal(t, "stooq", res.Source)
	assert.Zero(t, poly.calls)

	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Skipped)
	assert.Equal(t, "breaker open", res.Attempts[0].Reason)

	// Breaker-open skips are audited, unlike alias skips.
	require.Len(t, rec.rows, 1)
	assert.Equal(t, "breaker open", rec.rows[0].ErrorText)
}

func TestFetchOHLCV_AllSourcesExhausted(t *testing.T) {
	failing := func(src string) *fakeProvider {
		return &fakeProvider{name: src, fetch: func(context.Context, string, models.Period, models.TimeRange) ([]models.RawCandle, error) {
			return nil, providers.NewError(src, providers.KindServer, errors.New("boom"))
		}}
	}
	rec := &fakeRecorder{}
	agg, _ := newAggregator(t, []providers.CandleProvider{failing("polygon"), failing("stooq")}, nil, rec)

	_, err := agg.FetchOHLCV(context.Background(), "AAPL", models.AssetStock, models.Period1d, dailyRange())
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, ex.Attempts, 2)
	require.NotNil(t, ex.Last)

	var pe *providers.Error
	assert.ErrorAs(t, err, &pe) // Unwrap exposes the last provider error
	assert.Len(t, rec.rows, 2)
}

func TestFetchOHLCV_NormalisesEquityDailyRangeAcrossDST(t *testing.T) {
	poly := &fakeProvider{name: "polygon"}
	agg, _ := newAggregator(t, []providers.CandleProvider{poly}, nil, nil)

	// 2024-03-10 is the US spring-forward; the window straddles it.
	rng := models.NewTimeRange(
		time.Date(2024, 3, 8, 15, 0, 0, 0, time.UTC),  // EST: UTC-5
		time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC), // EDT: UTC-4
	)
	_, err := agg.FetchOHLCV(context.Background(), "AAPL", models.AssetStock, models.Period1d, rng)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 8, 5, 0, 0, 0, time.UTC), poly.gotRange.Start.UTC())
	assert.Equal(t, time.Date(2024, 3, 11, 20, 0, 0, 0, time.UTC), poly.gotRange.End.UTC())
}

func TestFetchOHLCV_CryptoRangeStaysUTC(t *testing.T) {
	bin := &fakeProvider{name: "binance_futures"}
	agg, _ := newAggregator(t, []providers.CandleProvider{bin}, nil, nil)

	rng := models.NewTimeRange(
		time.Date(2024, 3, 8, 15, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC),
	)
	_, err := agg.FetchOHLCV(context.Background(), "BTCUSDT", models.AssetCrypto, models.Period1h, rng)
	require.NoError(t, err)
	assert.Equal(t, rng.Start, bin.gotRange.Start)
	assert.Equal(t, rng.End, bin.gotRange.End)
}

func TestFetchMicrostructure(t *testing.T) {
	micro := &fakeMicro{ms: &models.Microstructure{OpenInterest: 5000, FundingRate: 0.0001}}
	agg, _ := newAggregator(t, nil, micro, nil)

	ms, err := agg.FetchMicrostructure(context.Background(), "BTCUSDT", models.Period1h)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", ms.Symbol)
	assert.Equal(t, 5000.0, ms.OpenInterest)

	_, err = agg.FetchMicrostructure(context.Background(), "AAPL", models.Period1h)
	assert.Error(t, err)

	_, err = agg.FetchMicrostructure(context.Background(), "NOPE", models.Period1h)
	assert.ErrorIs(t, err, ErrSymbolNotRegistered)
}

func TestFetchMicrostructure_BreakerOpenRejects(t *testing.T) {
	micro := &fakeMicro{ms: &models.Microstructure{}}
	agg, breakers := newAggregator(t, nil, micro, nil)

	for i := 0; i < 3; i++ {
		_ = breakers.Execute("binance_futures", func() error { return errors.New("down") })
	}
	_, err := agg.FetchMicrostructure(context.Background(), "BTCUSDT", models.Period1h)
	assert.ErrorIs(t, err, circuit.ErrOpen)
}

func TestFetchParallel_PreservesOrder(t *testing.T) {
	poly := &fakeProvider{name: "polygon"}
	stq := &fakeProvider{name: "stooq"}
	bin := &fakeProvider{name: "binance_futures", fetch: func(context.Context, string, models.Period, models.TimeRange) ([]models.RawCandle, error) {
		return nil, providers.NewError("binance_futures", providers.KindServer, errors.New("boom"))
	}}
	agg, _ := newAggregator(t, []providers.CandleProvider{poly, stq, bin}, nil, &fakeRecorder{})

	reqs := []Request{
		{Symbol: "AAPL", AssetClass: models.AssetStock, Period: models.Period1d, Range: dailyRange()},
		{Symbol: "BTCUSDT", AssetClass: models.AssetCrypto, Period: models.Period1h, Range: dailyRange()},
		{Symbol: "MSFT", AssetClass: models.AssetStock, Period: models.Period1d, Range: dailyRange()},
	}
	out := agg.FetchParallel(context.Background(), reqs, 2)
	require.Len(t, out, 3)

	assert.Equal(t, "AAPL", out[0].Request.Symbol)
	require.NoError(t, out[0].Err)
	assert.Equal(t, "polygon", out[0].Result.Source)

	// BTCUSDT falls back binance_futures -> polygon.
	assert.Equal(t, "BTCUSDT", out[1].Request.Symbol)
	require.NoError(t, out[1].Err)
	assert.Equal(t, "polygon", out[1].Result.Source)

	assert.Equal(t, "MSFT", out[2].Request.Symbol)
	require.NoError(t, out[2].Err)
	assert.Equal(t, "stooq", out[2].Result.Source)
}
