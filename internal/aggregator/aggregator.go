// Package aggregator selects the best provider for each fetch, translates
// canonical tickers to provider-native aliases, and falls back across
// sources when one fails or its breaker is open.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/candlekeep/candlekeep/internal/marketcal"
	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/net/circuit"
	"github.com/candlekeep/candlekeep/internal/providers"
	"github.com/candlekeep/candlekeep/internal/providers/binancef"
	"github.com/candlekeep/candlekeep/internal/providers/polygon"
	"github.com/candlekeep/candlekeep/internal/providers/stooq"
	"github.com/candlekeep/candlekeep/internal/universe"
)

// ErrSymbolNotRegistered is returned before any network call when the
// canonical ticker is not in the universe.
var ErrSymbolNotRegistered = errors.New("symbol not registered")

// FetchRecorder sinks one audit row per failed or skipped provider attempt.
// The persistence audit repo implements it; successful fetches are audited
// by the enrich engine once stored/updated counts are known.
type FetchRecorder interface {
	RecordFetch(ctx context.Context, a *models.FetchAudit) error
}

// quotaReporter is implemented by providers that track a daily call budget.
type quotaReporter interface {
	QuotaRemaining() *int
}

// Attempt records one source tried during a fetch walk.
type Attempt struct {
	Source  string `json:"source"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
	Err     error  `json:"-"`
}

// Result is a successful aggregate fetch.
type Result struct {
	Symbol         string
	Source         string
	Candles        []models.RawCandle
	Attempts       []Attempt
	FetchedAt      time.Time
	Latency        time.Duration
	QuotaRemaining *int
}

// ExhaustedError reports that every candidate source failed or was skipped.
type ExhaustedError struct {
	Symbol   string
	Period   models.Period
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s/%s: all sources exhausted (no source usable)", e.Symbol, e.Period)
	}
	return fmt.Sprintf("%s/%s: all sources exhausted, last: %v", e.Symbol, e.Period, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Config orders the fallback walk per asset class.
type Config struct {
	StockSources  []string `yaml:"stock_sources"`
	CryptoSources []string `yaml:"crypto_sources"`
}

func (c Config) withDefaults() Config {
	if len(c.StockSources) == 0 {
		c.StockSources = []string{polygon.SourceName, stooq.SourceName}
	}
	if len(c.CryptoSources) == 0 {
		c.CryptoSources = []string{binancef.SourceName, polygon.SourceName}
	}
	return c
}

// Aggregator walks provider priorities under per-source circuit breakers.
type Aggregator struct {
	cfg       Config
	registry  *universe.Registry
	providers map[string]providers.CandleProvider
	micro     providers.MicrostructureProvider
	breakers  *circuit.Manager
	audit     FetchRecorder
	metrics   *metrics.Registry
	log       zerolog.Logger
}

// New assembles the aggregator. micro is the crypto-futures client serving
// FetchMicrostructure; audit and metr may be nil in tests.
func New(cfg Config, reg *universe.Registry, provs []providers.CandleProvider, micro providers.MicrostructureProvider, breakers *circuit.Manager, audit FetchRecorder, metr *metrics.Registry) *Aggregator {
	byName := make(map[string]providers.CandleProvider, len(provs))
	for _, p := range provs {
		byName[p.Name()] = p
	}
	return &Aggregator{
		cfg:       cfg.withDefaults(),
		registry:  reg,
		providers: byName,
		micro:     micro,
		breakers:  breakers,
		audit:     audit,
		metrics:   metr,
		log:       log.With().Str("component", "aggregator").Logger(),
	}
}

// Sources returns the walk order for an asset class.
func (a *Aggregator) Sources(class models.AssetClass) []string {
	if class == models.AssetCrypto {
		return a.cfg.CryptoSources
	}
	return a.cfg.StockSources
}

// FetchOHLCV walks the source priorities for the symbol's asset class and
// returns the first successful fetch. Sources without an alias or period
// support are skipped silently; open breakers and failures are recorded as
// attempts with audit rows. When every source is exhausted the returned
// error is an *ExhaustedError carrying the walk.
func (a *Aggregator) FetchOHLCV(ctx context.Context, symbol string, class models.AssetClass, period models.Period, rng models.TimeRange) (*Result, error) {
	desc, ok := a.registry.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrSymbolNotRegistered)
	}
	if class != "" && class != desc.AssetClass {
		return nil, fmt.Errorf("%s registered as %s, requested %s: %w",
			symbol, desc.AssetClass, class, ErrSymbolNotRegistered)
	}
	class = desc.AssetClass
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	// Daily and weekly equity requests are pinned to exchange wall-clock
	// dates so DST transitions do not shift the window.
	if class.Equity() && !period.Intraday() {
		rng = marketcal.EquitySessionWindow(rng)
	}

	var (
		attempts []Attempt
		lastErr  error
	)
	for _, src := range a.Sources(class) {
		prov, ok := a.providers[src]
		if !ok {
			continue
		}
		alias := desc.AliasFor(src)
		if alias == "" {
			attempts = append(attempts, Attempt{Source: src, Skipped: true, Reason: "no alias"})
			continue
		}
		if !prov.Supports(period) {
			attempts = append(attempts, Attempt{Source: src, Skipped: true, Reason: "period unsupported"})
			continue
		}
		if a.breakers.Open(src) {
			attempts = append(attempts, Attempt{Source: src, Skipped: true, Reason: "breaker open"})
			a.observe(src, metrics.OutcomeBreakerOpen, 0)
			a.recordFailure(ctx, symbol, src, period, rng, 0, "breaker open")
			continue
		}

		start := time.Now()
		var candles []models.RawCandle
		err := a.breakers.Execute(src, func() error {
			cs, ferr := prov.FetchCandles(ctx, alias, period, rng)
			candles = cs
			return ferr
		})
		latency := time.Since(start)

		if err != nil {
			if errors.Is(err, circuit.ErrOpen) {
				attempts = append(attempts, Attempt{Source: src, Skipped: true, Reason: "breaker open"})
				a.observe(src, metrics.OutcomeBreakerOpen, 0)
				a.recordFailure(ctx, symbol, src, period, rng, latency, "breaker open")
				continue
			}
			lastErr = err
			attempts = append(attempts, Attempt{Source: src, Reason: err.Error(), Err: err})
			a.observe(src, metrics.OutcomeFailure, latency)
			a.recordFailure(ctx, symbol, src, period, rng, latency, err.Error())
			a.log.Warn().Str("symbol", symbol).Str("source", src).Err(err).
				Msg("source failed, walking to next")
			continue
		}

		a.observe(src, metrics.OutcomeSuccess, latency)
		res := &Result{
			Symbol:    symbol,
			Source:    src,
			Candles:   candles,
			Attempts:  attempts,
			FetchedAt: time.Now().UTC(),
			Latency:   latency,
		}
		if qr, ok := prov.(quotaReporter); ok {
			res.QuotaRemaining = qr.QuotaRemaining()
		}
		return res, nil
	}

	return nil, &ExhaustedError{Symbol: symbol, Period: period, Attempts: attempts, Last: lastErr}
}

// FetchMicrostructure returns the derivative snapshot for a crypto symbol,
// routed through the futures source's breaker.
func (a *Aggregator) FetchMicrostructure(ctx context.Context, symbol string, period models.Period) (*models.Microstructure, error) {
	desc, ok := a.registry.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrSymbolNotRegistered)
	}
	if desc.AssetClass != models.AssetCrypto {
		return nil, fmt.Errorf("%s is %s, microstructure is crypto-only", symbol, desc.AssetClass)
	}
	if a.micro == nil {
		return nil, fmt.Errorf("no microstructure provider configured")
	}
	alias := desc.AliasFor(binancef.SourceName)
	if alias == "" {
		return nil, fmt.Errorf("%s has no %s alias", symbol, binancef.SourceName)
	}

	start := time.Now()
	var ms *models.Microstructure
	err := a.breakers.Execute(binancef.SourceName, func() error {
		got, ferr := a.micro.FetchMicrostructure(ctx, alias, period)
		ms = got
		return ferr
	})
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, circuit.ErrOpen) {
			a.observe(binancef.SourceName, metrics.OutcomeBreakerOpen, 0)
		} else {
			a.observe(binancef.SourceName, metrics.OutcomeFailure, latency)
		}
		return nil, err
	}
	a.observe(binancef.SourceName, metrics.OutcomeSuccess, latency)
	ms.Symbol = symbol
	return ms, nil
}

// Request is one FetchParallel input.
type Request struct {
	Symbol     string
	AssetClass models.AssetClass
	Period     models.Period
	Range      models.TimeRange
}

// ParallelResult pairs one Request with its outcome.
type ParallelResult struct {
	Request Request
	Result  *Result
	Err     error
}

// FetchParallel fans FetchOHLCV out over reqs with at most limit in flight.
// The returned slice has one entry per request in input order; individual
// failures do not cancel the batch.
func (a *Aggregator) FetchParallel(ctx context.Context, reqs []Request, limit int) []ParallelResult {
	if limit < 1 {
		limit = 1
	}
	out := make([]ParallelResult, len(reqs))
	sem := semaphore.NewWeighted(int64(limit))
	g, gctx := errgroup.WithContext(ctx)

	for i := range reqs {
		i := i
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				out[i] = ParallelResult{Request: reqs[i], Err: err}
				return nil
			}
			defer sem.Release(1)
			res, err := a.FetchOHLCV(gctx, reqs[i].Symbol, reqs[i].AssetClass, reqs[i].Period, reqs[i].Range)
			out[i] = ParallelResult{Request: reqs[i], Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *Aggregator) observe(source, outcome string, latency time.Duration) {
	if a.metrics != nil {
		a.metrics.ObserveFetch(source, outcome, latency)
	}
}

func (a *Aggregator) recordFailure(ctx context.Context, symbol, source string, period models.Period, rng models.TimeRange, latency time.Duration, errText string) {
	if a.audit == nil {
		return
	}
	row := &models.FetchAudit{
		Symbol:     symbol,
		Source:     source,
		Period:     period,
		RangeStart: rng.Start,
		RangeEnd:   rng.End,
		LatencyMS:  latency.Milliseconds(),
		Success:    false,
		ErrorText:  errText,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.audit.RecordFetch(ctx, row); err != nil {
		a.log.Warn().Err(err).Str("symbol", symbol).Str("source", source).
			Msg("fetch audit write failed")
	}
}
