// Package binancef implements the crypto-futures provider: klines for OHLCV
// with taker flow, plus the microstructure endpoints (open interest, funding,
// liquidations). The venue allows on the order of 1200 requests per minute,
// so pacing is generous and the per-request deadline short.
package binancef

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/net/budget"
	"github.com/candlekeep/candlekeep/internal/net/client"
	"github.com/candlekeep/candlekeep/internal/net/ratelimit"
	"github.com/candlekeep/candlekeep/internal/providers"
)

// SourceName keys this provider in breakers, limiters, aliases, and audits.
const SourceName = "binance_futures"

const (
	klinesPageLimit = 1000
	oiHistPageLimit = 500
	maxPages        = 64
)

// Config holds the client settings; zero fields take venue defaults.
type Config struct {
	BaseURL     string        `yaml:"base_url"`
	Deadline    time.Duration `yaml:"deadline"`
	Rate        float64       `yaml:"rate"`
	Interval    time.Duration `yaml:"interval"`
	Burst       int           `yaml:"burst"`
	DailyBudget int64         `yaml:"daily_budget"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Deps carries the process-wide middleware shared across providers.
type Deps struct {
	Limiter *ratelimit.Manager
	Cache   client.ResponseCache
	OnCache func(hit bool)
}

// Client fetches futures klines and the derivative snapshot. It implements
// providers.CandleProvider and providers.MicrostructureProvider.
type Client struct {
	cfg        Config
	httpClient *http.Client
	budget     *budget.Tracker
	log        zerolog.Logger
}

func NewClient(cfg Config, deps Deps) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fapi.binance.com"
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 10 * time.Second
	}
	if cfg.Rate == 0 {
		cfg.Rate = 1200
		cfg.Interval = time.Minute
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Burst == 0 {
		cfg.Burst = 20
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Minute
	}

	var tracker *budget.Tracker
	if cfg.DailyBudget > 0 {
		tracker = budget.NewTracker(SourceName, cfg.DailyBudget, 0)
	}
	if deps.Limiter != nil {
		deps.Limiter.Register(SourceName, ratelimit.Config{
			Requests: cfg.Rate, Interval: cfg.Interval, Burst: cfg.Burst,
		})
	}

	wrapper := client.NewWrapper(client.Config{
		Source:   SourceName,
		Limiter:  deps.Limiter,
		Budget:   tracker,
		Cache:    deps.Cache,
		CacheTTL: cfg.CacheTTL,
		OnCache:  deps.OnCache,
	}, &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 30 * time.Second,
	})

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Deadline,
			Transport: wrapper,
		},
		budget: tracker,
		log:    log.With().Str("provider", SourceName).Logger(),
	}
}

func (c *Client) Name() string { return SourceName }

// Supports: the klines endpoint serves every maintained period.
func (c *Client) Supports(models.Period) bool { return true }

// QuotaRemaining reports today's remaining request allowance, nil when
// unmetered.
func (c *Client) QuotaRemaining() *int {
	if c.budget == nil {
		return nil
	}
	n := int(c.budget.Remaining())
	return &n
}

var intervals = map[models.Period]string{
	models.Period5m:  "5m",
	models.Period15m: "15m",
	models.Period30m: "30m",
	models.Period1h:  "1h",
	models.Period4h:  "4h",
	models.Period1d:  "1d",
	models.Period1w:  "1w",
}

// FetchCandles pulls klines in ascending pages, attaches taker buy/sell flow
// from the kline payload itself, and merges per-candle open interest from the
// history endpoint on a best-effort basis.
func (c *Client) FetchCandles(ctx context.Context, symbol string, period models.Period, rng models.TimeRange) ([]models.RawCandle, error) {
	if err := providers.ValidateFetchArgs(symbol, period, rng); err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed, err)
	}

	periodMS := period.Duration().Milliseconds()
	from := rng.Start.UnixMilli()
	to := rng.End.UnixMilli()

	var candles []models.RawCandle
	for page := 0; page < maxPages; page++ {
		raw, err := c.fetchKlinesPage(ctx, symbol, intervals[period], from, to)
		if err != nil {
			return nil, err
		}
		for _, k := range raw {
			candle, err := parseKline(k)
			if err != nil {
				return nil, providers.NewError(SourceName, providers.KindMalformed, err)
			}
			if rng.Contains(candle.Timestamp) {
				candles = append(candles, candle)
			}
		}
		if len(raw) < klinesPageLimit {
			break
		}
		last := raw[len(raw)-1]
		lastOpen, err := klineOpenTime(last)
		if err != nil {
			return nil, providers.NewError(SourceName, providers.KindMalformed, err)
		}
		from = lastOpen + periodMS
		if from > to {
			break
		}
	}

	if err := providers.CheckSequence(SourceName, candles, time.Now()); err != nil {
		return nil, err
	}

	if period != models.Period1w {
		c.mergeOpenInterest(ctx, symbol, period, rng, candles)
	}

	c.log.Debug().
		Str("symbol", symbol).
		Str("period", string(period)).
		Int("candles", len(candles)).
		Msg("klines fetched")
	return candles, nil
}

func (c *Client) fetchKlinesPage(ctx context.Context, symbol, interval string, from, to int64) ([][]interface{}, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(from, 10))
	q.Set("endTime", strconv.FormatInt(to, 10))
	q.Set("limit", strconv.Itoa(klinesPageLimit))

	body, err := c.get(ctx, "/fapi/v1/klines", q)
	if err != nil {
		return nil, err
	}
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("failed to decode klines: %w", err))
	}
	return raw, nil
}

// parseKline maps the 12-element kline array: open time, OHLCV as strings,
// close time, quote volume, trades, taker buy base/quote volume, ignore.
func parseKline(k []interface{}) (models.RawCandle, error) {
	if len(k) < 10 {
		return models.RawCandle{}, fmt.Errorf("kline has %d fields, want at least 10", len(k))
	}
	openMS, err := asInt64(k[0])
	if err != nil {
		return models.RawCandle{}, fmt.Errorf("kline open time: %w", err)
	}
	vals := make([]float64, 0, 5)
	for i := 1; i <= 5; i++ {
		v, err := asFloat(k[i])
		if err != nil {
			return models.RawCandle{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		vals = append(vals, v)
	}
	takerBuy, err := asFloat(k[9])
	if err != nil {
		return models.RawCandle{}, fmt.Errorf("kline taker buy volume: %w", err)
	}

	volume := vals[4]
	takerSell := volume - takerBuy
	if takerSell < 0 {
		takerSell = 0
	}
	return models.RawCandle{
		Timestamp:       time.UnixMilli(openMS).UTC(),
		Open:            vals[0],
		High:            vals[1],
		Low:             vals[2],
		Close:           vals[3],
		Volume:          volume,
		TakerBuyVolume:  &takerBuy,
		TakerSellVolume: &takerSell,
	}, nil
}

func klineOpenTime(k []interface{}) (int64, error) {
	if len(k) == 0 {
		return 0, fmt.Errorf("empty kline")
	}
	return asInt64(k[0])
}

type oiHistPoint struct {
	SumOpenInterest string `json:"sumOpenInterest"`
	Timestamp       int64  `json:"timestamp"`
}

// mergeOpenInterest attaches per-candle open interest from the history
// endpoint. Failures degrade to candles without open interest; the feature
// layer treats missing values as undefined.
func (c *Client) mergeOpenInterest(ctx context.Context, symbol string, period models.Period, rng models.TimeRange, candles []models.RawCandle) {
	if len(candles) == 0 {
		return
	}
	byOpen := make(map[int64]int, len(candles))
	for i, candle := range candles {
		byOpen[candle.Timestamp.UnixMilli()] = i
	}

	from := rng.Start.UnixMilli()
	to := rng.End.UnixMilli()
	for page := 0; page < 16; page++ {
		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("period", intervals[period])
		q.Set("startTime", strconv.FormatInt(from, 10))
		q.Set("endTime", strconv.FormatInt(to, 10))
		q.Set("limit", strconv.Itoa(oiHistPageLimit))

		body, err := c.get(ctx, "/futures/data/openInterestHist", q)
		if err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("open interest history unavailable")
			return
		}
		var points []oiHistPoint
		if err := json.Unmarshal(body, &points); err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("open interest history undecodable")
			return
		}
		for _, p := range points {
			oi, err := strconv.ParseFloat(p.SumOpenInterest, 64)
			if err != nil {
				continue
			}
			aligned := period.Align(time.UnixMilli(p.Timestamp).UTC()).UnixMilli()
			if idx, ok := byOpen[aligned]; ok {
				v := oi
				candles[idx].OpenInterest = &v
			}
		}
		if len(points) < oiHistPageLimit {
			return
		}
		from = points[len(points)-1].Timestamp + period.Duration().Milliseconds()
		if from > to {
			return
		}
	}
}

type openInterestResponse struct {
	OpenInterest string `json:"openInterest"`
	Symbol       string `json:"symbol"`
	Time         int64  `json:"time"`
}

type premiumIndexResponse struct {
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

type forceOrder struct {
	Side         string `json:"side"`
	OrigQty      string `json:"origQty"`
	AveragePrice string `json:"averagePrice"`
	Time         int64  `json:"time"`
}

type takerVolumeResponse struct {
	BuyVol    string `json:"buyVol"`
	SellVol   string `json:"sellVol"`
	Timestamp int64  `json:"timestamp"`
}

// FetchMicrostructure assembles the current derivative snapshot: open
// interest and funding from their endpoints, liquidation magnitudes summed
// from force orders over the trailing period, taker flow from the
// taker-volume endpoint.
func (c *Client) FetchMicrostructure(ctx context.Context, symbol string, period models.Period) (*models.Microstructure, error) {
	if symbol == "" {
		return nil, providers.NewError(SourceName, providers.KindMalformed, fmt.Errorf("empty symbol"))
	}
	if !period.Valid() {
		return nil, providers.NewError(SourceName, providers.KindMalformed, fmt.Errorf("unsupported period %q", period))
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	body, err := c.get(ctx, "/fapi/v1/openInterest", q)
	if err != nil {
		return nil, err
	}
	var oi openInterestResponse
	if err := json.Unmarshal(body, &oi); err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("failed to decode open interest: %w", err))
	}
	openInterest, err := strconv.ParseFloat(oi.OpenInterest, 64)
	if err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("open interest %q not numeric", oi.OpenInterest))
	}

	body, err = c.get(ctx, "/fapi/v1/premiumIndex", q)
	if err != nil {
		return nil, err
	}
	var premium premiumIndexResponse
	if err := json.Unmarshal(body, &premium); err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("failed to decode premium index: %w", err))
	}
	funding, err := strconv.ParseFloat(premium.LastFundingRate, 64)
	if err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("funding rate %q not numeric", premium.LastFundingRate))
	}

	now := time.Now().UTC()
	windowStart := now.Add(-period.Duration())
	longLiq, shortLiq, err := c.fetchLiquidations(ctx, symbol, windowStart, now)
	if err != nil {
		return nil, err
	}

	takerBuy, takerSell, err := c.fetchTakerVolume(ctx, symbol, period)
	if err != nil {
		return nil, err
	}

	return &models.Microstructure{
		Symbol:            symbol,
		OpenInterest:      openInterest,
		FundingRate:       funding,
		LongLiquidations:  longLiq,
		ShortLiquidations: shortLiq,
		TakerBuyVolume:    takerBuy,
		TakerSellVolume:   takerSell,
		CapturedAt:        now,
	}, nil
}

// fetchLiquidations sums force-order notionals in the window: a forced SELL
// closes longs, a forced BUY closes shorts.
func (c *Client) fetchLiquidations(ctx context.Context, symbol string, from, to time.Time) (float64, float64, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	q.Set("limit", "100")

	body, err := c.get(ctx, "/fapi/v1/forceOrders", q)
	if err != nil {
		return 0, 0, err
	}
	var orders []forceOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return 0, 0, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("failed to decode force orders: %w", err))
	}

	var longLiq, shortLiq float64
	for _, o := range orders {
		qty, qerr := strconv.ParseFloat(o.OrigQty, 64)
		price, perr := strconv.ParseFloat(o.AveragePrice, 64)
		if qerr != nil || perr != nil {
			continue
		}
		notional := qty * price
		if strings.EqualFold(o.Side, "SELL") {
			longLiq += notional
		} else {
			shortLiq += notional
		}
	}
	return longLiq, shortLiq, nil
}

func (c *Client) fetchTakerVolume(ctx context.Context, symbol string, period models.Period) (float64, float64, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", intervals[period])
	q.Set("limit", "1")

	body, err := c.get(ctx, "/futures/data/takerlongshortRatio", q)
	if err != nil {
		return 0, 0, err
	}
	var rows []takerVolumeResponse
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, 0, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("failed to decode taker volume: %w", err))
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}
	buy, berr := strconv.ParseFloat(rows[0].BuyVol, 64)
	sell, serr := strconv.ParseFloat(rows[0].SellVol, 64)
	if berr != nil || serr != nil {
		return 0, 0, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("taker volume not numeric: buy=%q sell=%q", rows[0].BuyVol, rows[0].SellVol))
	}
	return buy, sell, nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providers.FromTransport(SourceName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, providers.FromTransport(SourceName, err)
	}

	if resp.StatusCode != http.StatusOK {
		retryAfter := providers.ParseRetryAfter(resp.Header.Get("Retry-After"))
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Code == -1121 {
			// "Invalid symbol." means the venue does not carry it.
			return nil, providers.NewError(SourceName, providers.KindNotFound,
				fmt.Errorf("symbol not carried: %s", ae.Msg))
		}
		return nil, providers.FromStatus(SourceName, resp.StatusCode, retryAfter,
			fmt.Errorf("request %s failed: %s", path, strings.TrimSpace(string(body))))
	}
	return body, nil
}
