// Package polygon implements the rich aggregates provider: one HTTP/JSON
// endpoint covering stocks, ETFs, and crypto tickers across all seven
// periods, paced at a few requests per minute on the assumed tier.
package polygon

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

	"github.com/candlekeep/candlekeep/internal/marketcal"
	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/net/budget"
	"github.com/candlekeep/candlekeep/internal/net/client"
	"github.com/candlekeep/candlekeep/internal/net/ratelimit"
	"github.com/candlekeep/candlekeep/internal/providers"
)

// SourceName keys this provider in breakers, limiters, aliases, and audits.
const SourceName = "polygon"

const maxPages = 32

// Config holds the client settings; zero fields take free-tier defaults.
type Config struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Deadline    time.Duration `yaml:"deadline"`     // per-request deadline
	PageLimit   int           `yaml:"page_limit"`   // max bars per page
	Rate        float64       `yaml:"rate"`         // requests per interval
	Interval    time.Duration `yaml:"interval"`     // pacing interval
	Burst       int           `yaml:"burst"`        // bucket burst
	DailyBudget int64         `yaml:"daily_budget"` // 0 = unmetered
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Deps carries the process-wide middleware shared across providers.
type Deps struct {
	Limiter *ratelimit.Manager
	Cache   client.ResponseCache
	OnCache func(hit bool)
}

// Client fetches aggregate bars. It implements providers.CandleProvider.
type Client struct {
	cfg        Config
	httpClient *http.Client
	budget     *budget.Tracker
	log        zerolog.Logger
}

func NewClient(cfg Config, deps Deps) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.polygon.io"
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 30 * time.Second
	}
	if cfg.PageLimit == 0 {
		cfg.PageLimit = 50000
	}
	if cfg.Rate == 0 {
		cfg.Rate = 5
		cfg.Interval = time.Minute
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
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

// Supports: the aggregates endpoint serves every maintained period.
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

type aggsResponse struct {
	Ticker       string   `json:"ticker"`
	Status       string   `json:"status"`
	ResultsCount int      `json:"resultsCount"`
	Results      []aggBar `json:"results"`
	ErrorText    string   `json:"error"`
}

type aggBar struct {
	T int64   `json:"t"` // window start, ms epoch
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

func rangePath(p models.Period) (int, string) {
	switch p {
	case models.Period5m:
		return 5, "minute"
	case models.Period15m:
		return 15, "minute"
	case models.Period30m:
		return 30, "minute"
	case models.Period1h:
		return 1, "hour"
	case models.Period4h:
		return 4, "hour"
	case models.Period1d:
		return 1, "day"
	default:
		return 1, "week"
	}
}

// cryptoTicker reports whether the provider-native symbol is a crypto pair
// ("X:BTCUSD"). Crypto bars are UTC-aligned upstream; equity daily bars are
// exchange-midnight and get re-stamped to UTC midnight of the trading date.
func cryptoTicker(symbol string) bool {
	return strings.HasPrefix(symbol, "X:")
}

// FetchCandles pulls the range in ascending pages and concatenates them.
// A page that fills to the limit advances the window to one millisecond past
// its last bar.
func (c *Client) FetchCandles(ctx context.Context, symbol string, period models.Period, rng models.TimeRange) ([]models.RawCandle, error) {
	if err := providers.ValidateFetchArgs(symbol, period, rng); err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed, err)
	}

	mult, timespan := rangePath(period)
	from := rng.Start.UnixMilli()
	to := rng.End.UnixMilli()

	var candles []models.RawCandle
	for page := 0; page < maxPages; page++ {
		resp, err := c.fetchPage(ctx, symbol, mult, timespan, from, to)
		if err != nil {
			return nil, err
		}
		for _, bar := range resp.Results {
			candle := c.normalize(bar, period, symbol)
			if rng.Contains(candle.Timestamp) {
				candles = append(candles, candle)
			}
		}
		if len(resp.Results) < c.cfg.PageLimit {
			break
		}
		from = resp.Results[len(resp.Results)-1].T + 1
		if from > to {
			break
		}
	}

	if err := providers.CheckSequence(SourceName, candles, time.Now()); err != nil {
		return nil, err
	}
	c.log.Debug().
		Str("symbol", symbol).
		Str("period", string(period)).
		Int("candles", len(candles)).
		Msg("aggregates fetched")
	return candles, nil
}

func (c *Client) fetchPage(ctx context.Context, symbol string, mult int, timespan string, from, to int64) (*aggsResponse, error) {
	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%d/%d",
		c.cfg.BaseURL, url.PathEscape(symbol), mult, timespan, from, to)
	q := url.Values{}
	q.Set("adjusted", "true")
	q.Set("sort", "asc")
	q.Set("limit", strconv.Itoa(c.cfg.PageLimit))
	if c.cfg.APIKey != "" {
		q.Set("apiKey", c.cfg.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providers.FromTransport(SourceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		retryAfter := providers.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, providers.FromStatus(SourceName, resp.StatusCode, retryAfter,
			fmt.Errorf("aggregates request failed: %s", strings.TrimSpace(string(snippet))))
	}

	var decoded aggsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("failed to decode aggregates response: %w", err))
	}
	if decoded.Status == "ERROR" {
		return nil, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("aggregates error response: %s", decoded.ErrorText))
	}
	return &decoded, nil
}

func (c *Client) normalize(bar aggBar, period models.Period, symbol string) models.RawCandle {
	ts := time.UnixMilli(bar.T).UTC()
	if !period.Intraday() && !cryptoTicker(symbol) {
		ts = marketcal.DateUTC(ts)
	}
	return models.RawCandle{
		Timestamp: ts,
		Open:      bar.O,
		High:      bar.H,
		Low:       bar.L,
		Close:     bar.C,
		Volume:    bar.V,
	}
}
