// Package stooq implements the fallback provider: a free HTTP/CSV historical
// endpoint carrying daily bars only. It is the last rung of the equity
// fallback ladder, so the client stays deliberately undemanding: one request
// per range, no key, modest pacing.
package stooq

import (
	"context"
	"encoding/csv"
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
	"github.com/candlekeep/candlekeep/internal/net/client"
	"github.com/candlekeep/candlekeep/internal/net/ratelimit"
	"github.com/candlekeep/candlekeep/internal/providers"
)

// SourceName keys this provider in breakers, limiters, aliases, and audits.
const SourceName = "stooq"

// Config holds the client settings; zero fields take defaults.
type Config struct {
	BaseURL  string        `yaml:"base_url"`
	Deadline time.Duration `yaml:"deadline"`
	Rate     float64       `yaml:"rate"`
	Interval time.Duration `yaml:"interval"`
	Burst    int           `yaml:"burst"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Deps carries the process-wide middleware shared across providers.
type Deps struct {
	Limiter *ratelimit.Manager
	Cache   client.ResponseCache
	OnCache func(hit bool)
}

// Client fetches daily CSV history. It implements providers.CandleProvider.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(cfg Config, deps Deps) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://stooq.com"
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 15 * time.Second
	}
	if cfg.Rate == 0 {
		cfg.Rate = 10
		cfg.Interval = time.Minute
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 6 * time.Hour
	}

	if deps.Limiter != nil {
		deps.Limiter.Register(SourceName, ratelimit.Config{
			Requests: cfg.Rate, Interval: cfg.Interval, Burst: cfg.Burst,
		})
	}

	wrapper := client.NewWrapper(client.Config{
		Source:   SourceName,
		Limiter:  deps.Limiter,
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
		log: log.With().Str("provider", SourceName).Logger(),
	}
}

func (c *Client) Name() string { return SourceName }

// Supports: history is daily-granular only.
func (c *Client) Supports(period models.Period) bool {
	return period == models.Period1d
}

// FetchCandles pulls the whole range as one CSV document. Dates are the
// exchange-local trading dates, stamped as UTC midnight.
func (c *Client) FetchCandles(ctx context.Context, symbol string, period models.Period, rng models.TimeRange) ([]models.RawCandle, error) {
	if err := providers.ValidateFetchArgs(symbol, period, rng); err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed, err)
	}
	if !c.Supports(period) {
		return nil, providers.NewError(SourceName, providers.KindNotFound,
			fmt.Errorf("period %s not served, daily only", period))
	}

	q := url.Values{}
	q.Set("s", strings.ToLower(symbol))
	q.Set("d1", rng.Start.UTC().Format("20060102"))
	q.Set("d2", rng.End.UTC().Format("20060102"))
	q.Set("i", "d")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/q/d/l/?"+q.Encode(), nil)
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
			fmt.Errorf("history request failed: %s", strings.TrimSpace(string(snippet))))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, providers.FromTransport(SourceName, err)
	}
	if strings.HasPrefix(strings.TrimSpace(string(body)), "No data") {
		return nil, providers.NewError(SourceName, providers.KindNotFound,
			fmt.Errorf("symbol %s not carried", symbol))
	}

	candles, err := parseCSV(body, rng)
	if err != nil {
		return nil, err
	}
	if err := providers.CheckSequence(SourceName, candles, time.Now()); err != nil {
		return nil, err
	}
	c.log.Debug().
		Str("symbol", symbol).
		Int("candles", len(candles)).
		Msg("daily history fetched")
	return candles, nil
}

// parseCSV reads "Date,Open,High,Low,Close,Volume" rows. Index series carry
// no volume column; it counts as zero.
func parseCSV(body []byte, rng models.TimeRange) ([]models.RawCandle, error) {
	reader := csv.NewReader(strings.NewReader(string(body)))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("failed to parse csv: %w", err))
	}
	if len(records) == 0 {
		return nil, nil
	}
	if !strings.EqualFold(records[0][0], "Date") {
		return nil, providers.NewError(SourceName, providers.KindMalformed,
			fmt.Errorf("unexpected csv header %q", records[0][0]))
	}

	var candles []models.RawCandle
	for _, rec := range records[1:] {
		if len(rec) < 5 {
			return nil, providers.NewError(SourceName, providers.KindMalformed,
				fmt.Errorf("csv row has %d fields, want at least 5", len(rec)))
		}
		day, err := time.ParseInLocation("2006-01-02", rec[0], time.UTC)
		if err != nil {
			return nil, providers.NewError(SourceName, providers.KindMalformed,
				fmt.Errorf("csv date %q: %w", rec[0], err))
		}
		prices := make([]float64, 0, 4)
		for i := 1; i <= 4; i++ {
			v, err := strconv.ParseFloat(rec[i], 64)
			if err != nil {
				return nil, providers.NewError(SourceName, providers.KindMalformed,
					fmt.Errorf("csv field %d %q: %w", i, rec[i], err))
			}
			prices = append(prices, v)
		}
		var volume float64
		if len(rec) > 5 && rec[5] != "" {
			volume, err = strconv.ParseFloat(rec[5], 64)
			if err != nil {
				return nil, providers.NewError(SourceName, providers.KindMalformed,
					fmt.Errorf("csv volume %q: %w", rec[5], err))
			}
		}
		candle := models.RawCandle{
			Timestamp: day,
			Open:      prices[0],
			High:      prices[1],
			Low:       prices[2],
			Close:     prices[3],
			Volume:    volume,
		}
		if rng.Contains(candle.Timestamp) {
			candles = append(candles, candle)
		}
	}
	return candles, nil
}
