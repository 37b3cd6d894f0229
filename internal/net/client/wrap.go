// Package client wraps an http.RoundTripper with the outbound middleware
// every provider shares: user-agent injection, GET-response caching, daily
// budget metering, and token-bucket pacing. Status-code interpretation stays
// with the individual provider clients; circuit breaking stays with the
// aggregator, which must skip open sources before any call is attempted.
package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/candlekeep/candlekeep/internal/net/budget"
	"github.com/candlekeep/candlekeep/internal/net/ratelimit"
	"github.com/candlekeep/candlekeep/internal/providers"
)

const defaultUserAgent = "candlekeep/1.0 (+https://github.com/candlekeep/candlekeep)"

// ResponseCache stores raw GET bodies keyed by URL; internal/cache satisfies it.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

// Config assembles the middleware for one source.
type Config struct {
	Source    string
	UserAgent string
	Limiter   *ratelimit.Manager // optional; nil means unpaced
	Budget    *budget.Tracker    // optional; nil means unmetered
	Cache     ResponseCache      // optional; GET bodies only
	CacheTTL  time.Duration      // TTL for cached bodies
	OnCache   func(hit bool)     // optional observation hook
}

// Wrapper implements http.RoundTripper.
type Wrapper struct {
	cfg       Config
	transport http.RoundTripper
}

func NewWrapper(cfg Config, transport http.RoundTripper) *Wrapper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Wrapper{cfg: cfg, transport: transport}
}

func (w *Wrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}

	cacheable := w.cfg.Cache != nil && req.Method == http.MethodGet
	cacheKey := "http:" + w.cfg.Source + ":" + req.URL.String()

	if cacheable {
		if body, ok := w.cfg.Cache.Get(req.Context(), cacheKey); ok {
			if w.cfg.OnCache != nil {
				w.cfg.OnCache(true)
			}
			return cachedResponse(req, body), nil
		}
		if w.cfg.OnCache != nil {
			w.cfg.OnCache(false)
		}
	}

	if w.cfg.Budget != nil {
		if err := w.cfg.Budget.Consume(); err != nil {
			return nil, budgetError(w.cfg.Source, err)
		}
	}

	if w.cfg.Limiter != nil {
		if err := w.cfg.Limiter.Wait(req.Context(), w.cfg.Source); err != nil {
			return nil, err
		}
	}

	resp, err := w.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if cacheable && resp.StatusCode == http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		w.cfg.Cache.Set(req.Context(), cacheKey, body, w.cfg.CacheTTL)
	}

	return resp, nil
}

// budgetError maps quota exhaustion onto the rate-limited kind with the reset
// instant as the retry hint.
func budgetError(source string, err error) error {
	pe := &providers.Error{Source: source, Kind: providers.KindRateLimited, Err: err}
	var ex *budget.ExhaustedError
	if errors.As(err, &ex) {
		pe.RetryAfter = time.Until(ex.ResetAt)
	}
	return pe
}

func cachedResponse(req *http.Request, body []byte) *http.Response {
	header := make(http.Header)
	header.Set("X-Cache", "HIT")
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
