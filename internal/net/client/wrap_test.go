package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/net/budget"
	"github.com/candlekeep/candlekeep/internal/net/ratelimit"
	"github.com/candlekeep/candlekeep/internal/providers"
)

type stubTransport struct {
	calls   int
	lastReq *http.Request
	respond func(req *http.Request) (*http.Response, error)
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	s.lastReq = req
	if s.respond != nil {
		return s.respond(req)
	}
	return textResponse(req, http.StatusOK, "ok"), nil
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

type mapCache struct {
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.data[key]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.data[key] = val
	c.ttls[key] = ttl
}

func getReq(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestNewWrapperDefaults(t *testing.T) {
	w := NewWrapper(Config{Source: "polygon"}, nil)
	assert.Equal(t, http.DefaultTransport, w.transport)
	assert.Equal(t, defaultUserAgent, w.cfg.UserAgent)
}

func TestRoundTripInjectsUserAgent(t *testing.T) {
	tr := &stubTransport{}
	w := NewWrapper(Config{Source: "polygon"}, tr)

	resp, err := w.RoundTrip(getReq(t, "https://api.example.com/v2/bars"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, defaultUserAgent, tr.lastReq.Header.Get("User-Agent"))

	w = NewWrapper(Config{Source: "polygon", UserAgent: "custom/2.0"}, tr)
	resp, err = w.RoundTrip(getReq(t, "https://api.example.com/v2/bars"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "custom/2.0", tr.lastReq.Header.Get("User-Agent"))
}

func TestRoundTripKeepsCallerUserAgent(t *testing.T) {
	tr := &stubTransport{}
	w := NewWrapper(Config{Source: "polygon"}, tr)

	req := getReq(t, "https://api.example.com/v2/bars")
	req.Header.Set("User-Agent", "caller/9")
	resp, err := w.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "caller/9", tr.lastReq.Header.Get("User-Agent"))
}

func TestRoundTripServesFromCache(t *testing.T) {
	cache := newMapCache()
	tr := &stubTransport{}
	var hits []bool
	w := NewWrapper(Config{
		Source:   "polygon",
		Cache:    cache,
		CacheTTL: time.Minute,
		OnCache:  func(hit bool) { hits = append(hits, hit) },
	}, tr)

	url := "https://api.example.com/v2/bars?symbol=AAPL"
	cache.Set(context.Background(), "http:polygon:"+url, []byte(`{"cached":true}`), time.Minute)

	resp, err := w.RoundTrip(getReq(t, url))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cached":true}`, string(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, 0, tr.calls)
	assert.Equal(t, []bool{true}, hits)
}

func TestRoundTripCachesSuccessfulGet(t *testing.T) {
	cache := newMapCache()
	tr := &stubTransport{respond: func(req *http.Request) (*http.Response, error) {
		return textResponse(req, http.StatusOK, `{"bars":[1,2]}`), nil
	}}
	var hits []bool
	w := NewWrapper(Config{
		Source:   "polygon",
		Cache:    cache,
		CacheTTL: 30 * time.Second,
		OnCache:  func(hit bool) { hits = append(hits, hit) },
	}, tr)

	url := "https://api.example.com/v2/bars?symbol=AAPL"
	resp, err := w.RoundTrip(getReq(t, url))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	// The body reaches caller and cache alike.
	assert.Equal(t, `{"bars":[1,2]}`, string(body))
	stored, ok := cache.Get(context.Background(), "http:polygon:"+url)
	require.True(t, ok)
	assert.Equal(t, `{"bars":[1,2]}`, string(stored))
	assert.Equal(t, 30*time.Second, cache.ttls["http:polygon:"+url])

	resp, err = w.RoundTrip(getReq(t, url))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1, tr.calls)
	assert.Equal(t, []bool{false, true}, hits)
}

func TestRoundTripSkipsCacheOnErrorStatus(t *testing.T) {
	cache := newMapCache()
	tr := &stubTransport{respond: func(req *http.Request) (*http.Response, error) {
		return textResponse(req, http.StatusBadGateway, "nope"), nil
	}}
	w := NewWrapper(Config{Source: "polygon", Cache: cache, CacheTTL: time.Minute}, tr)

	resp, err := w.RoundTrip(getReq(t, "https://api.example.com/v2/bars"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, cache.data)
}

func TestRoundTripNeverCachesPost(t *testing.T) {
	cache := newMapCache()
	tr := &stubTransport{}
	w := NewWrapper(Config{Source: "polygon", Cache: cache, CacheTTL: time.Minute}, tr)

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v2/bars", strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := w.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, cache.data)
	assert.Equal(t, 1, tr.calls)
}

func TestRoundTripStopsOnSpentBudget(t *testing.T) {
	tr := &stubTransport{}
	w := NewWrapper(Config{Source: "polygon", Budget: budget.NewTracker("polygon", 1, 0)}, tr)

	resp, err := w.RoundTrip(getReq(t, "https://api.example.com/v2/bars"))
	require.NoError(t, err)
	resp.Body.Close()

	_, err = w.RoundTrip(getReq(t, "https://api.example.com/v2/bars"))
	require.Error(t, err)

	pe, ok := providers.AsError(err)
	require.True(t, ok)
	assert.Equal(t, providers.KindRateLimited, pe.Kind)
	assert.Equal(t, "polygon", pe.Source)
	assert.Greater(t, pe.RetryAfter, time.Duration(0))

	var ex *budget.ExhaustedError
	assert.ErrorAs(t, err, &ex)
	assert.Equal(t, 1, tr.calls)
}

func TestRoundTripHonoursLimiter(t *testing.T) {
	lim := ratelimit.NewManager()
	lim.Register("polygon", ratelimit.Config{Requests: 1, Interval: time.Hour, Burst: 1})
	tr := &stubTransport{}
	w := NewWrapper(Config{Source: "polygon", Limiter: lim}, tr)

	resp, err := w.RoundTrip(getReq(t, "https://api.example.com/v2/bars"))
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.example.com/v2/bars", nil)
	require.NoError(t, err)
	_, err = w.RoundTrip(req)
	require.Error(t, err)
	assert.Equal(t, 1, tr.calls)
}

func TestRoundTripPropagatesTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	tr := &stubTransport{respond: func(*http.Request) (*http.Response, error) { return nil, boom }}
	w := NewWrapper(Config{Source: "polygon"}, tr)

	_, err := w.RoundTrip(getReq(t, "https://api.example.com/v2/bars"))
	assert.ErrorIs(t, err, boom)
}
