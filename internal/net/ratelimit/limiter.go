// Package ratelimit paces outbound provider traffic with per-source token
// buckets. Refill is continuous, not interval-stepped, so a 5-per-minute
// source regains capacity at 1/12 token per second.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one source's allowance as requests per interval with an
// optional burst ceiling.
type Config struct {
	Requests float64       `yaml:"requests"`
	Interval time.Duration `yaml:"interval"`
	Burst    int           `yaml:"burst"`
}

// RPS converts the allowance to a continuous per-second rate.
func (c Config) RPS() float64 {
	if c.Interval <= 0 {
		return c.Requests
	}
	return c.Requests / c.Interval.Seconds()
}

func (c Config) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return 1
}

// Stats is a point-in-time view of one source's bucket.
type Stats struct {
	Source          string        `json:"source"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	NextAllowedAt   time.Time     `json:"next_allowed_at"`
	Delay           time.Duration `json:"delay"`
}

// Throttled reports whether the bucket would delay the next request.
func (s *Stats) Throttled() bool {
	return s.Delay > 0
}

// Manager holds one token bucket per named source. Buckets are created
// lazily from the registered config; sources with no config are unlimited.
type Manager struct {
	mu       sync.RWMutex
	configs  map[string]Config
	limiters map[string]*rate.Limiter
}

func NewManager() *Manager {
	return &Manager{
		configs:  make(map[string]Config),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register sets the allowance for a source. Re-registering an existing
// source rebuilds its bucket.
func (m *Manager) Register(source string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[source] = cfg
	m.limiters[source] = rate.NewLimiter(rate.Limit(cfg.RPS()), cfg.burst())
}

func (m *Manager) limiter(source string) *rate.Limiter {
	m.mu.RLock()
	lim, ok := m.limiters[source]
	m.mu.RUnlock()
	if ok {
		return lim
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring the write lock.
	if lim, ok := m.limiters[source]; ok {
		return lim
	}
	cfg, ok := m.configs[source]
	if !ok {
		cfg = Config{Requests: rpsUnlimited, Interval: time.Second, Burst: int(rpsUnlimited)}
	}
	lim = rate.NewLimiter(rate.Limit(cfg.RPS()), cfg.burst())
	m.limiters[source] = lim
	return lim
}

const rpsUnlimited = 1e6

// Allow reports whether one request for the source may proceed now, spending
// a token if so. The caller decides whether to wait or fail.
func (m *Manager) Allow(source string) bool {
	return m.limiter(source).Allow()
}

// Wait blocks until a token is available or the context is done.
func (m *Manager) Wait(ctx context.Context, source string) error {
	return m.limiter(source).Wait(ctx)
}

// Reserve books the next token and reports how long the holder must wait.
func (m *Manager) Reserve(source string) *rate.Reservation {
	return m.limiter(source).Reserve()
}

// SetRate adjusts a live bucket without dropping accumulated tokens.
func (m *Manager) SetRate(source string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[source] = cfg
	if lim, ok := m.limiters[source]; ok {
		lim.SetLimit(rate.Limit(cfg.RPS()))
		lim.SetBurst(cfg.burst())
	}
}

// Stats snapshots every known bucket.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.limiters))
	now := time.Now()
	for source, lim := range m.limiters {
		// Reserve-then-cancel probes the delay without spending a token.
		res := lim.Reserve()
		delay := res.Delay()
		res.Cancel()

		out[source] = Stats{
			Source:          source,
			RPS:             float64(lim.Limit()),
			Burst:           lim.Burst(),
			TokensAvailable: lim.Tokens(),
			NextAllowedAt:   now.Add(delay),
			Delay:           delay,
		}
	}
	return out
}

// Reset drops all buckets; they rebuild from config on next use.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters = make(map[string]*rate.Limiter)
}
