// Package circuit guards each upstream source with a breaker. Closed trips
// open after N consecutive failures; open admits nothing until the timeout
// elapses; half-open closes again after M probe successes and re-opens on any
// probe failure.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Execute while a source's breaker rejects calls.
// Callers use it to drive fallback instead of waiting out the timeout.
var ErrOpen = errors.New("circuit open")

// Config tunes one breaker.
type Config struct {
	FailureThreshold uint32        `yaml:"failure_threshold"` // consecutive failures to trip
	SuccessThreshold uint32        `yaml:"success_threshold"` // half-open successes to close
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // open -> half-open
}

// DefaultConfig matches the warehouse defaults: trip after 3 consecutive
// failures, probe after 300s, close on the first probe success.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      300 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	return c
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	Requests            uint32    `json:"requests"`
	TotalSuccesses      uint32    `json:"total_successes"`
	TotalFailures       uint32    `json:"total_failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
}

// StateHook observes breaker transitions, e.g. to move a metrics gauge.
type StateHook func(name string, from, to string)

// Manager holds one breaker per named source, created lazily from the
// registered config or the manager default.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	configs  map[string]Config
	defaults Config
	hook     StateHook
	openedAt map[string]time.Time
}

func NewManager(defaults Config) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		defaults: defaults.withDefaults(),
		openedAt: make(map[string]time.Time),
	}
}

// Configure sets a per-source config; it must be called before the source's
// first Execute to take effect.
func (m *Manager) Configure(name string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[name] = cfg.withDefaults()
}

// OnStateChange registers a transition observer for all breakers.
func (m *Manager) OnStateChange(hook StateHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	cfg, ok := m.configs[name]
	if !ok {
		cfg = m.defaults
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.recordTransition(name, from, to)
		},
	}
	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[name] = cb
	return cb
}

func (m *Manager) recordTransition(name string, from, to gobreaker.State) {
	m.mu.Lock()
	if to == gobreaker.StateOpen {
		m.openedAt[name] = time.Now()
	} else {
		delete(m.openedAt, name)
	}
	hook := m.hook
	m.mu.Unlock()

	log.Warn().
		Str("source", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state change")
	if hook != nil {
		hook(name, from.String(), to.String())
	}
}

// Execute runs fn under the named breaker. While the breaker is open the call
// is rejected immediately with an error wrapping ErrOpen; fn's own error is
// returned untouched otherwise.
func (m *Manager) Execute(name string, fn func() error) error {
	_, err := m.breaker(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", name, ErrOpen)
	}
	return err
}

// Open reports whether the named breaker currently rejects calls.
func (m *Manager) Open(name string) bool {
	return m.breaker(name).State() == gobreaker.StateOpen
}

// State returns the breaker state name: "closed", "half-open", or "open".
func (m *Manager) State(name string) string {
	return m.breaker(name).State().String()
}

// Status snapshots one breaker.
func (m *Manager) Status(name string) Status {
	cb := m.breaker(name)
	counts := cb.Counts()

	st := Status{
		Name:                name,
		State:               cb.State().String(),
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
	if cb.State() == gobreaker.StateOpen {
		m.mu.RLock()
		opened, ok := m.openedAt[name]
		cfg, haveCfg := m.configs[name]
		m.mu.RUnlock()
		if !haveCfg {
			cfg = m.defaults
		}
		if ok {
			st.NextProbeAt = opened.Add(cfg.OpenTimeout)
		}
	}
	return st
}

// All snapshots every breaker seen so far.
func (m *Manager) All() map[string]Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]Status, len(names))
	for _, name := range names {
		out[name] = m.Status(name)
	}
	return out
}
