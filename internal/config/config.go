// Package config loads the warehouse configuration tree: code defaults
// first, then the YAML file, then environment overrides. Everything is
// validated at load so a bad config fails boot, not the 03:00 sweep.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/candlekeep/candlekeep/internal/aggregator"
	"github.com/candlekeep/candlekeep/internal/cache"
	"github.com/candlekeep/candlekeep/internal/db"
	"github.com/candlekeep/candlekeep/internal/enrich"
	"github.com/candlekeep/candlekeep/internal/interfaces/ops"
	"github.com/candlekeep/candlekeep/internal/net/circuit"
	"github.com/candlekeep/candlekeep/internal/providers/binancef"
	"github.com/candlekeep/candlekeep/internal/providers/polygon"
	"github.com/candlekeep/candlekeep/internal/providers/stooq"
	"github.com/candlekeep/candlekeep/internal/quality"
	"github.com/candlekeep/candlekeep/internal/scheduler"
)

// DefaultPath is where the CLI looks when --config is not given. A missing
// file at this path is fine; the built-in defaults apply.
const DefaultPath = "candlekeep.yaml"

// Providers groups the per-source client settings.
type Providers struct {
	Polygon        polygon.Config  `yaml:"polygon"`
	BinanceFutures binancef.Config `yaml:"binance_futures"`
	Stooq          stooq.Config    `yaml:"stooq"`
}

// Breakers tunes the per-source circuit breakers. Defaults apply to any
// source without its own entry.
type Breakers struct {
	Defaults  circuit.Config            `yaml:"defaults"`
	PerSource map[string]circuit.Config `yaml:"per_source"`
}

// Logging controls the global zerolog setup.
type Logging struct {
	Level string `yaml:"level"`
}

// Config is the full tree.
type Config struct {
	UniverseFile string            `yaml:"universe_file"`
	Database     db.Config         `yaml:"database"`
	Cache        cache.Config      `yaml:"cache"`
	Providers    Providers         `yaml:"providers"`
	Breakers     Breakers          `yaml:"breakers"`
	Aggregator   aggregator.Config `yaml:"aggregator"`
	Quality      quality.Config    `yaml:"quality"`
	Enrich       enrich.Config     `yaml:"enrich"`
	Scheduler    scheduler.Config  `yaml:"scheduler"`
	Ops          ops.Config        `yaml:"ops"`
	Logging      Logging           `yaml:"logging"`
}

// Default returns the tree with every built-in default applied. Secrets
// (DSN, API keys) stay empty.
func Default() Config {
	return Config{
		UniverseFile: "universe.yaml",
		Database:     db.DefaultConfig(),
		Breakers:     Breakers{Defaults: circuit.DefaultConfig()},
		Ops:          ops.DefaultConfig(),
		Logging:      Logging{Level: "info"},
	}
}

// Load builds the tree from the file at path, falling back to defaults when
// path is empty or points at a missing optional file. Env vars override the
// file, and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err) && path == DefaultPath:
			// No file next to the binary is fine.
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides layers the conventional env vars over the file values.
func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Cache.RedisPassword = pw
	}
	if key := os.Getenv("POLYGON_API_KEY"); key != "" {
		cfg.Providers.Polygon.APIKey = key
	}
	if addr := os.Getenv("OPS_ADDR"); addr != "" {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Ops.Host = host
				cfg.Ops.Port = n
			}
		}
	}
	if path := os.Getenv("CANDLEKEEP_UNIVERSE"); path != "" {
		cfg.UniverseFile = path
	}
	if level := os.Getenv("CANDLEKEEP_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// knownSources is the set of wired provider names usable in aggregator
// source lists and breaker overrides.
var knownSources = map[string]bool{
	polygon.SourceName:  true,
	binancef.SourceName: true,
	stooq.SourceName:    true,
}

// Validate checks cross-field consistency. Per-component zero values are
// legal; their packages apply defaults on construction.
func (c *Config) Validate() error {
	if c.UniverseFile == "" {
		return fmt.Errorf("universe_file is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (or set PG_DSN)")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if h := c.Scheduler.SweepHourUTC; h < 0 || h > 23 {
		return fmt.Errorf("scheduler.sweep_hour_utc must be in [0, 23], got %d", h)
	}
	if m := c.Scheduler.SweepMinuteUTC; m < 0 || m > 59 {
		return fmt.Errorf("scheduler.sweep_minute_utc must be in [0, 59], got %d", m)
	}
	if c.Scheduler.Concurrency < 0 {
		return fmt.Errorf("scheduler.concurrency cannot be negative, got %d", c.Scheduler.Concurrency)
	}
	if c.Enrich.LookbackPeriods < 0 {
		return fmt.Errorf("enrich.lookback_periods cannot be negative, got %d", c.Enrich.LookbackPeriods)
	}

	if p := c.Ops.Port; p < 1 || p > 65535 {
		return fmt.Errorf("ops.port must be in [1, 65535], got %d", p)
	}

	for _, src := range c.Aggregator.StockSources {
		if !knownSources[src] {
			return fmt.Errorf("aggregator.stock_sources: unknown source %q", src)
		}
	}
	for _, src := range c.Aggregator.CryptoSources {
		if !knownSources[src] {
			return fmt.Errorf("aggregator.crypto_sources: unknown source %q", src)
		}
	}
	for name := range c.Breakers.PerSource {
		if !knownSources[name] {
			return fmt.Errorf("breakers.per_source: unknown source %q", name)
		}
	}

	for class, sla := range c.Quality.SLAs {
		if !class.Valid() {
			return fmt.Errorf("quality.slas: invalid asset class %q", class)
		}
		if err := validateSLA(sla); err != nil {
			return fmt.Errorf("quality.slas[%s]: %w", class, err)
		}
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// validateSLA requires a strictly usable ladder: each threshold at or above
// the previous one, and a non-empty decay window.
func validateSLA(s quality.FreshnessSLA) error {
	if s.Target <= 0 || s.Warn <= 0 || s.Critical <= 0 || s.Stale <= 0 {
		return fmt.Errorf("all thresholds must be positive")
	}
	if s.Warn < s.Target || s.Critical < s.Warn || s.Stale < s.Critical {
		return fmt.Errorf("thresholds must be ordered target <= warn <= critical <= stale")
	}
	if s.Stale <= s.Target {
		return fmt.Errorf("stale (%s) must exceed target (%s)", s.Stale, s.Target)
	}
	return nil
}

// SweepClock formats the configured sweep time for logs.
func (c *Config) SweepClock() string {
	return fmt.Sprintf("%02d:%02d UTC", c.Scheduler.SweepHourUTC, c.Scheduler.SweepMinuteUTC)
}
