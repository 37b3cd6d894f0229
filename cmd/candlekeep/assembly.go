package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/candlekeep/candlekeep/internal/aggregator"
	"github.com/candlekeep/candlekeep/internal/cache"
	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/db"
	"github.com/candlekeep/candlekeep/internal/enrich"
	"github.com/candlekeep/candlekeep/internal/features"
	"github.com/candlekeep/candlekeep/internal/interfaces/ops"
	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/net/circuit"
	"github.com/candlekeep/candlekeep/internal/net/ratelimit"
	"github.com/candlekeep/candlekeep/internal/persistence"
	"github.com/candlekeep/candlekeep/internal/persistence/postgres"
	"github.com/candlekeep/candlekeep/internal/providers"
	"github.com/candlekeep/candlekeep/internal/providers/binancef"
	"github.com/candlekeep/candlekeep/internal/providers/polygon"
	"github.com/candlekeep/candlekeep/internal/providers/stooq"
	"github.com/candlekeep/candlekeep/internal/quality"
	"github.com/candlekeep/candlekeep/internal/scheduler"
	"github.com/candlekeep/candlekeep/internal/universe"
)

// loadConfig reads --config, layers env overrides, and applies the global
// log level (with --log-level winning over the file).
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		cfg.Logging.Level = override
	}
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

// warehouse bundles the assembled pipeline for the run commands.
type warehouse struct {
	cfg       *config.Config
	pool      *sqlx.DB
	repos     *persistence.Repositories
	registry  *universe.Registry
	store     cache.Cache
	metrics   *metrics.Registry
	breakers  *circuit.Manager
	validator *quality.Validator
	engine    *enrich.Engine
	scheduler *scheduler.Scheduler
}

// buildWarehouse connects Postgres, ensures the schema, and wires providers,
// aggregator, engine, and scheduler in dependency order.
func buildWarehouse(ctx context.Context, cfg *config.Config) (*warehouse, error) {
	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	repos := db.Repositories(pool, cfg.Database.QueryTimeout)

	registry, err := universe.Load(cfg.UniverseFile)
	if err != nil {
		pool.Close()
		return nil, err
	}

	metr := metrics.NewRegistry()
	store := cache.New(cfg.Cache)
	limiter := ratelimit.NewManager()
	onCache := func(hit bool) {
		if hit {
			metr.RecordCacheHit()
		} else {
			metr.RecordCacheMiss()
		}
	}

	breakers := circuit.NewManager(cfg.Breakers.Defaults)
	breakers.OnStateChange(metr.BreakerHook())
	for name, bc := range cfg.Breakers.PerSource {
		breakers.Configure(name, bc)
	}

	poly := polygon.NewClient(cfg.Providers.Polygon, polygon.Deps{
		Limiter: limiter, Cache: store, OnCache: onCache,
	})
	futures := binancef.NewClient(cfg.Providers.BinanceFutures, binancef.Deps{
		Limiter: limiter, Cache: store, OnCache: onCache,
	})
	daily := stooq.NewClient(cfg.Providers.Stooq, stooq.Deps{
		Limiter: limiter, Cache: store, OnCache: onCache,
	})

	agg := aggregator.New(cfg.Aggregator, registry,
		[]providers.CandleProvider{poly, futures, daily},
		futures, breakers, repos.Audits, metr)

	validator := quality.NewValidator(cfg.Quality)
	engine := enrich.New(cfg.Enrich, registry, agg, validator, features.NewComputer(), repos, metr)
	sched := scheduler.New(cfg.Scheduler, registry, engine, metr)

	return &warehouse{
		cfg:       cfg,
		pool:      pool,
		repos:     repos,
		registry:  registry,
		store:     store,
		metrics:   metr,
		breakers:  breakers,
		validator: validator,
		engine:    engine,
		scheduler: sched,
	}, nil
}

func (w *warehouse) Close() error {
	return w.pool.Close()
}

// opsServer builds the operator HTTP surface over the assembled pipeline.
func (w *warehouse) opsServer() *ops.Server {
	deps := ops.Deps{
		Scheduler: w.scheduler,
		Repos:     w.repos,
		Metrics:   w.metrics,
		Validator: w.validator,
		DB:        db.Pinger{DB: w.pool, Timeout: w.cfg.Database.QueryTimeout},
	}
	if p, ok := w.store.(ops.Pinger); ok {
		deps.Cache = p
	}
	return ops.NewServer(w.cfg.Ops, deps)
}

// connectRepos is the light path for read-only commands: pool plus repos,
// no providers or scheduler.
func connectRepos(ctx context.Context, cfg *config.Config) (*sqlx.DB, *persistence.Repositories, error) {
	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, db.Repositories(pool, cfg.Database.QueryTimeout), nil
}

// buildFilter converts the shared CLI flags into a scheduler filter.
func buildFilter(fs *pflag.FlagSet) (scheduler.Filter, error) {
	var filter scheduler.Filter

	filter.Symbols, _ = fs.GetStringSlice("symbols")

	classes, _ := fs.GetStringSlice("classes")
	for _, raw := range classes {
		class := models.AssetClass(raw)
		if !class.Valid() {
			return filter, fmt.Errorf("invalid asset class %q", raw)
		}
		filter.Classes = append(filter.Classes, class)
	}

	periods, _ := fs.GetStringSlice("periods")
	for _, raw := range periods {
		period, err := models.ParsePeriod(raw)
		if err != nil {
			return filter, err
		}
		filter.Periods = append(filter.Periods, period)
	}
	return filter, nil
}
