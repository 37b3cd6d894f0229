// Package metrics exposes the warehouse's Prometheus instrumentation. One
// Registry is built at startup and threaded through the aggregator, enrich
// engine, and scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/candlekeep/candlekeep/internal/models"
)

// Fetch outcome labels.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeBreakerOpen = "breaker_open"
)

// Persistence op labels.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpSkip   = "skip"
)

// Registry holds every collector on a dedicated Prometheus registry so test
// binaries can build as many as they need.
type Registry struct {
	reg *prometheus.Registry

	FetchRequests      *prometheus.CounterVec
	FetchLatency       *prometheus.HistogramVec
	CandlesPersisted   *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec
	QualityScore       *prometheus.GaugeVec
	BreakerState       *prometheus.GaugeVec
	ActiveTasks        prometheus.Gauge
	SweepDuration      prometheus.Histogram
	CacheRequests      *prometheus.CounterVec
}

// NewRegistry builds and registers all warehouse collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		FetchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlekeep_fetch_requests_total",
				Help: "Provider fetch attempts by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		FetchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candlekeep_fetch_latency_seconds",
				Help:    "Provider fetch latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source"},
		),

		CandlesPersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlekeep_candles_persisted_total",
				Help: "Enriched rows written by asset class, period, and op",
			},
			[]string{"asset_class", "period", "op"},
		),

		ValidationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlekeep_validation_failures_total",
				Help: "Validation findings by check",
			},
			[]string{"check"},
		),

		QualityScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "candlekeep_quality_score",
				Help: "Average quality score of the last sweep per asset class",
			},
			[]string{"asset_class"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "candlekeep_breaker_state",
				Help: "Circuit state per source: 0 closed, 1 half-open, 2 open",
			},
			[]string{"source"},
		),

		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "candlekeep_active_tasks",
				Help: "Enrichment tasks currently running",
			},
		),

		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "candlekeep_sweep_duration_seconds",
				Help:    "Wall-clock duration of full sweeps",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),

		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlekeep_cache_hits_total",
				Help: "Cache lookups by outcome",
			},
			[]string{"outcome"},
		),
	}

	r.reg.MustRegister(
		r.FetchRequests,
		r.FetchLatency,
		r.CandlesPersisted,
		r.ValidationFailures,
		r.QualityScore,
		r.BreakerState,
		r.ActiveTasks,
		r.SweepDuration,
		r.CacheRequests,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveFetch records one provider attempt.
func (r *Registry) ObserveFetch(source, outcome string, latency time.Duration) {
	r.FetchRequests.WithLabelValues(source, outcome).Inc()
	if outcome != OutcomeBreakerOpen {
		r.FetchLatency.WithLabelValues(source).Observe(latency.Seconds())
	}
}

// RecordPersisted records UPSERT outcomes for one batch.
func (r *Registry) RecordPersisted(class models.AssetClass, period models.Period, op string, n int) {
	if n <= 0 {
		return
	}
	r.CandlesPersisted.WithLabelValues(string(class), string(period), op).Add(float64(n))
}

func (r *Registry) RecordValidationFailure(check string, n int) {
	if n <= 0 {
		return
	}
	r.ValidationFailures.WithLabelValues(check).Add(float64(n))
}

func (r *Registry) SetQualityScore(class models.AssetClass, score float64) {
	r.QualityScore.WithLabelValues(string(class)).Set(score)
}

// BreakerHook adapts the registry to the circuit manager's state callback.
func (r *Registry) BreakerHook() func(name, from, to string) {
	return func(name, _, to string) {
		var v float64
		switch to {
		case "half-open":
			v = 1
		case "open":
			v = 2
		}
		r.BreakerState.WithLabelValues(name).Set(v)
	}
}

func (r *Registry) RecordCacheHit()  { r.CacheRequests.WithLabelValues("hit").Inc() }
func (r *Registry) RecordCacheMiss() { r.CacheRequests.WithLabelValues("miss").Inc() }

// Snapshot reads the counter and gauge families back out of the registry,
// keyed as "name,label=value,...". The ops summary endpoint merges this
// with the audit-log aggregates.
func (r *Registry) Snapshot() (map[string]float64, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER && mf.GetType() != dto.MetricType_GAUGE {
			continue
		}
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "," + lp.GetName() + "=" + lp.GetValue()
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}
