// Package enrich drives the per-symbol pipeline: aggregate fetch, sequence
// validation, feature computation, quality-gated persistence, audit and
// status bookkeeping. The scheduler owns concurrency and retries; the engine
// runs one task at a time for one symbol.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/aggregator"
	"github.com/candlekeep/candlekeep/internal/features"
	"github.com/candlekeep/candlekeep/internal/marketcal"
	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/persistence"
	"github.com/candlekeep/candlekeep/internal/providers"
	"github.com/candlekeep/candlekeep/internal/quality"
	"github.com/candlekeep/candlekeep/internal/universe"
)

// Pipeline failure classes. Validation and compute failures are data
// problems and never retried; persistence gets one in-task retry before the
// task fails with ErrPersistenceFailed.
var (
	ErrValidationFailed  = quality.ErrValidationFailed
	ErrComputeFailed     = features.ErrComputeFailed
	ErrPersistenceFailed = errors.New("persistence failed")
)

// Retryable reports whether a failed task is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrValidationFailed) || errors.Is(err, ErrComputeFailed) {
		return false
	}
	if errors.Is(err, aggregator.ErrSymbolNotRegistered) {
		return false
	}
	return true
}

// RetryAfterHint surfaces a provider Retry-After hint buried in the error
// chain, or zero. The scheduler honours it when it exceeds the backoff.
func RetryAfterHint(err error) time.Duration {
	var perr *providers.Error
	if errors.As(err, &perr) && perr.Kind == providers.KindRateLimited {
		return perr.RetryAfter
	}
	return 0
}

// Fetcher is the aggregate-fetch dependency. *aggregator.Aggregator
// satisfies it.
type Fetcher interface {
	FetchOHLCV(ctx context.Context, symbol string, class models.AssetClass, period models.Period, rng models.TimeRange) (*aggregator.Result, error)
	FetchMicrostructure(ctx context.Context, symbol string, period models.Period) (*models.Microstructure, error)
}

// Config tunes the engine.
type Config struct {
	// LookbackPeriods sizes the initial window for symbols with no stored
	// history; it must cover the longest feature warmup (50 periods).
	LookbackPeriods int `yaml:"lookback_periods"`
}

func (c Config) withDefaults() Config {
	if c.LookbackPeriods <= 0 {
		c.LookbackPeriods = 150
	}
	return c
}

// Engine holds every pipeline dependency explicitly; nothing is global so
// tests can assemble engines around fakes.
type Engine struct {
	cfg       Config
	registry  *universe.Registry
	fetcher   Fetcher
	validator *quality.Validator
	computer  *features.Computer
	repos     *persistence.Repositories
	metrics   *metrics.Registry
	log       zerolog.Logger
	now       func() time.Time
}

// New assembles an engine.
func New(cfg Config, reg *universe.Registry, fetcher Fetcher, validator *quality.Validator, computer *features.Computer, repos *persistence.Repositories, metr *metrics.Registry) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		registry:  reg,
		fetcher:   fetcher,
		validator: validator,
		computer:  computer,
		repos:     repos,
		metrics:   metr,
		log:       log.With().Str("component", "enrich").Logger(),
		now:       time.Now,
	}
}

// TaskRequest names one symbol's work within a job.
type TaskRequest struct {
	JobID   string            `json:"job_id"`
	Symbol  string            `json:"symbol"`
	Periods []models.Period   `json:"periods,omitempty"` // empty: descriptor periods
	Range   *models.TimeRange `json:"range,omitempty"`   // nil: resume or default lookback
}

// PeriodResult is the outcome of one (symbol, period) pass.
type PeriodResult struct {
	Period     models.Period            `json:"period"`
	BackfillID int64                    `json:"backfill_id,omitempty"`
	Skipped    bool                     `json:"skipped,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	Source     string                   `json:"source,omitempty"`
	Fetched    int                      `json:"fetched"`
	Stats      *persistence.UpsertStats `json:"stats,omitempty"`
	Score      float64                  `json:"score,omitempty"`
	Err        error                    `json:"-"`
}

// AssetResult is the outcome of one symbol task. Err carries the last period
// failure; successful periods keep their results either way.
type AssetResult struct {
	Symbol   string            `json:"symbol"`
	Class    models.AssetClass `json:"asset_class"`
	Results  []PeriodResult    `json:"results"`
	Duration time.Duration     `json:"duration"`
	Err      error             `json:"-"`
}

// EnrichAsset runs the pipeline for every requested period of one symbol,
// sequentially, then updates the symbol's status row.
func (e *Engine) EnrichAsset(ctx context.Context, req TaskRequest) *AssetResult {
	started := e.now()
	res := &AssetResult{Symbol: req.Symbol}

	desc, ok := e.registry.Get(req.Symbol)
	if !ok {
		res.Err = fmt.Errorf("%s: %w", req.Symbol, aggregator.ErrSymbolNotRegistered)
		res.Duration = e.now().Sub(started)
		return res
	}
	res.Class = desc.AssetClass

	periods := req.Periods
	if len(periods) == 0 {
		periods = desc.Periods
	}

	for _, period := range periods {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		if !desc.HasPeriod(period) {
			res.Results = append(res.Results, PeriodResult{
				Period:  period,
				Skipped: true,
				Reason:  "period not maintained",
			})
			continue
		}
		pr := e.enrichPeriod(ctx, desc, period, req)
		res.Results = append(res.Results, pr)
		if pr.Err != nil {
			res.Err = pr.Err
			e.log.Warn().Str("symbol", desc.Symbol).Str("period", string(period)).
				Err(pr.Err).Msg("period pass failed")
		}
	}

	res.Duration = e.now().Sub(started)
	e.updateStatus(ctx, desc, res)
	return res
}

// EnrichBatch runs tasks sequentially; the scheduler parallelises symbols,
// this path serves the synchronous ops trigger.
func (e *Engine) EnrichBatch(ctx context.Context, reqs []TaskRequest) []*AssetResult {
	out := make([]*AssetResult, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, e.EnrichAsset(ctx, req))
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

func (e *Engine) enrichPeriod(ctx context.Context, desc *models.SymbolDescriptor, period models.Period, req TaskRequest) PeriodResult {
	pr := PeriodResult{Period: period}

	rng, state, upToDate, err := e.resolveWindow(ctx, desc, period, req)
	if err != nil {
		pr.Err = err
		return pr
	}
	if upToDate {
		pr.Skipped = true
		pr.Reason = "up to date"
		return pr
	}
	pr.BackfillID = state.ID

	if err := e.repos.Backfills.MarkInProgress(ctx, state.ID); err != nil {
		pr.Err = err
		return pr
	}

	advanceTo, passErr := e.runPipeline(ctx, desc, period, rng, &pr)
	if passErr != nil {
		pr.Err = passErr
		// Committed batches still count as progress for resumption.
		if pr.Stats != nil && !pr.Stats.LastTimestamp.IsZero() {
			if err := e.repos.Backfills.Advance(ctx, state.ID, pr.Stats.LastTimestamp); err != nil {
				e.log.Warn().Err(err).Int64("backfill", state.ID).Msg("failed to advance backfill state")
			}
		}
		if err := e.repos.Backfills.Fail(ctx, state.ID, passErr.Error()); err != nil {
			e.log.Warn().Err(err).Int64("backfill", state.ID).Msg("failed to mark backfill failed")
		}
		return pr
	}

	if err := e.repos.Backfills.Advance(ctx, state.ID, advanceTo); err != nil {
		e.log.Warn().Err(err).Int64("backfill", state.ID).Msg("failed to advance backfill state")
	}
	if err := e.repos.Backfills.Complete(ctx, state.ID); err != nil {
		e.log.Warn().Err(err).Int64("backfill", state.ID).Msg("failed to complete backfill state")
	}

	e.log.Info().Str("symbol", desc.Symbol).Str("period", string(period)).
		Str("source", pr.Source).Int("fetched", pr.Fetched).
		Int("inserted", pr.Stats.Inserted).Int("updated", pr.Stats.Updated).
		Int("skipped", pr.Stats.Skipped).Float64("score", pr.Score).
		Msg("period pass complete")
	return pr
}

// resolveWindow decides the fetch range: an explicit request range, else
// stored-history+1, else the default lookback; a matching in-progress or
// failed backfill row moves the start to its last success + one period. The
// boolean reports an already-covered window.
func (e *Engine) resolveWindow(ctx context.Context, desc *models.SymbolDescriptor, period models.Period, req TaskRequest) (models.TimeRange, *models.BackfillState, bool, error) {
	var rng models.TimeRange
	if req.Range != nil {
		rng = *req.Range
	} else {
		end := marketcal.LastCompleteOpen(e.now(), period, desc.AssetClass)
		latest, err := e.repos.Candles.LatestTimestamp(ctx, desc.Symbol, desc.AssetClass, period)
		if err != nil {
			return rng, nil, false, err
		}
		var start time.Time
		if latest != nil {
			start = marketcal.ExpectedNext(*latest, period, desc.AssetClass)
		} else {
			start = end.Add(-time.Duration(e.cfg.LookbackPeriods) * period.Duration())
		}
		rng = models.TimeRange{Start: start, End: end}
	}

	resumable, err := e.repos.Backfills.FindResumable(ctx, desc.Symbol, desc.AssetClass, period)
	if err != nil {
		return rng, nil, false, err
	}
	if resumable != nil && resumable.LastSuccessfulDate != nil {
		next := marketcal.ExpectedNext(*resumable.LastSuccessfulDate, period, desc.AssetClass)
		if next.After(rng.Start) {
			rng.Start = next
		}
	}

	// A retry within the same job reuses its row instead of re-registering.
	if resumable != nil && resumable.JobID == req.JobID {
		if rng.Start.After(rng.End) {
			if err := e.repos.Backfills.Complete(ctx, resumable.ID); err != nil {
				e.log.Warn().Err(err).Int64("backfill", resumable.ID).Msg("failed to complete covered backfill")
			}
			return rng, nil, true, nil
		}
		return rng, resumable, false, nil
	}

	if rng.Start.After(rng.End) {
		return rng, nil, true, nil
	}

	state := &models.BackfillState{
		JobID:      req.JobID,
		Symbol:     desc.Symbol,
		AssetClass: desc.AssetClass,
		Period:     period,
		StartDate:  rng.Start,
		EndDate:    rng.End,
	}
	if err := e.repos.Backfills.Register(ctx, state); err != nil {
		return rng, nil, false, err
	}
	return rng, state, false, nil
}

// runPipeline executes fetch, validate, compute and persist for one window,
// records the pass audits and returns the instant resumption may advance to.
func (e *Engine) runPipeline(ctx context.Context, desc *models.SymbolDescriptor, period models.Period, rng models.TimeRange, pr *PeriodResult) (time.Time, error) {
	res, err := e.fetcher.FetchOHLCV(ctx, desc.Symbol, desc.AssetClass, period, rng)
	if err != nil {
		// The aggregator audited each failed source attempt already.
		return time.Time{}, err
	}
	pr.Source = res.Source
	pr.Fetched = len(res.Candles)
	candles := res.Candles

	if desc.AssetClass == models.AssetCrypto && len(candles) > 0 {
		ms, merr := e.fetcher.FetchMicrostructure(ctx, desc.Symbol, period)
		if merr != nil {
			e.log.Debug().Err(merr).Str("symbol", desc.Symbol).Msg("microstructure unavailable")
		} else if ms != nil {
			mergeMicrostructure(&candles[len(candles)-1], ms)
		}
	}

	audit := passAudit{rng: rng, res: res}

	report, verr := e.validator.ValidateSequence(candles, desc.Symbol, desc.AssetClass, period, res.FetchedAt)
	if verr != nil {
		e.metrics.RecordValidationFailure("candle", 1)
		audit.passErr = verr
		e.recordAudits(ctx, desc.Symbol, period, audit)
		return time.Time{}, verr
	}
	if report.SeqFailures > 0 {
		e.metrics.RecordValidationFailure("sequence", report.SeqFailures)
	}
	pr.Score = report.Score

	computeStart := e.now()
	sets, cerr := e.computer.Compute(candles, desc.AssetClass, period)
	audit.computeRan = true
	audit.computeMS = e.now().Sub(computeStart).Milliseconds()
	audit.features = len(sets)
	if cerr != nil {
		audit.computeErr = cerr
		audit.passErr = cerr
		e.recordAudits(ctx, desc.Symbol, period, audit)
		return time.Time{}, cerr
	}

	rows := e.buildRows(desc, period, candles, sets, report, res)
	stats, perr := e.persist(ctx, rows)
	pr.Stats = stats
	audit.stats = stats
	if perr != nil {
		audit.passErr = perr
		e.recordAudits(ctx, desc.Symbol, period, audit)
		return time.Time{}, perr
	}

	e.metrics.RecordPersisted(desc.AssetClass, period, metrics.OpInsert, stats.Inserted)
	e.metrics.RecordPersisted(desc.AssetClass, period, metrics.OpUpdate, stats.Updated)
	e.metrics.RecordPersisted(desc.AssetClass, period, metrics.OpSkip, stats.Skipped)
	e.recordAudits(ctx, desc.Symbol, period, audit)

	if len(candles) == 0 {
		return rng.End, nil
	}
	return candles[len(candles)-1].Timestamp, nil
}

// persist retries the batch once; committed batches are never redone because
// UpsertBatch only counts committed work, so the retry starts at the
// remainder.
func (e *Engine) persist(ctx context.Context, rows []*models.EnrichedCandle) (*persistence.UpsertStats, error) {
	stats, err := e.repos.Candles.UpsertBatch(ctx, rows)
	if err == nil {
		return stats, nil
	}
	if ctx.Err() != nil {
		return stats, err
	}

	e.log.Warn().Err(err).Int("remaining", len(rows)-stats.Total()).Msg("upsert failed, retrying once")
	again, err2 := e.repos.Candles.UpsertBatch(ctx, rows[stats.Total():])
	stats.Inserted += again.Inserted
	stats.Updated += again.Updated
	stats.Skipped += again.Skipped
	if again.LastTimestamp.After(stats.LastTimestamp) {
		stats.LastTimestamp = again.LastTimestamp
	}
	if err2 != nil {
		return stats, fmt.Errorf("%w: %w", ErrPersistenceFailed, err2)
	}
	return stats, nil
}

func (e *Engine) buildRows(desc *models.SymbolDescriptor, period models.Period, candles []models.RawCandle, sets []features.Set, report *quality.Report, res *aggregator.Result) []*models.EnrichedCandle {
	now := e.now().UTC()
	rows := make([]*models.EnrichedCandle, len(candles))
	for i := range candles {
		c := &candles[i]
		row := &models.EnrichedCandle{
			Symbol:     desc.Symbol,
			AssetClass: desc.AssetClass,
			Period:     period,
			Timestamp:  c.Timestamp,

			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,

			TakerBuyVolume:    c.TakerBuyVolume,
			TakerSellVolume:   c.TakerSellVolume,
			OpenInterest:      c.OpenInterest,
			FundingRate:       c.FundingRate,
			LongLiquidations:  c.LongLiquidations,
			ShortLiquidations: c.ShortLiquidations,

			Source:       res.Source,
			Validated:    true,
			QualityScore: report.Score,
			Completeness: report.Completeness,
			Revision:     1,
			FetchedAt:    res.FetchedAt,
			ComputedAt:   now,
			UpdatedAt:    now,
		}
		sets[i].Apply(row)
		if i < len(report.Flags) {
			fl := report.Flags[i]
			row.GapFlag = fl.Gap
			row.VolumeAnomalyFlag = fl.VolumeAnomaly
			row.ValidationNote = flagNote(fl)
		}
		rows[i] = row
	}
	return rows
}

func flagNote(fl quality.CandleFlags) string {
	switch {
	case fl.Gap && fl.VolumeAnomaly:
		return "gap; volume anomaly"
	case fl.Gap:
		return "gap"
	case fl.VolumeAnomaly:
		return "volume anomaly"
	}
	return ""
}

func mergeMicrostructure(c *models.RawCandle, ms *models.Microstructure) {
	if c.OpenInterest == nil {
		oi := ms.OpenInterest
		c.OpenInterest = &oi
	}
	if c.FundingRate == nil {
		fr := ms.FundingRate
		c.FundingRate = &fr
	}
	if c.LongLiquidations == nil {
		ll := ms.LongLiquidations
		c.LongLiquidations = &ll
	}
	if c.ShortLiquidations == nil {
		sl := ms.ShortLiquidations
		c.ShortLiquidations = &sl
	}
	if c.TakerBuyVolume == nil && ms.TakerBuyVolume > 0 {
		tb := ms.TakerBuyVolume
		c.TakerBuyVolume = &tb
	}
	if c.TakerSellVolume == nil && ms.TakerSellVolume > 0 {
		ts := ms.TakerSellVolume
		c.TakerSellVolume = &ts
	}
}

// passAudit collects what the audit rows need; rows are written in pipeline
// order, fetch before compute.
type passAudit struct {
	rng        models.TimeRange
	res        *aggregator.Result
	stats      *persistence.UpsertStats
	computeRan bool
	computeMS  int64
	features   int
	computeErr error
	passErr    error
}

func (e *Engine) recordAudits(ctx context.Context, symbol string, period models.Period, a passAudit) {
	fetch := &models.FetchAudit{
		Symbol:         symbol,
		Source:         a.res.Source,
		Period:         period,
		RangeStart:     a.rng.Start,
		RangeEnd:       a.rng.End,
		RecordsFetched: len(a.res.Candles),
		LatencyMS:      a.res.Latency.Milliseconds(),
		Success:        a.passErr == nil,
		QuotaRemaining: a.res.QuotaRemaining,
		CreatedAt:      e.now().UTC(),
	}
	if a.stats != nil {
		fetch.RecordsStored = a.stats.Inserted
		fetch.RecordsUpdated = a.stats.Updated
	}
	if a.passErr != nil {
		fetch.ErrorText = a.passErr.Error()
	}
	if err := e.repos.Audits.RecordFetch(ctx, fetch); err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to record fetch audit")
	}

	if !a.computeRan {
		return
	}
	compute := &models.ComputeAudit{
		Symbol:           symbol,
		Period:           period,
		CandlesProcessed: len(a.res.Candles),
		FeaturesComputed: a.features,
		DurationMS:       a.computeMS,
		Success:          a.computeErr == nil,
		CreatedAt:        e.now().UTC(),
	}
	if a.computeErr != nil {
		compute.FeaturesComputed = 0
		compute.ErrorText = a.computeErr.Error()
	}
	if err := e.repos.Audits.RecordCompute(ctx, compute); err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to record compute audit")
	}
}

// updateStatus rewrites the symbol's current-state row after a task. Failed
// tasks keep the previous last-success fields and record the error.
func (e *Engine) updateStatus(ctx context.Context, desc *models.SymbolDescriptor, res *AssetResult) {
	prev, err := e.repos.Status.Get(ctx, desc.Symbol, desc.AssetClass)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", desc.Symbol).Msg("failed to read status row")
	}
	st := &models.EnrichmentStatus{Symbol: desc.Symbol, AssetClass: desc.AssetClass}
	if prev != nil {
		*st = *prev
	}
	st.LastComputeMS = res.Duration.Milliseconds()

	if count, err := e.repos.Candles.CountForSymbol(ctx, desc.Symbol, desc.AssetClass); err == nil {
		st.RecordCount = count
	} else {
		e.log.Warn().Err(err).Str("symbol", desc.Symbol).Msg("failed to count rows")
	}

	if res.Err != nil {
		st.State = models.StateError
		st.LastError = res.Err.Error()
	} else {
		now := e.now().UTC()
		st.LastSuccess = &now
		st.LastError = ""
		st.State = e.validator.SLA(desc.AssetClass).StateFor(0)

		var sum float64
		var n int
		for _, pr := range res.Results {
			if pr.Skipped || pr.Err != nil {
				continue
			}
			if pr.Source != "" {
				st.LastSource = pr.Source
			}
			sum += pr.Score
			n++
		}
		if n > 0 {
			st.QualityScore = sum / float64(n)
		}
	}

	if err := e.repos.Status.Upsert(ctx, st); err != nil {
		e.log.Warn().Err(err).Str("symbol", desc.Symbol).Msg("failed to upsert status row")
	}
}
