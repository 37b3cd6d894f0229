// Package scheduler drives the enrichment engine over the symbol universe:
// a daily sweep at a configured UTC time plus operator-triggered jobs, with
// bounded symbol parallelism, per-symbol serialisation, and task-level
// retry with exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/aggregator"
	"github.com/candlekeep/candlekeep/internal/enrich"
	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/net/bound"
	"github.com/candlekeep/candlekeep/internal/net/retry"
	"github.com/candlekeep/candlekeep/internal/universe"
)

// Job kinds as reported in results and logs.
const (
	KindSweep  = "sweep"
	KindManual = "manual"
)

// ErrNotRunning is returned by TriggerNow before Start or after Stop.
var ErrNotRunning = errors.New("scheduler is not running")

// Runner is the engine surface the scheduler drives. One call enriches every
// maintained period of a single symbol.
type Runner interface {
	EnrichAsset(ctx context.Context, req enrich.TaskRequest) *enrich.AssetResult
}

// Config tunes the scheduler; zero fields take warehouse defaults.
type Config struct {
	SweepHourUTC   int           `yaml:"sweep_hour_utc"`
	SweepMinuteUTC int           `yaml:"sweep_minute_utc"`
	Concurrency    int           `yaml:"concurrency"`     // parallel symbol tasks, default 5
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // 0 waits on the job context
	DrainTimeout   time.Duration `yaml:"drain_timeout"`   // shutdown drain window, default 30s
	Retry          retry.Policy  `yaml:"retry"`
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Retry == (retry.Policy{}) {
		c.Retry = retry.DefaultPolicy()
	}
	return c
}

// Filter selects the task set for a manual trigger. An empty filter sweeps
// every active symbol with its descriptor defaults.
type Filter struct {
	Symbols []string            `json:"symbols,omitempty"`
	Classes []models.AssetClass `json:"asset_classes,omitempty"`
	Periods []models.Period     `json:"periods,omitempty"`
	Range   *models.TimeRange   `json:"range,omitempty"`
}

// SweepResult aggregates one job's per-symbol outcomes.
type SweepResult struct {
	JobID     string        `json:"job_id"`
	Kind      string        `json:"kind"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Symbols   int           `json:"symbols"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
}

// Status is the scheduler view exposed over the ops API.
type Status struct {
	Running     bool          `json:"running"`
	Paused      bool          `json:"paused"`
	ActiveTasks int64         `json:"active_tasks"`
	InFlight    []string      `json:"in_flight,omitempty"`
	NextSweep   *time.Time    `json:"next_sweep,omitempty"`
	LastSweep   *SweepResult  `json:"last_sweep,omitempty"`
	LastJob     *SweepResult  `json:"last_job,omitempty"`
	Uptime      time.Duration `json:"uptime"`
}

// Scheduler owns the sweep loop and the concurrency discipline. The engine
// runs one symbol at a time; everything parallel lives here.
type Scheduler struct {
	cfg      Config
	registry *universe.Registry
	runner   Runner
	metr     *metrics.Registry
	limiter  *bound.Limiter
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	running   bool
	paused    bool
	startedAt time.Time
	nextSweep time.Time
	lastSweep *SweepResult
	lastJob   *SweepResult
	inflight  map[string]chan struct{}
	baseCtx   context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}

	tasks sync.WaitGroup
}

func New(cfg Config, reg *universe.Registry, runner Runner, metr *metrics.Registry) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		runner:   runner,
		metr:     metr,
		limiter:  bound.New(int64(cfg.Concurrency), cfg.AcquireTimeout),
		log:      log.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		inflight: make(map[string]chan struct{}),
	}
}

// Start launches the sweep loop and returns immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.baseCtx = ctx
	s.cancel = cancel
	s.running = true
	s.startedAt = s.now()
	// Status reports the schedule before the loop's first tick.
	s.nextSweep = s.nextSweepTime(s.now())
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	s.log.Info().
		Int("concurrency", s.cfg.Concurrency).
		Str("sweep_at", fmt.Sprintf("%02d:%02d", s.cfg.SweepHourUTC, s.cfg.SweepMinuteUTC)).
		Msg("scheduler started")
	return nil
}

// Stop signals every task, then waits up to the drain window. Abandoned
// tasks leave their backfill rows in progress for the next job to resume.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	loopDone := s.loopDone
	s.mu.Unlock()

	cancel()
	<-loopDone

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Warn().Dur("drain", s.cfg.DrainTimeout).Msg("drain window elapsed, abandoning tasks")
		return fmt.Errorf("scheduler drain timed out after %s", s.cfg.DrainTimeout)
	}
}

// Pause suspends daily sweeps. Manual triggers still run.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.log.Info().Msg("scheduler paused")
	}
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		s.log.Info().Msg("scheduler resumed")
	}
}

// TriggerNow queues a manual job and returns its id and task count without
// waiting for completion. Results surface through Status and the audit log.
func (s *Scheduler) TriggerNow(filter Filter) (string, int, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return "", 0, ErrNotRunning
	}
	ctx := s.baseCtx
	s.mu.Unlock()

	jobID := uuid.NewString()
	reqs, err := s.buildRequests(jobID, filter)
	if err != nil {
		return "", 0, err
	}

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.log.Info().Str("job", jobID).Int("symbols", len(reqs)).Msg("manual job started")
		result, _ := s.dispatch(ctx, jobID, KindManual, reqs)
		s.storeResult(result)
		s.log.Info().Str("job", jobID).
			Int("succeeded", result.Succeeded).Int("failed", result.Failed).
			Int("skipped", result.Skipped).Dur("duration", result.Duration).
			Msg("manual job finished")
	}()
	return jobID, len(reqs), nil
}

// RunNow executes a job synchronously on the caller's context. One-shot CLI
// commands use it without Start.
func (s *Scheduler) RunNow(ctx context.Context, filter Filter) (*SweepResult, []*enrich.AssetResult, error) {
	jobID := uuid.NewString()
	reqs, err := s.buildRequests(jobID, filter)
	if err != nil {
		return nil, nil, err
	}
	result, results := s.dispatch(ctx, jobID, KindManual, reqs)
	s.storeResult(result)
	return result, results, nil
}

// Status reports the running flag, sweep schedule, and in-flight work.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:     s.running,
		Paused:      s.paused,
		ActiveTasks: s.limiter.InUse(),
		LastSweep:   s.lastSweep,
		LastJob:     s.lastJob,
	}
	if s.running {
		next := s.nextSweep
		st.NextSweep = &next
		st.Uptime = s.now().Sub(s.startedAt)
	}
	for sym := range s.inflight {
		st.InFlight = append(st.InFlight, sym)
	}
	sort.Strings(st.InFlight)
	return st
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		next := s.nextSweepTime(s.now())
		s.mu.Lock()
		s.nextSweep = next
		s.mu.Unlock()

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			s.log.Info().Msg("sweep skipped while paused")
			continue
		}
		s.runSweep(ctx)
	}
}

// nextSweepTime returns the next occurrence of the configured UTC wall time
// strictly after now.
func (s *Scheduler) nextSweepTime(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(),
		s.cfg.SweepHourUTC, s.cfg.SweepMinuteUTC, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func (s *Scheduler) runSweep(ctx context.Context) {
	jobID := uuid.NewString()
	descs := s.registry.Active()
	reqs := make([]enrich.TaskRequest, 0, len(descs))
	for _, d := range descs {
		reqs = append(reqs, enrich.TaskRequest{JobID: jobID, Symbol: d.Symbol})
	}

	s.log.Info().Str("job", jobID).Int("symbols", len(reqs)).Msg("sweep started")
	result, _ := s.dispatch(ctx, jobID, KindSweep, reqs)
	s.metr.SweepDuration.Observe(result.Duration.Seconds())
	s.storeResult(result)
	s.log.Info().Str("job", jobID).
		Int("succeeded", result.Succeeded).Int("failed", result.Failed).
		Int("skipped", result.Skipped).Dur("duration", result.Duration).
		Msg("sweep finished")
}

// dispatch fans the requests out across the limiter and waits for them all.
// The launch loop blocks whenever every slot is busy, so at most Concurrency
// tasks run at once.
func (s *Scheduler) dispatch(ctx context.Context, jobID, kind string, reqs []enrich.TaskRequest) (*SweepResult, []*enrich.AssetResult) {
	started := s.now()
	results := make([]*enrich.AssetResult, len(reqs))

	var wg sync.WaitGroup
	for i := range reqs {
		if err := ctx.Err(); err != nil {
			results[i] = &enrich.AssetResult{Symbol: reqs[i].Symbol, Err: err}
			continue
		}
		if err := s.limiter.Acquire(ctx); err != nil {
			results[i] = &enrich.AssetResult{Symbol: reqs[i].Symbol, Err: err}
			continue
		}
		wg.Add(1)
		s.tasks.Add(1)
		go func(i int, req enrich.TaskRequest) {
			defer wg.Done()
			defer s.tasks.Done()
			defer s.limiter.Release()
			results[i] = s.runTask(ctx, req)
		}(i, reqs[i])
	}
	wg.Wait()

	res := &SweepResult{JobID: jobID, Kind: kind, Started: started, Symbols: len(reqs)}
	byClass := map[models.AssetClass][]float64{}
	for _, r := range results {
		switch {
		case r == nil || r.Err != nil:
			res.Failed++
		case allSkipped(r):
			res.Skipped++
		default:
			res.Succeeded++
		}
		if r == nil || r.Err != nil {
			continue
		}
		for _, pr := range r.Results {
			if !pr.Skipped && pr.Err == nil {
				byClass[r.Class] = append(byClass[r.Class], pr.Score)
			}
		}
	}
	if kind == KindSweep {
		for class, scores := range byClass {
			var sum float64
			for _, v := range scores {
				sum += v
			}
			s.metr.SetQualityScore(class, sum/float64(len(scores)))
		}
	}
	res.Duration = s.now().Sub(started)
	return res, results
}

// runTask claims the symbol, then runs the engine with the retry schedule.
// A rate-limit hint from the provider stretches the backoff when larger.
func (s *Scheduler) runTask(ctx context.Context, req enrich.TaskRequest) *enrich.AssetResult {
	if err := s.claim(ctx, req.Symbol); err != nil {
		return &enrich.AssetResult{Symbol: req.Symbol, Err: err}
	}
	defer s.release(req.Symbol)

	s.metr.ActiveTasks.Inc()
	defer s.metr.ActiveTasks.Dec()

	for attempt := 1; ; attempt++ {
		res := s.runner.EnrichAsset(ctx, req)
		if res.Err == nil || !enrich.Retryable(res.Err) || s.cfg.Retry.Exhausted(attempt) {
			return res
		}
		delay := s.cfg.Retry.Delay(attempt)
		if hint := enrich.RetryAfterHint(res.Err); hint > delay {
			delay = hint
		}
		s.log.Warn().Str("symbol", req.Symbol).Int("attempt", attempt).
			Dur("backoff", delay).Err(res.Err).Msg("task failed, backing off")
		select {
		case <-ctx.Done():
			return res
		case <-time.After(delay):
		}
	}
}

// claim serialises work on one symbol: a task for a busy symbol waits until
// the holder releases it.
func (s *Scheduler) claim(ctx context.Context, symbol string) error {
	for {
		s.mu.Lock()
		ch, busy := s.inflight[symbol]
		if !busy {
			s.inflight[symbol] = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Scheduler) release(symbol string) {
	s.mu.Lock()
	ch := s.inflight[symbol]
	delete(s.inflight, symbol)
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (s *Scheduler) buildRequests(jobID string, f Filter) ([]enrich.TaskRequest, error) {
	var descs []*models.SymbolDescriptor
	if len(f.Symbols) > 0 {
		for _, sym := range f.Symbols {
			d, ok := s.registry.Get(sym)
			if !ok {
				return nil, fmt.Errorf("%s: %w", sym, aggregator.ErrSymbolNotRegistered)
			}
			descs = append(descs, d)
		}
	} else {
		descs = s.registry.Active()
	}

	var reqs []enrich.TaskRequest
	for _, d := range descs {
		if len(f.Classes) > 0 && !hasClass(f.Classes, d.AssetClass) {
			continue
		}
		reqs = append(reqs, enrich.TaskRequest{
			JobID:   jobID,
			Symbol:  d.Symbol,
			Periods: f.Periods,
			Range:   f.Range,
		})
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no symbols match the trigger filter")
	}
	return reqs, nil
}

func (s *Scheduler) storeResult(res *SweepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *res
	s.lastJob = &cp
	if res.Kind == KindSweep {
		s.lastSweep = &cp
	}
}

func hasClass(classes []models.AssetClass, class models.AssetClass) bool {
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}

func allSkipped(r *enrich.AssetResult) bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, pr := range r.Results {
		if !pr.Skipped {
			return false
		}
	}
	return true
}
