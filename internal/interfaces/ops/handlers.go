package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/candlekeep/candlekeep/internal/aggregator"
	"github.com/candlekeep/candlekeep/internal/enrich"
	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/persistence"
	"github.com/candlekeep/candlekeep/internal/scheduler"
)

const pingTimeout = 3 * time.Second

// ComponentHealth is one dependency's view in the health response.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:     "healthy",
		Timestamp:  s.now().UTC(),
		Components: map[string]ComponentHealth{},
	}

	if err := s.deps.DB.Ping(ctx); err != nil {
		resp.Components["database"] = ComponentHealth{Detail: err.Error()}
		resp.Status = "unhealthy"
	} else {
		resp.Components["database"] = ComponentHealth{Healthy: true}
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Ping(ctx); err != nil {
			resp.Components["cache"] = ComponentHealth{Detail: err.Error()}
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		} else {
			resp.Components["cache"] = ComponentHealth{Healthy: true}
		}
	}

	st := s.deps.Scheduler.Status()
	sched := ComponentHealth{Healthy: st.Running}
	switch {
	case !st.Running:
		sched.Detail = "not running"
		if resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	case st.Paused:
		sched.Detail = "paused"
	}
	resp.Components["scheduler"] = sched

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Scheduler.Pause()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Scheduler.Resume()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// EnrichRequest is the POST /api/v1/enrich body. Empty symbol and class
// filters select the whole active universe. Sync waits for the job and
// returns per-symbol results; otherwise the job is queued.
type EnrichRequest struct {
	Symbols []string            `json:"symbols,omitempty"`
	Classes []models.AssetClass `json:"asset_classes,omitempty"`
	Periods []models.Period     `json:"periods,omitempty"`
	Start   *time.Time          `json:"start,omitempty"`
	End     *time.Time          `json:"end,omitempty"`
	Sync    bool                `json:"sync,omitempty"`
}

type enrichSymbolView struct {
	Symbol  string                `json:"symbol"`
	Error   string                `json:"error,omitempty"`
	Periods []enrich.PeriodResult `json:"periods,omitempty"`
}

type enrichResponse struct {
	JobID   string                 `json:"job_id"`
	Queued  int                    `json:"queued"`
	Result  *scheduler.SweepResult `json:"result,omitempty"`
	Symbols []enrichSymbolView     `json:"symbols,omitempty"`
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req EnrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	filter := scheduler.Filter{
		Symbols: req.Symbols,
		Classes: req.Classes,
		Periods: req.Periods,
	}
	if req.Start != nil || req.End != nil {
		if req.Start == nil || req.End == nil {
			s.writeError(w, http.StatusBadRequest, "start and end must be provided together")
			return
		}
		rng := models.NewTimeRange(*req.Start, *req.End)
		if err := rng.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid range: %v", err)
			return
		}
		filter.Range = &rng
	}

	if req.Sync {
		result, results, err := s.deps.Scheduler.RunNow(r.Context(), filter)
		if err != nil {
			s.writeError(w, enrichErrorCode(err), "enrich failed: %v", err)
			return
		}
		resp := enrichResponse{JobID: result.JobID, Queued: result.Symbols, Result: result}
		for _, res := range results {
			view := enrichSymbolView{Symbol: res.Symbol, Periods: res.Results}
			if res.Err != nil {
				view.Error = res.Err.Error()
			}
			resp.Symbols = append(resp.Symbols, view)
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	jobID, queued, err := s.deps.Scheduler.TriggerNow(filter)
	if err != nil {
		s.writeError(w, enrichErrorCode(err), "trigger failed: %v", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, enrichResponse{JobID: jobID, Queued: queued})
}

func enrichErrorCode(err error) int {
	switch {
	case errors.Is(err, aggregator.ErrSymbolNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

type symbolStatusView struct {
	models.EnrichmentStatus
	CurrentState models.EnrichmentState `json:"current_state"`
	AgeSeconds   *float64               `json:"age_seconds,omitempty"`
}

func (s *Server) handleSymbolStatus(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	class := r.URL.Query().Get("class")
	if class != "" && !models.AssetClass(class).Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid asset class %q", class)
		return
	}
	rows, err := s.statusRows(r.Context(), symbol, class)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "status lookup failed: %v", err)
		return
	}
	if len(rows) == 0 {
		s.writeError(w, http.StatusNotFound, "no enrichment status for %s", symbol)
		return
	}

	views := make([]symbolStatusView, 0, len(rows))
	for _, row := range rows {
		view := symbolStatusView{EnrichmentStatus: row, CurrentState: s.currentState(&row)}
		if row.LastSuccess != nil {
			age := s.now().Sub(*row.LastSuccess).Seconds()
			view.AgeSeconds = &age
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, views)
}

// statusRows returns the status rows for a symbol, optionally narrowed to
// one asset class.
func (s *Server) statusRows(ctx context.Context, symbol, class string) ([]models.EnrichmentStatus, error) {
	if class != "" {
		row, err := s.deps.Repos.Status.Get(ctx, symbol, models.AssetClass(class))
		if err != nil || row == nil {
			return nil, err
		}
		return []models.EnrichmentStatus{*row}, nil
	}

	all, err := s.deps.Repos.Status.List(ctx)
	if err != nil {
		return nil, err
	}
	var rows []models.EnrichmentStatus
	for _, row := range all {
		if row.Symbol == symbol {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// currentState regrades the stored state against the SLA at read time:
// a row written healthy decays to warning and stale as it ages.
func (s *Server) currentState(st *models.EnrichmentStatus) models.EnrichmentState {
	if st.State == models.StateError {
		return models.StateError
	}
	if st.LastSuccess == nil {
		return models.StateNotEnriched
	}
	age := s.now().Sub(*st.LastSuccess)
	return s.deps.Validator.SLA(st.AssetClass).StateFor(age)
}

type qualityResponse struct {
	Symbol     string                   `json:"symbol"`
	AssetClass models.AssetClass        `json:"asset_class"`
	Days       int                      `json:"days"`
	Daily      []persistence.QualityDay `json:"daily"`
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			s.writeError(w, http.StatusBadRequest, "days must be an integer in [1, 365]")
			return
		}
		days = n
	}

	class := models.AssetClass(r.URL.Query().Get("class"))
	if class == "" {
		// Discover the class from the status rows when not given.
		rows, err := s.statusRows(r.Context(), symbol, "")
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "status lookup failed: %v", err)
			return
		}
		if len(rows) == 0 {
			s.writeError(w, http.StatusNotFound, "no enrichment status for %s; pass ?class=", symbol)
			return
		}
		class = rows[0].AssetClass
	} else if !class.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid asset class %q", class)
		return
	}

	daily, err := s.deps.Repos.Candles.QualityDaily(r.Context(), symbol, class, days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "quality query failed: %v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, qualityResponse{
		Symbol:     symbol,
		AssetClass: class,
		Days:       days,
		Daily:      daily,
	})
}

type metricsSummary struct {
	WindowHours int                             `json:"window_hours"`
	Since       time.Time                       `json:"since"`
	Fetch       *persistence.FetchWindowStats   `json:"fetch"`
	Compute     *persistence.ComputeWindowStats `json:"compute"`
	Runtime     map[string]float64              `json:"runtime"`
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 24*7 {
			s.writeError(w, http.StatusBadRequest, "hours must be an integer in [1, 168]")
			return
		}
		hours = n
	}
	since := s.now().UTC().Add(-time.Duration(hours) * time.Hour)

	fetch, err := s.deps.Repos.Audits.FetchWindow(r.Context(), since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "fetch window query failed: %v", err)
		return
	}
	compute, err := s.deps.Repos.Audits.ComputeWindow(r.Context(), since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "compute window query failed: %v", err)
		return
	}
	runtime, err := s.deps.Metrics.Snapshot()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "metrics gather failed: %v", err)
		return
	}

	s.writeJSON(w, http.StatusOK, metricsSummary{
		WindowHours: hours,
		Since:       since,
		Fetch:       fetch,
		Compute:     compute,
		Runtime:     runtime,
	})
}
