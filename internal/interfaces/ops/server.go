// Package ops serves the operator surface over HTTP: health, Prometheus
// metrics, scheduler control, manual enrichment triggers, and per-symbol
// status and quality queries. It binds locally by default and speaks JSON
// on every route except /metrics.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/enrich"
	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/persistence"
	"github.com/candlekeep/candlekeep/internal/quality"
	"github.com/candlekeep/candlekeep/internal/scheduler"
)

// SchedulerControl is the scheduler surface the handlers drive.
type SchedulerControl interface {
	Status() scheduler.Status
	Pause()
	Resume()
	TriggerNow(f scheduler.Filter) (string, int, error)
	RunNow(ctx context.Context, f scheduler.Filter) (*scheduler.SweepResult, []*enrich.AssetResult, error)
}

// Pinger reports one dependency's reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the server settings.
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig binds locally; the ops surface is not meant for the
// public internet.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Deps wires the handler dependencies. Cache is optional; everything else
// is required.
type Deps struct {
	Scheduler SchedulerControl
	Repos     *persistence.Repositories
	Metrics   *metrics.Registry
	Validator *quality.Validator
	DB        Pinger
	Cache     Pinger
}

// Server is the ops HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	router *mux.Router
	server *http.Server
	log    zerolog.Logger
	now    func() time.Time
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
		log:    log.With().Str("component", "ops").Logger(),
		now:    time.Now,
	}
	s.routes()
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID)
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/scheduler/status", s.handleSchedulerStatus).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/scheduler/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/enrich", s.handleEnrich).Methods(http.MethodPost)
	api.HandleFunc("/status/{symbol}", s.handleSymbolStatus).Methods(http.MethodGet)
	api.HandleFunc("/quality/{symbol}", s.handleQuality).Methods(http.MethodGet)
	api.HandleFunc("/metrics/summary", s.handleMetricsSummary).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "no route for %s %s", r.Method, r.URL.Path)
	})
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Router exposes the handler tree; tests mount it on httptest servers.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.Addr()).Msg("ops server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("ops server shutting down")
	return s.server.Shutdown(ctx)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		id, _ := r.Context().Value(requestIDKey).(string)
		s.log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", s.now().Sub(start)).
			Str("remote", r.RemoteAddr).
			Msg("request served")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, format string, args ...any) {
	s.writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
