package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/middleware"
	"github.com/cartridge/learner/internal/pipeline"
	"github.com/cartridge/learner/internal/protocol"
	"github.com/cartridge/learner/internal/storage"
	"github.com/cartridge/learner/internal/trainer"
)

// Learner is the read-only view of a running learner the admin API serves.
type Learner interface {
	Ready() bool
	ReplayStats(ctx context.Context) ([]*storage.Stats, error)
	PipelineStats() pipeline.IngestStats
	TrainingStats() trainer.GroupStats
	LatestCheckpoint(ctx context.Context) (checkpoint.Record, error)
	Sessions() []protocol.Client
}

// Server wires admin HTTP handlers to a learner.
type Server struct {
	learner Learner
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewServer constructs a Server instance.
func NewServer(learner Learner, collector *metrics.Collector, logger zerolog.Logger) *Server {
	return &Server{
		learner: learner,
		metrics: collector,
		logger:  logger.With().Str("component", "http").Logger(),
	}
}

// Routes builds the admin router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Metrics(s.metrics))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/replay/stats", s.handleReplayStats)
		r.Get("/pipeline/stats", s.handlePipelineStats)
		r.Get("/training/stats", s.handleTrainingStats)
		r.Get("/checkpoints/latest", s.handleLatestCheckpoint)
		r.Get("/sessions", s.handleSessions)
	})
	return r
}

// NewHTTPServer wraps Routes in an http.Server with the usual timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.learner.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "filling"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleReplayStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.learner.ReplayStats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stores": stats})
}

func (s *Server) handlePipelineStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.learner.PipelineStats())
}

func (s *Server) handleTrainingStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.learner.TrainingStats())
}

type checkpointView struct {
	Version    uint64         `json:"version"`
	Step       int64          `json:"step"`
	Loss       float64        `json:"loss"`
	CreatedAt  time.Time      `json:"created_at"`
	Parameters map[string]int `json:"parameters"`
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	rec, err := s.learner.LatestCheckpoint(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	view := checkpointView{
		Version:    rec.Version,
		Step:       rec.Step,
		Loss:       rec.Loss,
		CreatedAt:  rec.CreatedAt,
		Parameters: make(map[string]int, len(rec.Parameters)),
	}
	for name, values := range rec.Parameters {
		view.Parameters[name] = len(values)
	}
	s.writeJSON(w, http.StatusOK, view)
}

type sessionView struct {
	ID         string `json:"id"`
	EnvID      int32  `json:"env_id"`
	RemoteAddr string `json:"remote_addr"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	clients := s.learner.Sessions()
	out := make([]sessionView, len(clients))
	for i, c := range clients {
		out[i] = sessionView{ID: c.ID, EnvID: c.EnvID, RemoteAddr: c.RemoteAddr}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrCorruptRecord):
		s.writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
