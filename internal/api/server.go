package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"aegisflux/guardian/internal/consensus"
	"aegisflux/guardian/internal/guardian"
	"aegisflux/guardian/internal/metrics"
	"aegisflux/guardian/internal/validate"
	"aegisflux/guardian/internal/violation"
)

// maxBodyBytes bounds inbound request bodies
const maxBodyBytes = 1 << 20

// Guardian is the part of the guardian the API reads and reports into
type Guardian interface {
	violation.Sink
	Status() guardian.Status
	History() []violation.Event
}

// Consensus is the part of the consensus engine the API drives
type Consensus interface {
	RequestConsensus(ctx context.Context, req consensus.Request) (consensus.Result, error)
	History() *consensus.History
}

// ReadyCheck reports whether a dependency is usable
type ReadyCheck func(ctx context.Context) error

// Server is the guardian's HTTP surface
type Server struct {
	r         *chi.Mux
	guardian  Guardian
	consensus Consensus
	validator *validate.Validator
	gate      *Gate
	metrics   *metrics.Metrics
	checks    map[string]ReadyCheck
	logger    *slog.Logger
}

// NewServer builds the router. consensus may be nil when no participants are
// configured; the consensus routes then answer 503.
func NewServer(g Guardian, c Consensus, validator *validate.Validator, gate *Gate, m *metrics.Metrics, checks map[string]ReadyCheck, logger *slog.Logger) *Server {
	if gate == nil {
		gate = NewGate()
	}
	s := &Server{
		r:         chi.NewRouter(),
		guardian:  g,
		consensus: c,
		validator: validator,
		gate:      gate,
		metrics:   m,
		checks:    checks,
		logger:    logger.With("component", "api"),
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(s.requestLogger)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		s.r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/violations", s.handleListViolations)
		r.With(s.gate.Middleware).Post("/violations", s.handleReportViolation)

		r.With(s.gate.Middleware).Post("/consensus", s.handleRequestConsensus)
		r.Get("/consensus/rounds", s.handleListRounds)
		r.Get("/consensus/rounds/{round_id}", s.handleGetRound)
		r.Get("/consensus/stats", s.handleStats)
		r.Get("/consensus/export", s.handleExport)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler { return s.r }

// requestLogger logs each request through slog
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
