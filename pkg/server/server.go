// Package server is the HTTP boundary: turn submission (streaming and
// synchronous), cancellation, feedback, health, and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meridianhq/meridian/pkg/confidence"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/orchestrator"
	"github.com/meridianhq/meridian/pkg/store"
	"github.com/meridianhq/meridian/pkg/stream"
)

// Pipeline is the orchestrator surface the boundary drives.
type Pipeline interface {
	StartTurn(ctx context.Context, req orchestrator.Request) (*orchestrator.TurnHandle, error)
	Cancel(queryID string) bool
	Subscribe(queryID string, afterSeq uint64) (*stream.Subscription, error)
}

// Server serves the HTTP API.
type Server struct {
	cfg        *config.ServerConfig
	pipe       Pipeline
	store      *store.Store
	calibrator *confidence.Calibrator

	router chi.Router
	http   *http.Server
}

// New builds a server over its collaborators. calibrator may be nil;
// feedback is then persisted without feeding calibration.
func New(cfg *config.ServerConfig, pipe Pipeline, st *store.Store, calibrator *confidence.Calibrator) *Server {
	s := &Server{
		cfg:        cfg,
		pipe:       pipe,
		store:      st,
		calibrator: calibrator,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/v1/turns", s.handleTurn)
	r.Post("/v1/turns/sync", s.handleTurnSync)
	r.Get("/v1/queries/{queryID}/events", s.handleEvents)
	r.Post("/v1/queries/{queryID}/cancel", s.handleCancel)
	r.Post("/v1/feedback", s.handleFeedback)
	r.Get("/healthz", s.handleHealth)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", observability.Handler())
	}

	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens and serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Server listening", "address", s.cfg.Address())
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	grace := time.Duration(s.cfg.ShutdownGraceMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// requestLogger logs completed requests with status and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
