// Package httpadapter serves the operational endpoints of a running ETL:
// liveness, readiness, run progress and Prometheus metrics.
package httpadapter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/snow-cover-etl/internal/domain"
)

// ProgressSource reports the state of the current run.
type ProgressSource interface {
	Progress() domain.RunProgress
}

// Orchestrator is what the server needs from the pipeline.
type Orchestrator interface {
	sharedobs.ReadinessChecker
	ProgressSource
}

// Server exposes /healthz, /readyz, /status and /metrics.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the routes for orch.
func NewServer(addr string, orch Orchestrator, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(orch))
	mux.HandleFunc("GET /status", handleStatus(orch))
	mux.Handle("GET /metrics", promhttp.Handler())

	s := &Server{logger: logger}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start listens until Shutdown, returning http.ErrServerClosed then.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains connections within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func handleStatus(src ProgressSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sharedobs.WriteJSON(w, http.StatusOK, src.Progress())
	}
}

// logRequests logs every request except metric scrapes at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
