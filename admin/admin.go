// Package admin serves a worker's HTTP admin API: status, registered streams
// and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mulgadc/shufflefetch/quic/quicserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker is the part of the shuffle worker the admin API reports on.
type Worker interface {
	ID() string
	Streams() []quicserver.StreamInfo
}

// Server is the admin HTTP server.
type Server struct {
	worker   Worker
	gatherer prometheus.Gatherer
	router   chi.Router
	server   *http.Server
	started  time.Time
}

// New returns an admin server for w exposing the metrics of gatherer.
func New(w Worker, gatherer prometheus.Gatherer, logRequests bool) *Server {
	s := &Server{
		worker:   w,
		gatherer: gatherer,
		router:   chi.NewRouter(),
		started:  time.Now(),
	}
	s.setupRoutes(logRequests)
	return s
}

func (s *Server) setupRoutes(logRequests bool) {
	r := s.router

	if logRequests {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Get("/status", s.status)
	r.Get("/streams", s.streams)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"id":       s.worker.ID(),
		"node":     host,
		"streams":  len(s.worker.Streams()),
		"uptime_s": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) streams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.worker.Streams())
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: write response", "error", err)
	}
}

// ListenAndServe serves plain HTTP on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.init(addr)
	slog.Info("Admin server listening", "addr", addr)
	return s.server.ListenAndServe()
}

func (s *Server) init(addr string) {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ListenAndServeAsync starts the server in a goroutine
func (s *Server) ListenAndServeAsync(addr string) {
	s.init(addr)
	slog.Info("Admin server listening", "addr", addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Admin server error", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// GetHandler returns the HTTP handler for testing with httptest
func (s *Server) GetHandler() http.Handler {
	return s.router
}
