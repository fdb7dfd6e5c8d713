// Package api serves the operational HTTP surface: liveness, a JSON stats
// snapshot, and Prometheus metrics. Not a dashboard: no assets, no
// streaming, no state of its own.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketfeed/internal/config"
)

// StatsProvider is implemented by the engine: the stats document served on
// /stats and the overall health state reported on /healthz.
type StatsProvider interface {
	StatsJSON() ([]byte, error)
	Health() string
}

// Server is the ops HTTP server.
type Server struct {
	cfg      config.APIConfig
	provider StatsProvider
	mux      *http.ServeMux
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the three ops routes.
func NewServer(cfg config.APIConfig, provider StatsProvider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "api"),
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("ops server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping ops server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleHealthz is the liveness probe. It always answers 200; the body
// carries the monitor's overall state for humans hitting it by hand.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": s.provider.Health()})
}

// handleStats serves the orchestrator's stats snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body, err := s.provider.StatsJSON()
	if err != nil {
		s.logger.Error("stats snapshot failed", "error", err)
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
