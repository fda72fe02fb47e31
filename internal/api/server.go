// Package api exposes the local status surface: health, node status and
// metrics. It binds to loopback; nothing here is meant for other nodes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is a point-in-time snapshot of the node for operators.
type Status struct {
	SoumaID    string   `json:"souma_id"`
	Personas   []string `json:"personas"`
	PendingKey int      `json:"pending_key_envelopes"`
	StartedAt  string   `json:"started_at"`
}

// StatusSource produces the current snapshot.
type StatusSource interface {
	Status(ctx context.Context) (Status, error)
}

type Server struct {
	log    *slog.Logger
	source StatusSource
	server *http.Server
}

func NewServer(log *slog.Logger, addr string, source StatusSource, gatherer prometheus.Gatherer) *Server {
	s := &Server{log: log, source: source}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info("status server listening", "addr", s.server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.source.Status(r.Context())
	if err != nil {
		s.log.Warn("status snapshot failed", "error", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
