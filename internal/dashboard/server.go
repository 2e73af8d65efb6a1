// Package dashboard serves the embedded HTTP health surface: liveness
// for the container runtime, a JSON status snapshot, and Prometheus
// metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jspahr/openrange/internal/orchestrator"
)

// StatusFunc supplies the current orchestrator snapshot.
type StatusFunc func() orchestrator.Status

// Server is the embedded HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	status StatusFunc
	logger *logrus.Logger
	port   int
}

// NewServer builds the server on the given port. A port of 0 means the
// caller should not start it.
func NewServer(port int, status StatusFunc, logger *logrus.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		status: status,
		logger: logger,
		port:   port,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/", s.handleIndex)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleAPIHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	return s
}

// Start begins serving and blocks until the listener fails or Stop runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("port", s.port).Info("dashboard listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	st := s.status()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>openrange</title></head><body>
<h1>openrange</h1>
<p>phase: %s</p>
<p>open positions: %d</p>
<p>closed today: %d</p>
<p>signals today: %d</p>
<p>uptime: %ds</p>
</body></html>`, st.Phase, st.OpenPositions, st.ClosedToday, st.SignalsToday, st.UptimeSeconds)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type apiHealth struct {
	Status  string              `json:"status"`
	Phase   string              `json:"phase"`
	Running bool                `json:"running"`
	UptimeS int64               `json:"uptime_s"`
	Metrics orchestrator.Status `json:"metrics"`
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.status()
	resp := apiHealth{
		Status:  "ok",
		Phase:   string(st.Phase),
		Running: st.Running,
		UptimeS: st.UptimeSeconds,
		Metrics: st,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Warn("health encode failed")
	}
}
