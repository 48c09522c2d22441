package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xenophobed/isa-mcp/internal/version"
)

// ComponentCheck probes one dependency for the health endpoint.
type ComponentCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server is the admin HTTP surface shared by the browser portal and
// operators.
type Server struct {
	Router  *chi.Mux
	Logger  *slog.Logger
	Metrics *prometheus.Registry

	checks    []ComponentCheck
	startedAt time.Time
	draining  atomic.Bool
}

// Config for NewServer.
type Config struct {
	CORSAllowedOrigins []string
	MetricsPath        string
}

// NewServer creates the admin server with middleware, health, and metrics
// endpoints. Admin handlers are mounted by the caller on Router.
func NewServer(cfg Config, logger *slog.Logger, metricsReg *prometheus.Registry, checks []ComponentCheck) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Metrics:   metricsReg,
		checks:    checks,
		startedAt: time.Now(),
	}

	// Global middleware
	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-Claims", "X-Claims-Subject"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.Router.Use(Claims)

	// Health endpoint (unauthenticated)
	s.Router.Get("/health", s.handleHealth)

	// Prometheus metrics (unauthenticated)
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s.Router.Handle(metricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// SetDraining flips the health endpoint to unhealthy during shutdown so the
// fleet stops routing before the listener closes.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

type healthResponse struct {
	Status        string            `json:"status"` // ok | degraded | unhealthy
	Version       string            `json:"version"`
	Commit        string            `json:"commit_sha"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Details       map[string]string `json:"details"`
}

// handleHealth reports liveness plus per-dependency readiness. Dependency
// failures degrade the status; only draining makes it unhealthy, because
// every dependency has a serving fallback.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:        "ok",
		Version:       version.Version,
		Commit:        version.Commit,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Details:       make(map[string]string, len(s.checks)),
	}

	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			resp.Details[check.Name] = err.Error()
			resp.Status = "degraded"
		} else {
			resp.Details[check.Name] = "ok"
		}
	}

	status := http.StatusOK
	if s.draining.Load() {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	Respond(w, status, resp)
}
