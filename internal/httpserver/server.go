package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyCheck is a named readiness probe. Server.handleReadyz runs every
// registered check and reports failures without aborting the others, so one
// degraded dependency doesn't hide the status of the rest.
type ReadyCheck struct {
	Name  string
	Check func(r *http.Request) error
}

// ServerConfig holds the parameters NewServer needs, decoupled from any
// service-specific configuration struct.
type ServerConfig struct {
	CORSAllowedOrigins []string
	ReadyChecks        []ReadyCheck
}

// Server holds the HTTP server dependencies shared by every mounted
// subsystem: forwarding proxy routes and operational endpoints.
type Server struct {
	Router      *chi.Mux
	Logger      *slog.Logger
	Metrics     *prometheus.Registry
	readyChecks []ReadyCheck
	startedAt   time.Time
}

// NewServer creates an HTTP server with the ambient middleware chain and
// health/ready/metrics endpoints mounted. Domain routes (the forwarder) are
// mounted on Router by the caller after NewServer returns.
func NewServer(cfg ServerConfig, logger *slog.Logger, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Logger:      logger,
		Metrics:     metricsReg,
		readyChecks: cfg.ReadyChecks,
		startedAt:   time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Api-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	var checks []checkResult
	allOK := true

	for _, rc := range s.readyChecks {
		if err := rc.Check(r); err != nil {
			s.Logger.Error("readiness check failed", "check", rc.Name, "error", err)
			checks = append(checks, checkResult{Name: rc.Name, Status: "fail", Error: err.Error()})
			allOK = false
			continue
		}
		checks = append(checks, checkResult{Name: rc.Name, Status: "ok"})
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	}

	Respond(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}
