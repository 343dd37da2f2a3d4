package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/configstore"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/telemetry/metrics"
)

// Deps are the collaborators behind the HTTP API. Repo, Cache and Metrics
// are optional.
type Deps struct {
	Evaluator   Evaluator
	Policy      *configstore.Store
	Repo        domain.Repository
	Cache       domain.Cache
	Metrics     *metrics.Collector
	MetricsPath string
	Version     string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, d Deps) *Server {
	handler := NewHandler(d)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(TracingMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(LoggingMiddleware)
	if d.Metrics != nil {
		router.Use(MetricsMiddleware(d.Metrics))
	}
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Method(http.MethodGet, path, d.Metrics.Handler())
	}

	// Adjudication
	router.Post("/claims/evaluate", handler.Evaluate)
	router.Get("/claims/{id}", handler.GetClaim)
	router.Get("/claims/{id}/audit", handler.ListClaimAudit)
	router.Get("/audit/{id}", handler.GetAuditEntry)

	// Policy administration
	router.Get("/snapshot", handler.GetSnapshot)
	router.Post("/policy/reload", handler.ReloadPolicy)

	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Get("/{id}", handler.GetRule)
		r.Put("/{id}", handler.UpdateRule)
		r.Delete("/{id}", handler.DeleteRule)
		r.Post("/{id}/toggle", handler.ToggleRule)
	})

	router.Route("/fraud-rules", func(r chi.Router) {
		r.Get("/", handler.ListFraudRules)
		r.Post("/", handler.CreateFraudRule)
		r.Get("/{id}", handler.GetFraudRule)
		r.Put("/{id}", handler.UpdateFraudRule)
		r.Delete("/{id}", handler.DeleteFraudRule)
		r.Post("/{id}/toggle", handler.ToggleFraudRule)
	})

	router.Route("/risk-parameters", func(r chi.Router) {
		r.Get("/", handler.ListRiskParameters)
		r.Put("/", handler.ReplaceRiskParameters)
		r.Post("/{id}/toggle", handler.ToggleRiskParameter)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
