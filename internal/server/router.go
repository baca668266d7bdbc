package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloo-solutions/kbagent/internal/api"
	"github.com/cloo-solutions/kbagent/internal/api/handlers"
	"github.com/cloo-solutions/kbagent/internal/api/middleware"
	"github.com/cloo-solutions/kbagent/internal/metrics"
)

// Pinger is a dependency reported by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterConfig struct {
	AuthValidator    middleware.AuthValidator
	KnowledgeHandler *handlers.KnowledgeHandler
	AgentHandler     *handlers.AgentHandler
	TenantHandler    *handlers.TenantHandler
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	// Gatherer backs /metrics; the route is omitted when nil.
	Gatherer prometheus.Gatherer
	// HealthChecks are pinged by /health, keyed by component name.
	HealthChecks map[string]Pinger
	MaxBodyBytes int64
}

const (
	defaultMaxBodyBytes int64 = 5 * 1024 * 1024
	healthTimeout             = 2 * time.Second
)

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.MaxBodyBytes(maxBody))

	r.Get("/health", healthHandler(cfg.HealthChecks))
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.AuthValidator))

		r.Get("/tenant", cfg.TenantHandler.Current)

		r.Route("/knowledge", func(r chi.Router) {
			r.Post("/chunks", cfg.KnowledgeHandler.Upsert)
			r.Get("/chunks", cfg.KnowledgeHandler.List)
			r.Get("/chunks/{id}", cfg.KnowledgeHandler.Get)
			r.Post("/documents", cfg.KnowledgeHandler.Ingest)
			r.Post("/search", cfg.KnowledgeHandler.Search)
			r.Post("/archive", cfg.KnowledgeHandler.Archive)
			r.Post("/delete", cfg.KnowledgeHandler.Delete)
			r.Post("/reindex", cfg.KnowledgeHandler.Reindex)
			r.Post("/export", cfg.KnowledgeHandler.Export)
		})

		r.Post("/agent/answer", cfg.AgentHandler.Answer)
	})

	return r
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// healthHandler reports 503 when any dependency fails its ping.
func healthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		if len(checks) > 0 {
			resp.Components = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				resp.Components[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Components[name] = "ok"
		}

		api.Success(w, status, resp)
	}
}
