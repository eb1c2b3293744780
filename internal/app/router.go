package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rl1809/stock-billing/internal/adapter/handler"
	"github.com/rl1809/stock-billing/internal/observability"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	API     *handler.HTTPHandler
	Metrics *observability.Metrics
}

// NewRouter constructs the chi router with the middleware stack, health and
// metrics endpoints and the JSON API under /api.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/health", params.API.HealthCheck)
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	r.Route("/api", params.API.Routes)
	return r
}
