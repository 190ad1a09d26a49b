package server

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOption configures [NewRouter].
type RouterOption func(*routerConfig)

type routerConfig struct {
	middlewares []Middleware
	metrics     bool
	logger      *log.Logger
}

// WithMiddlewares adds middleware to the router, applied in the order given.
func WithMiddlewares(mw ...Middleware) RouterOption {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetrics mounts the prometheus handler at /metrics.
func WithMetrics(enabled bool) RouterOption {
	return func(cfg *routerConfig) { cfg.metrics = enabled }
}

func WithRouterLogger(l *log.Logger) RouterOption {
	return func(cfg *routerConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// NewRouter mounts the sync API and the health check.
func NewRouter(api *API, opts ...RouterOption) *chi.Mux {
	cfg := &routerConfig{metrics: true, logger: api.logger}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(cfg.logger))
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", api.Health)
	r.Get("/jobs/{id}", api.GetJob)
	r.Route("/profiles/{id}", func(r chi.Router) {
		r.Get("/jobs", api.ListJobs)
		r.Post("/sync", api.StartSync)
		r.Delete("/sync", api.CancelSync)
	})
	if cfg.metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// LoggingMiddleware logs each request at debug level.
func LoggingMiddleware(logger *log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
