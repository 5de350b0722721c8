package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/celoptima/backend/internal/platform/httpx"
)

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	status      *StatusHandlers
	events      *EventHandlers
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultTimeout    = 30 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter constructs the chi router with shared middleware.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}
	if cfg.status == nil {
		cfg.status = NewStatusHandlers(nil, "")
	}
	if cfg.events == nil {
		cfg.events = NewEventHandlers(nil)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	r.Get("/status/handles", cfg.status.Handles)
	r.Post("/events", cfg.events.Log)

	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithStatusHandlers sets the /status/handles handler.
func WithStatusHandlers(h *StatusHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.status = h
	}
}

// WithEventHandlers sets the /events handler.
func WithEventHandlers(h *EventHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.events = h
	}
}
