package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marketday/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	metrics     http.Handler
	metricsPath string

	orderItems RouteRegistrar
	listings   RouteRegistrar
	cart       RouteRegistrar
	webhooks   RouteRegistrar
	internal   RouteRegistrar

	webhookMiddlewares  []func(http.Handler) http.Handler
	internalMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// routeGroup is one prefix under the API root together with the middleware only that prefix uses.
type routeGroup struct {
	name       string
	prefix     string
	registrar  RouteRegistrar
	middleware []func(http.Handler) http.Handler
}

func (g routeGroup) mount(api chi.Router) {
	api.Route(g.prefix, func(group chi.Router) {
		useAll(group, g.middleware)
		if g.registrar == nil {
			stubGroup(group, g.name)
			return
		}
		g.registrar(group)
	})
}

// NewRouter builds the chi router: health probes and metrics at the root, API groups under /api/v1.
// Groups without a registrar answer 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{basePath: defaultAPIPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(defaultTimeout))
	useAll(r, cfg.middlewares)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		msg := fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path)
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", msg, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, cfg.metricsPath, cfg.metrics)
	}

	groups := []routeGroup{
		{name: "orderItems", prefix: "/order-items", registrar: cfg.orderItems},
		{name: "listings", prefix: "/listings", registrar: cfg.listings},
		{name: "webhooks", prefix: "/webhooks", registrar: cfg.webhooks, middleware: cfg.webhookMiddlewares},
		{name: "internal", prefix: "/internal", registrar: cfg.internal, middleware: cfg.internalMiddlewares},
	}
	r.Route(cfg.basePath, func(api chi.Router) {
		for _, g := range groups {
			g.mount(api)
		}
		if cfg.cart != nil {
			api.Group(cfg.cart)
		} else {
			api.HandleFunc("/cart:validate", notImplemented("cart"))
		}
	})

	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithMetricsHandler exposes the Prometheus scrape handler at path, outside the API prefix.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(cfg *routerConfig) {
		if path == "" {
			path = "/metrics"
		}
		cfg.metricsPath = path
		cfg.metrics = h
	}
}

// WithOrderItemRoutes configures the registrar responsible for order item lifecycle endpoints.
func WithOrderItemRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.orderItems = reg
	}
}

// WithListingRoutes configures the registrar responsible for listing endpoints.
func WithListingRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.listings = reg
	}
}

// WithCartRoutes configures the registrar for cart endpoints. It registers against the API root
// because the cart actions are colon-suffixed (/cart:validate).
func WithCartRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.cart = reg
	}
}

// WithWebhookRoutes configures the registrar responsible for webhook endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks = reg
	}
}

// WithWebhookMiddlewares configures middlewares applied to the /webhooks group.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.webhookMiddlewares = append(cfg.webhookMiddlewares, mw...)
	}
}

// WithInternalRoutes configures the registrar responsible for internal endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal = reg
	}
}

// WithInternalMiddlewares configures middlewares applied to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internalMiddlewares = append(cfg.internalMiddlewares, mw...)
	}
}

func useAll(r chi.Router, mws []func(http.Handler) http.Handler) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func stubGroup(r chi.Router, name string) {
	handler := notImplemented(name)
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}

func notImplemented(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
}
