// Package http wires the service's HTTP surface: the public validation
// endpoint, the authenticated lifecycle API, the websocket watch feed and
// the operational endpoints.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rogkeys/internal/auth"
	"rogkeys/internal/license"
	"rogkeys/internal/store"
)

// RouterConfig carries everything the router needs.
type RouterConfig struct {
	Validator *license.Validator
	Manager   *license.Manager
	Store     store.KeyStore
	Verifier  auth.Verifier
	Logger    *slog.Logger

	APISecret string
	RateRPS   float64
	RateBurst int
}

// NewRouter builds the chi router with the full middleware stack.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(Recoverer(cfg.Logger))
	r.Use(render.SetContentType(render.ContentTypeJSON))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", "x-api-secret"},
		MaxAge:         300,
	}))

	validateHandler := NewValidateHandler(cfg.Validator, cfg.APISecret, cfg.Logger)
	limiter := NewRateLimiter(cfg.RateRPS, cfg.RateBurst)

	r.Group(func(r chi.Router) {
		r.Use(limiter.Handler)
		r.Post("/v1/validate", validateHandler.Handle)
		// Query-string form for clients that cannot POST a body.
		r.Get("/v1/validate", validateHandler.Handle)
	})

	r.Group(func(r chi.Router) {
		r.Use(AdminAuth(cfg.Verifier, cfg.Logger))
		r.Mount("/v1/keys", NewAdminHandler(cfg.Manager, cfg.Logger).Routes())
		r.Get("/v1/watch", NewWatchHandler(cfg.Store, cfg.Logger).Handle)
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "healthy"})
	})

	return r
}
