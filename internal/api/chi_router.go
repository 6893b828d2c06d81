// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/praesentia/praesentia/internal/auth"
	"github.com/praesentia/praesentia/internal/config"
	"github.com/praesentia/praesentia/internal/middleware"
)

// Router assembles the HTTP surface from the handler set, the chi
// middleware factory, and the authenticator.
type Router struct {
	handler *Handler
	chiMW   *ChiMiddleware
	authn   *auth.Authenticator
}

// NewRouter wires the router.
func NewRouter(handler *Handler, authn *auth.Authenticator, cfg *config.Config) *Router {
	return &Router{
		handler: handler,
		chiMW:   NewChiMiddleware(&cfg.Security),
		authn:   authn,
	}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order. CORS must be
	// global so OPTIONS preflight requests are answered.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMW.CORS())

	// Health endpoints: unauthenticated, permissively rate limited so
	// monitoring probes never starve.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.chiMW.RateLimitCustom(RateLimitHealth))
		r.Use(APISecurityHeaders())
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	// Data endpoints: everything here requires authentication.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chiMW.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(middleware.PrometheusMetrics)
		r.Use(router.authn.Middleware)

		r.Post("/locations", router.handler.SubmitLocation)

		r.Get("/events", router.handler.ListEvents)
		r.Get("/traces", router.handler.ListTraces)

		r.Get("/geofences", router.handler.ListGeofences)
		r.Get("/geofences/{id}", router.handler.GetGeofence)

		// Geofence mutations carry their own tighter write limit on top
		// of the group limit.
		r.With(router.chiMW.RateLimitCustom(RateLimitWrite)).Post("/geofences", router.handler.CreateGeofence)
		r.With(router.chiMW.RateLimitCustom(RateLimitWrite)).Put("/geofences/{id}", router.handler.UpdateGeofence)
		r.With(router.chiMW.RateLimitCustom(RateLimitWrite)).Post("/geofences/{id}/deactivate", router.handler.DeactivateGeofence)

		r.With(router.chiMW.RateLimitCustom(RateLimitWebSocket)).Get("/ws", router.handler.WebSocket)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", promhttp.Handler())

	return r
}
