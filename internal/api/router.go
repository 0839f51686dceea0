// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avelinehq/storefront-realtime/internal/config"
	"github.com/avelinehq/storefront-realtime/internal/realtime"
)

// Router wires handlers and middleware into the HTTP surface.
type Router struct {
	handler    *Handler
	middleware *Middleware
}

// NewRouter creates a router for the given gateway.
func NewRouter(cfg *config.Config, gateway *realtime.Gateway) *Router {
	mwConfig := DefaultMiddlewareConfig()
	if cfg != nil {
		mwConfig = &MiddlewareConfig{
			CORSAllowedOrigins: cfg.Security.CORSOrigins,
			RateLimitRequests:  cfg.Security.RateLimitReqs,
			RateLimitWindow:    cfg.Security.RateLimitWindow,
			RateLimitDisabled:  cfg.Security.RateLimitDisabled,
		}
	}

	return &Router{
		handler:    NewHandler(cfg, gateway),
		middleware: NewMiddleware(mwConfig),
	}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.middleware.CORS()) // CORS must be global to handle OPTIONS preflight

	// The websocket endpoint is rate limited on upgrade attempts only. It
	// skips the metrics middleware: wrapping the ResponseWriter would hide
	// the http.Hijacker the upgrade needs.
	r.With(router.middleware.RateLimitWebSocket()).Get("/ws", router.handler.WebSocket)

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.middleware.RateLimitHealth())
		r.Get("/", router.handler.Health)
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Route("/api/v1/realtime", func(r chi.Router) {
		r.Use(router.middleware.RateLimit())
		r.Use(PrometheusMetrics)
		r.Get("/status", router.handler.RealtimeStatus)
		r.Post("/publish", router.handler.Publish)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
