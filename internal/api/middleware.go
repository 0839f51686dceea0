// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/avelinehq/storefront-realtime/internal/metrics"
)

// MiddlewareConfig holds configuration for the middleware factories.
type MiddlewareConfig struct {
	CORSAllowedOrigins []string

	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitDisabled bool
}

// DefaultMiddlewareConfig returns permissive defaults suitable for tests and
// local development.
func DefaultMiddlewareConfig() *MiddlewareConfig {
	return &MiddlewareConfig{
		CORSAllowedOrigins: []string{"*"},
		RateLimitRequests:  100,
		RateLimitWindow:    time.Minute,
	}
}

// Middleware provides chi-compatible middleware factories built on the
// production-hardened go-chi ecosystem implementations.
type Middleware struct {
	config *MiddlewareConfig
	cors   func(http.Handler) http.Handler
}

// NewMiddleware creates a middleware factory with the given configuration.
func NewMiddleware(config *MiddlewareConfig) *Middleware {
	if config == nil {
		config = DefaultMiddlewareConfig()
	}

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: config.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	})

	return &Middleware{
		config: config,
		cors:   corsHandler,
	}
}

// CORS returns the go-chi/cors middleware. Global so OPTIONS preflight is
// handled on every route.
func (m *Middleware) CORS() func(http.Handler) http.Handler {
	return m.cors
}

// RateLimit returns an IP-keyed rate limiter using go-chi/httprate.
func (m *Middleware) RateLimit() func(http.Handler) http.Handler {
	return m.rateLimit(m.config.RateLimitRequests, m.config.RateLimitWindow)
}

// RateLimitHealth is permissive rate limiting for health endpoints so
// monitoring tools can poll frequently.
func (m *Middleware) RateLimitHealth() func(http.Handler) http.Handler {
	return m.rateLimit(1000, time.Minute)
}

// RateLimitWebSocket limits the rate of upgrade attempts, not established
// connections.
func (m *Middleware) RateLimitWebSocket() func(http.Handler) http.Handler {
	return m.rateLimit(30, time.Minute)
}

func (m *Middleware) rateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	if m.config.RateLimitDisabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return httprate.Limit(requests, window, httprate.WithKeyFuncs(httprate.KeyByIP))
}

// PrometheusMetrics records request counts and latency per endpoint. The
// route pattern is not used as the label because this API's paths are static
// and unparameterized.
func PrometheusMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(ww, r)

		metrics.RecordAPIRequest(r.Method, r.URL.Path, ww.statusCode, time.Since(start))
	})
}

// statusResponseWriter wraps http.ResponseWriter to capture the status code.
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
