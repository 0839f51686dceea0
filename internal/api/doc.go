// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

// Package api provides the HTTP surface of the realtime gateway: the
// websocket upgrade endpoint, health and status endpoints, a server-side
// publish endpoint, and Prometheus metrics exposure. Routing uses chi with
// go-chi/cors and go-chi/httprate middleware.
package api
