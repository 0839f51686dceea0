// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/avelinehq/storefront-realtime/internal/config"
	"github.com/avelinehq/storefront-realtime/internal/logging"
	"github.com/avelinehq/storefront-realtime/internal/realtime"
	"github.com/avelinehq/storefront-realtime/internal/validation"
)

// Handler holds the dependencies of the HTTP surface.
type Handler struct {
	config    *config.Config
	gateway   *realtime.Gateway
	startTime time.Time
}

// NewHandler creates a handler backed by the given gateway.
func NewHandler(cfg *config.Config, gateway *realtime.Gateway) *Handler {
	return &Handler{
		config:    cfg,
		gateway:   gateway,
		startTime: time.Now(),
	}
}

// getUpgrader creates a WebSocket upgrader with origin checking and a
// handshake timeout against slow-client attacks.
func (h *Handler) getUpgrader() websocket.Upgrader {
	timeout := 10 * time.Second
	if h.config != nil && h.config.Realtime.HandshakeTimeout > 0 {
		timeout = h.config.Realtime.HandshakeTimeout
	}
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: timeout,
	}
}

// checkWebSocketOrigin validates WebSocket connection origins against the
// configured CORS origins. Requests without an Origin header are allowed:
// they come from non-browser clients (mobile apps, scripts) that CORS does
// not protect anyway.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	// No config means tests/development; fail open.
	if h.config == nil {
		return true
	}

	for _, allowed := range h.config.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

// WebSocket upgrades the connection and hands it to the realtime gateway.
// The client starts anonymous and must authenticate before using any
// command other than ping.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logging.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := h.gateway.NewClient(conn)
	client.Start()
}

// Health returns overall health: process uptime plus the gateway snapshot.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.gateway.Status()

	state := "healthy"
	if !status.Initialized {
		state = "degraded"
	}

	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"status":      state,
		"uptime":      time.Since(h.startTime).Seconds(),
		"connections": status.Connections,
	})
}

// HealthLive is the liveness probe: 200 whenever the process is up.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady is the readiness probe: 200 only while the gateway accepts
// connections, 503 after shutdown begins so load balancers drain first.
func (h *Handler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	if !h.gateway.Status().Initialized {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Gateway is not accepting connections", nil)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{"ready": true})
}

// RealtimeStatus returns the gateway's connection and membership counts.
func (h *Handler) RealtimeStatus(w http.ResponseWriter, _ *http.Request) {
	respondSuccess(w, http.StatusOK, h.gateway.Status())
}

// PublishRequest is the body of POST /api/v1/realtime/publish. Scope picks
// the delivery group; target names it (required for all scopes but global).
type PublishRequest struct {
	Scope  string         `json:"scope" validate:"required,oneof=channel room user global"`
	Target string         `json:"target"`
	Event  realtime.Event `json:"event"`
}

// PublishResponse reports how many connections the event was handed to.
type PublishResponse struct {
	Recipients int `json:"recipients"`
}

// Publish lets server-side systems push an event to connected clients over
// plain HTTP, without going through NATS.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body", err)
		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), nil)
		return
	}
	if req.Event.Type == "" {
		respondError(w, http.StatusBadRequest, ErrCodeValidationFailed, "event.type is required", nil)
		return
	}

	scope, ok := h.resolveScope(req.Scope, req.Target)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeValidationFailed, "target is required and must be a valid group name", nil)
		return
	}

	recipients := h.gateway.Publish(req.Event.Normalize(), scope)
	logging.Debug().
		Str("scope", req.Scope).
		Str("target", req.Target).
		Int("recipients", recipients).
		Msg("event published via HTTP")

	respondSuccess(w, http.StatusOK, PublishResponse{Recipients: recipients})
}

// resolveScope maps the request's scope/target pair onto a gateway Scope.
func (h *Handler) resolveScope(scope, target string) (realtime.Scope, bool) {
	switch scope {
	case "channel":
		if !validation.ValidGroupName(target) {
			return realtime.Scope{}, false
		}
		return realtime.ScopeToChannel(target), true
	case "room":
		if !validation.ValidGroupName(target) {
			return realtime.Scope{}, false
		}
		return realtime.ScopeToRoom(target), true
	case "user":
		if target == "" {
			return realtime.Scope{}, false
		}
		return realtime.ScopeToUser(target), true
	case "global":
		return realtime.ScopeGlobal(), true
	default:
		return realtime.Scope{}, false
	}
}
