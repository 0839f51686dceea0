// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

// Package metrics provides Prometheus instrumentation for the realtime
// gateway: connection lifecycle, command processing, event fan-out and the
// HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection lifecycle

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Current number of registered WebSocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_connections_total",
			Help: "Total number of connections registered since start",
		},
	)

	DisconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_disconnects_total",
			Help: "Total number of connections removed since start",
		},
	)

	// Command processing

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_commands_total",
			Help: "Total number of client commands processed",
		},
		[]string{"command", "outcome"}, // outcome: "ok", "rejected", "malformed"
	)

	// Event delivery

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Total number of events handed off to connection send queues",
		},
		[]string{"scope"}, // "channel", "room", "user", "global"
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Total number of events dropped instead of delivered",
		},
		[]string{"reason"}, // "slow_consumer", "no_recipients", "closed"
	)

	FanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_fanout_duration_seconds",
			Help:    "Time spent resolving and enqueueing one publish call",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
		},
	)

	// Membership

	ChannelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_channels_active",
			Help: "Current number of channels with at least one subscriber",
		},
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_rooms_active",
			Help: "Current number of rooms with at least one member",
		},
	)

	// HTTP surface

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordCommand increments the commands counter.
func RecordCommand(command, outcome string) {
	CommandsTotal.WithLabelValues(command, outcome).Inc()
}

// RecordDelivery adds n handed-off events for the given scope.
func RecordDelivery(scope string, n int) {
	if n > 0 {
		EventsDelivered.WithLabelValues(scope).Add(float64(n))
	}
}

// RecordDrop increments the dropped-events counter.
func RecordDrop(reason string) {
	EventsDropped.WithLabelValues(reason).Inc()
}

// ObserveFanout records the duration of a single publish call.
func ObserveFanout(start time.Time) {
	FanoutDuration.Observe(time.Since(start).Seconds())
}

// RecordAPIRequest tracks one HTTP request with its response code and latency.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
