// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

// Package main is the entry point for the storefront realtime gateway.
//
// The gateway terminates WebSocket connections from storefront clients and
// fans server-side events out to them in real time: order status changes,
// stock and price updates, cart synchronization across a user's devices,
// and storewide announcements.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: Load settings from environment variables and config files (Koanf v2)
//  2. Logging: Initialize zerolog with the configured level and format
//  3. Gateway: Create the connection registry and pub-sub hub
//  4. NATS bridge (optional): Forward broker events into the hub
//  5. HTTP Server: WebSocket endpoint, health/status API, Prometheus metrics
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (SERVER_*, SECURITY_*, REALTIME_*, NATS_*, LOG_*)
//   - Config file (config.yaml, or the path in CONFIG_PATH)
//   - Built-in defaults
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections and drains in-flight HTTP requests
//   - Sends close frames to connected WebSocket clients
//   - Stops the NATS bridge if enabled
//
// # Example Usage
//
// Local development, any origin allowed:
//
//	./storefront-realtime
//
// Production with pinned origins and NATS event source:
//
//	export SECURITY_CORS_ORIGINS=https://shop.example.com
//	export NATS_ENABLED=true
//	export NATS_URL=nats://nats:4222
//	./storefront-realtime
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avelinehq/storefront-realtime/internal/api"
	"github.com/avelinehq/storefront-realtime/internal/config"
	"github.com/avelinehq/storefront-realtime/internal/logging"
	"github.com/avelinehq/storefront-realtime/internal/realtime"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Msg("Starting storefront realtime gateway")

	gateway := realtime.NewGateway(realtime.Options{
		SendBuffer:     cfg.Realtime.SendBuffer,
		WriteWait:      cfg.Realtime.WriteWait,
		PongWait:       cfg.Realtime.PongWait,
		PingPeriod:     cfg.Realtime.PingPeriod,
		MaxMessageSize: cfg.Realtime.MaxMessageSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional NATS bridge: server-side systems publish to
	// "<prefix>.<channel>" and the bridge forwards into the hub.
	var bridge *realtime.EventBridge
	if cfg.NATS.Enabled {
		source, err := realtime.DialNATS(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			logging.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer func() {
			if err := source.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing NATS connection")
			}
		}()

		bridge = realtime.NewEventBridge(gateway, source, cfg.NATS.SubjectPrefix)
		if err := bridge.Start(ctx); err != nil {
			logging.Fatal().Err(err).Msg("Failed to start event bridge")
		}
		logging.Info().Str("subject_prefix", cfg.NATS.SubjectPrefix).Msg("NATS event bridge started")
	}

	router := api.NewRouter(cfg, gateway)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		serverErr <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("HTTP server failed")
		}
	}

	// Drain HTTP first so load balancers stop routing here, then close the
	// websocket sessions and the broker bridge.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown error")
	}

	gateway.Shutdown()
	if bridge != nil {
		bridge.Stop()
	}
	cancel()

	logging.Info().Msg("Application stopped gracefully")
}
