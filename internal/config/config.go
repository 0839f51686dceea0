// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

// Package config loads and validates gateway configuration using Koanf v2
// with layered sources: built-in defaults, an optional YAML file, and
// environment variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/avelinehq/storefront-realtime/internal/validation"
)

// Config is the root configuration for the realtime gateway process.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Realtime RealtimeConfig `koanf:"realtime"`
	NATS     NATSConfig     `koanf:"nats"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`

	// ReadTimeout/WriteTimeout apply to the plain HTTP endpoints only;
	// upgraded WebSocket connections manage their own deadlines.
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// SecurityConfig holds the outward-facing knobs: allowed origins for both
// CORS and the WebSocket upgrade check, and rate limiting for the HTTP API.
type SecurityConfig struct {
	// CORSOrigins lists allowed origins. "*" allows any origin and is the
	// development default; production deployments should pin storefront hosts.
	CORSOrigins []string `koanf:"cors_origins"`

	RateLimitReqs     int           `koanf:"rate_limit_requests" validate:"min=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// RealtimeConfig tunes the gateway's per-connection transport behavior.
type RealtimeConfig struct {
	// SendBuffer is the per-connection outbound queue length. A connection
	// whose queue is full has further events dropped rather than blocking
	// delivery to other recipients.
	SendBuffer int `koanf:"send_buffer" validate:"min=1"`

	WriteWait        time.Duration `koanf:"write_wait"`
	PongWait         time.Duration `koanf:"pong_wait"`
	PingPeriod       time.Duration `koanf:"ping_period"`
	MaxMessageSize   int64         `koanf:"max_message_size" validate:"min=1"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// NATSConfig configures the optional NATS event source bridge.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`

	// SubjectPrefix is the root of the subject tree the bridge subscribes
	// to. A message on "<prefix>.orders" is published to channel "orders".
	SubjectPrefix string `koanf:"subject_prefix"`

	// Name identifies this client on the NATS server.
	Name string `koanf:"name"`
}

// LoggingConfig mirrors internal/logging.Config for koanf loading.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			CORSOrigins:       []string{"*"},
			RateLimitReqs:     100,
			RateLimitWindow:   time.Minute,
			RateLimitDisabled: false,
		},
		Realtime: RealtimeConfig{
			SendBuffer:       256,
			WriteWait:        10 * time.Second,
			PongWait:         60 * time.Second,
			PingPeriod:       54 * time.Second,
			MaxMessageSize:   512 * 1024, // 512 KB
			HandshakeTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "storefront.events",
			Name:          "storefront-realtime",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for consistency. Struct-tag rules run
// through go-playground/validator; cross-field rules are checked by hand.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Realtime.PingPeriod >= c.Realtime.PongWait {
		return fmt.Errorf("realtime.ping_period (%s) must be shorter than realtime.pong_wait (%s)",
			c.Realtime.PingPeriod, c.Realtime.PongWait)
	}
	if c.Realtime.WriteWait <= 0 {
		return fmt.Errorf("realtime.write_wait must be positive")
	}
	if len(c.Security.CORSOrigins) == 0 {
		return fmt.Errorf("security.cors_origins must not be empty; use \"*\" to allow any origin")
	}
	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when nats.enabled is true")
		}
		if c.NATS.SubjectPrefix == "" {
			return fmt.Errorf("nats.subject_prefix is required when nats.enabled is true")
		}
	}
	return nil
}
