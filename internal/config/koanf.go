// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/storefront-realtime/config.yaml",
	"/etc/storefront-realtime/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load loads configuration with layered sources (highest priority wins):
//
//	env vars > config file > built-in defaults
//
// Environment variable names map to config paths by section prefix:
//
//	SERVER_PORT              -> server.port
//	SECURITY_CORS_ORIGINS    -> security.cors_origins
//	REALTIME_SEND_BUFFER     -> realtime.send_buffer
//	NATS_URL                 -> nats.url
//	LOG_LEVEL                -> logging.level
//
// The loaded configuration is validated before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Env vars arrive as strings; convert known slice fields
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated
// slices when supplied via environment variables.
var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML or defaults)
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envPrefixes maps environment variable prefixes to config sections. Only
// variables with a known prefix are loaded; everything else in the process
// environment is ignored.
var envPrefixes = map[string]string{
	"SERVER_":   "server.",
	"SECURITY_": "security.",
	"REALTIME_": "realtime.",
	"NATS_":     "nats.",
	"LOG_":      "logging.",
}

// envTransformFunc transforms environment variable names to koanf config
// paths. Returning "" skips the variable.
//
//	SERVER_PORT            -> server.port
//	SECURITY_CORS_ORIGINS  -> security.cors_origins
//	LOG_LEVEL              -> logging.level
func envTransformFunc(key string) string {
	for prefix, section := range envPrefixes {
		if strings.HasPrefix(key, prefix) {
			rest := strings.ToLower(strings.TrimPrefix(key, prefix))
			if rest == "" {
				return ""
			}
			return section + rest
		}
	}
	return ""
}
