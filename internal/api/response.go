// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/avelinehq/storefront-realtime/internal/logging"
)

// APIResponse is the standardized response wrapper for all API endpoints.
type APIResponse struct {
	// Status is "success" or "error"
	Status string `json:"status"`

	// Data contains the response payload (null on error)
	Data interface{} `json:"data,omitempty"`

	// Error contains error details (null on success)
	Error *APIError `json:"error,omitempty"`

	// Metadata contains response metadata
	Metadata Metadata `json:"metadata"`
}

// APIError represents an error response.
type APIError struct {
	// Code is a machine-readable error code
	Code string `json:"code"`

	// Message is a human-readable error message
	Message string `json:"message"`
}

// Metadata contains response metadata.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
}

// Error codes for API responses
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondJSON writes a JSON response with proper headers.
func respondJSON(w http.ResponseWriter, status int, response *APIResponse) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondSuccess writes a success envelope around data.
func respondSuccess(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, &APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: Metadata{Timestamp: time.Now()},
	})
}

// respondError writes an error envelope. err is logged but never exposed to
// the client.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		// Sanitize error output to prevent log injection attacks
		logging.Error().Str("code", sanitizeLogValue(code)).Str("error", sanitizeLogValue(err.Error())).Msg("API Error")
	}

	respondJSON(w, status, &APIResponse{
		Status: "error",
		Error: &APIError{
			Code:    code,
			Message: message,
		},
		Metadata: Metadata{Timestamp: time.Now()},
	})
}

// sanitizeLogValue strips newlines from values that end up in log fields.
func sanitizeLogValue(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}
