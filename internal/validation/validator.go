// Storefront Realtime - WebSocket Event Distribution for the Aveline Storefront
// Copyright 2026 Aveline Commerce
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/avelinehq/storefront-realtime

// Package validation provides struct validation using go-playground/validator v10.
// It exposes a thread-safe singleton validator instance plus custom validators
// for gateway-specific rules (channel and room naming).
//
// Example:
//
//	type PublishRequest struct {
//	    Scope   string `validate:"required,oneof=channel room user global"`
//	    Target  string `validate:"omitempty,groupname"`
//	}
//
//	if err := validation.ValidateStruct(&req); err != nil { ... }
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// singleton validator instance
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// groupNamePattern restricts channel/room names to a safe charset.
// Names like "orders", "order-42", "catalog.shoes" are valid.
var groupNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// Validator returns the singleton validator instance, creating it on first use.
// The instance caches struct metadata, so reuse matters for performance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// groupname validates channel/room names.
		_ = validate.RegisterValidation("groupname", func(fl validator.FieldLevel) bool {
			return groupNamePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidGroupName reports whether s is an acceptable channel or room name.
func ValidGroupName(s string) bool {
	return groupNamePattern.MatchString(s)
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	field   string
	tag     string
	message string
}

// Field returns the struct field name that failed validation.
func (e *ValidationError) Field() string { return e.field }

// Tag returns the validation tag that failed.
func (e *ValidationError) Tag() string { return e.tag }

// Error returns a human-readable error message.
func (e *ValidationError) Error() string { return e.message }

// ValidationErrors aggregates all failures from one ValidateStruct call.
type ValidationErrors struct {
	errs []*ValidationError
}

// Error joins the individual messages.
func (e *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e.errs))
	for _, err := range e.errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// All returns the individual field errors.
func (e *ValidationErrors) All() []*ValidationError { return e.errs }

// ValidateStruct validates s and returns a *ValidationErrors describing every
// failed field, or nil if s is valid.
func ValidateStruct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("validation: %w", invalid)
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := &ValidationErrors{}
	for _, fe := range fieldErrs {
		out.errs = append(out.errs, &ValidationError{
			field:   fe.Field(),
			tag:     fe.Tag(),
			message: messageFor(fe),
		})
	}
	return out
}

// messageFor renders a short, client-safe description of a field error.
func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "groupname":
		return fmt.Sprintf("%s must be a valid channel or room name", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
