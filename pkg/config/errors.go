package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound indicates the configuration file was not found.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrMissingRequiredField indicates a required field is missing.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value.
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError wraps configuration validation errors with context.
type ValidationError struct {
	Component string // Component being validated (queue, budget, worker, ...)
	Field     string // Field name (optional)
	Err       error  // Underlying error
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s.%s: %v", e.Component, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
