package domain

import (
	"fmt"
	"time"
)

// ValidationError reports a malformed or incomplete claim or definition.
// It aborts an evaluation before any layer runs.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// ConfigurationError reports an administrative defect in the rule or
// parameter configuration, such as a condition that does not compile or
// risk weights that do not sum to 1.0.
type ConfigurationError struct {
	Component string
	Message   string
	Err       error
}

// NewConfigurationError builds a ConfigurationError for a component.
func NewConfigurationError(component, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Component: component, Message: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error: %s: %s", e.Component, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// LayerTimeoutError is recorded when a layer exceeds its time budget.
// It never fails a request; the layer is marked FAILED instead.
type LayerTimeoutError struct {
	Layer  LayerName
	Budget time.Duration
}

func (e *LayerTimeoutError) Error() string {
	return fmt.Sprintf("layer %s timed out after %s", e.Layer, e.Budget)
}
