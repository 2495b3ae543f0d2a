package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the grid API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// Sentinel errors shared by the scheduler packages.
var (
	ErrRunnerClosed  = errors.New("runner closed: results were already consumed")
	ErrAlreadyOpened = errors.New("test already opened")
	ErrTestClosed    = errors.New("test close or abort already issued")
	ErrNotOpened     = errors.New("test not opened")
	ErrJobSkipped    = errors.New("job skipped: test aborted")
	ErrNoSession     = errors.New("no open session")
)

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}

// StateError reports an operation issued in a state that does not allow it.
type StateError struct {
	Op    string
	ID    string
	State TestState
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s on test %s in state %s: %v", e.Op, e.ID, e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// ConfigError lists the configuration problems found when a test is opened.
type ConfigError struct {
	Fields []FieldError
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// CaptureError is returned when a page snapshot could not be produced.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("snapshot capture %s: %v", e.Reason, e.Err)
	}
	return "snapshot capture " + e.Reason
}

func (e *CaptureError) Unwrap() error { return e.Err }

// TestFailedError carries the failing outcome raised by Close(throwOnError=true).
type TestFailedError struct {
	Outcome TestOutcome
}

func (e *TestFailedError) Error() string {
	return fmt.Sprintf("test %s on %s failed: %v", e.Outcome.TestID, e.Outcome.Target.Key(), e.Outcome.Err)
}

func (e *TestFailedError) Unwrap() error { return e.Outcome.Err }

// DiffsFoundError marks a closed test whose steps did not all match their baselines.
type DiffsFoundError struct {
	Results *TestResults
}

func (e *DiffsFoundError) Error() string {
	return fmt.Sprintf("test %q of %q detected differences: %d mismatches, %d missing (status %s)",
		e.Results.Name, e.Results.AppName, e.Results.Mismatches, e.Results.Missing, e.Results.Status)
}
