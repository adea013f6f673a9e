// Package errors provides structured, categorized errors for the ingestion
// pipeline so the scheduler and operator log can react by error class rather
// than by string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("conflict")
)

// ErrorType represents the category of a pipeline error. The category is
// machine-readable and travels into the operator log.
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeParse      ErrorType = "parse"
	ErrorTypeExtraction ErrorType = "extraction"
	ErrorTypeGeocode    ErrorType = "geocode"
	ErrorTypeStore      ErrorType = "store"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeNotFound   ErrorType = "not_found"
)

// PipelineError is a structured error for ingestion operations.
type PipelineError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "fetch_source", "extract")
	Source     string // Source name where the error occurred
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *PipelineError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support for the base error types.
func (e *PipelineError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	}
	return errors.Is(e.Err, target)
}

// New creates a PipelineError with retryability derived from the category.
func New(errorType ErrorType, op, source string, err error) *PipelineError {
	return &PipelineError{
		Type:      errorType,
		Op:        op,
		Source:    source,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithStatusCode records an HTTP status and refines retryability from it.
func (e *PipelineError) WithStatusCode(code int) *PipelineError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeStore:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeParse, ErrorTypeExtraction:
		return false
	default:
		return true
	}
}

// WrapConnection wraps a network error with operation context.
func WrapConnection(op, source string, err error) error {
	return New(ErrorTypeConnection, op, source, err)
}

// WrapParse wraps a per-item parse failure. Parse failures are not retried;
// the item is skipped and the raw payload kept for inspection.
func WrapParse(op, source string, err error) error {
	return New(ErrorTypeParse, op, source, err)
}

// WrapStore wraps a datastore failure.
func WrapStore(op string, err error) error {
	return New(ErrorTypeStore, op, "", err)
}

// IsRetryable reports whether an error is worth retrying on the next cycle.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// Category extracts the machine-readable category tag for operator logging.
// Unknown errors are tagged internal.
func Category(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return string(pe.Type)
	}
	return "internal"
}
