// Package errors holds the error taxonomy shared by every chronotier component.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions (misuse, retriable, soft)
// - Typed constructors that carry context and wrap a sentinel
// - Error wrapping utilities and a validation error collector
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Caller misuse. Surfaced immediately, never retried.
	ErrInvalidRange      = errors.New("invalid range")
	ErrUnsupportedRatio  = errors.New("unsupported aggregation ratio")
	ErrUnknownTimeframe  = errors.New("unknown timeframe")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingField      = errors.New("missing required field")
	ErrNoSymbols         = errors.New("no symbols requested")
	ErrInvalidTransition = errors.New("invalid state transition")

	// Data quality
	ErrDataGap               = errors.New("data gap")
	ErrInsufficientCoverage  = errors.New("insufficient coverage")
	ErrRequiredSymbolMissing = errors.New("required symbol missing from feed")
	ErrInvalidBar            = errors.New("invalid OHLCV bar")

	// Storage
	ErrStorageIO          = errors.New("storage I/O error")
	ErrVerificationFailed = errors.New("migration verification failed")
	ErrWriterClosed       = errors.New("writer is closed")

	// Cache
	ErrCacheMiss  = errors.New("cache miss")
	ErrCacheLayer = errors.New("cache layer error")

	// Runtime
	ErrTimeout        = errors.New("timeout")
	ErrCanceled       = errors.New("canceled")
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsMisuse returns true if err was caused by a malformed request. Misuse
// errors abort a session before any work starts.
func IsMisuse(err error) bool {
	return errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrUnsupportedRatio) ||
		errors.Is(err, ErrUnknownTimeframe) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrNoSymbols)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStorageIO) ||
		errors.Is(err, ErrTimeout)
}

// IsSoft returns true for data-quality conditions that are reported
// rather than thrown.
func IsSoft(err error) bool {
	return errors.Is(err, ErrDataGap)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewInvalidRange creates an invalid-range error for [start, end).
func NewInvalidRange(start, end time.Time) error {
	return fmt.Errorf("range [%s, %s): start must precede end: %w",
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), ErrInvalidRange)
}

// NewUnsupportedRatio creates an error for a non-integer timeframe ratio.
func NewUnsupportedRatio(base, target string) error {
	return fmt.Errorf("%s -> %s is not an integer multiple: %w", base, target, ErrUnsupportedRatio)
}

// NewUnknownTimeframe creates an unknown-timeframe error.
func NewUnknownTimeframe(name string) error {
	return fmt.Errorf("timeframe '%s': %w", name, ErrUnknownTimeframe)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// NewStorageIO marks err as a transient storage failure.
func NewStorageIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStorageIO, err))
}

// NewMissingSymbol creates an error for a required symbol with no raw bars.
func NewMissingSymbol(symbol, timeframe string) error {
	return fmt.Errorf("%s/%s: %w", symbol, timeframe, ErrRequiredSymbolMissing)
}

// ============================================================================
// Typed errors
// ============================================================================

// CoverageError reports a symbol whose coverage fell below the minimum.
type CoverageError struct {
	Symbol    string
	Timeframe string
	Coverage  float64
	Minimum   float64
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("%s/%s coverage %.4f below minimum %.4f",
		e.Symbol, e.Timeframe, e.Coverage, e.Minimum)
}

// Unwrap allows errors.Is(err, ErrInsufficientCoverage).
func (e *CoverageError) Unwrap() error {
	return ErrInsufficientCoverage
}

// GapError describes a run of missing grid points. It is soft: components
// record it in reports instead of returning it.
type GapError struct {
	Symbol string
	Start  int64
	End    int64
	Bars   int
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%s: %d missing bars in [%d, %d]", e.Symbol, e.Bars, e.Start, e.End)
}

// Unwrap allows errors.Is(err, ErrDataGap).
func (e *GapError) Unwrap() error {
	return ErrDataGap
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
