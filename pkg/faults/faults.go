// Package faults provides structured error classification and retry configuration
// shared by the tracker client, the queues, and the worker pool.
package faults

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrorType represents different categories of failure for retry logic.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient ErrorType = iota
	// ErrorTypeAuthExpired represents an expired or revoked credential; the caller
	// refreshes the credential and gets exactly one free retry.
	ErrorTypeAuthExpired

	// Non-retryable error types.

	// ErrorTypeRateLimit represents quota exhaustion (429). Never retried by the
	// caller; the reset time is waited out instead.
	ErrorTypeRateLimit
	// ErrorTypeValidation represents malformed input (bad payload shape, missing fields).
	ErrorTypeValidation
	// ErrorTypeExecutionTimeout represents an external process killed at its wall-clock limit.
	ErrorTypeExecutionTimeout
	// ErrorTypePermanentFailure represents a task whose retry budget is exhausted.
	ErrorTypePermanentFailure
	// ErrorTypeUnknown represents default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeAuthExpired:
		return "auth_expired"
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeExecutionTimeout:
		return "execution_timeout"
	case ErrorTypePermanentFailure:
		return "permanent_failure"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Default retry constants - overridable via config.
const (
	DefaultTransientRetries   = 3
	DefaultAuthExpiredRetries = 1
)

// JitterFraction is the spread applied around a backoff delay when Jitter is on.
const JitterFraction = 0.25

// RetryConfig defines exponential backoff configuration for an error type.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay for exponential backoff
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfigs provides default retry configurations for each error type.
//
//nolint:gochecknoglobals // Configuration map - acceptable for package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeTransient: {
		MaxRetries:    DefaultTransientRetries,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeAuthExpired: {
		MaxRetries:    DefaultAuthExpiredRetries,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeRateLimit: {
		MaxRetries:    0, // Never retried; resetAt is waited out
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeValidation: {
		MaxRetries:    0,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeExecutionTimeout: {
		MaxRetries:    0, // Task-level retries are the queue's job, not the caller's
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypePermanentFailure: {
		MaxRetries:    0,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeUnknown: {
		MaxRetries:    0, // Unclassified errors propagate immediately
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
}

// Error represents a classified failure with retry metadata.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
	ResetAt    time.Time // When the quota window reopens (rate-limit only)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Type == ErrorTypeRateLimit && !e.ResetAt.IsZero() {
		return fmt.Sprintf("%s: %s (resets %s)", e.Type.String(), e.Message, e.ResetAt.UTC().Format(time.RFC3339))
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("%s: status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether the caller should retry this error itself.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTransient, ErrorTypeAuthExpired:
		return true
	default:
		return false
	}
}

// GetRetryConfig returns the retry configuration for this error type.
func (e *Error) GetRetryConfig() RetryConfig {
	if config, exists := DefaultRetryConfigs[e.Type]; exists {
		return config
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Helper functions for error classification and checking

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Type
	}
	return ErrorTypeUnknown
}

// ResetTime extracts the rate-limit reset time from an error chain.
func ResetTime(err error) (time.Time, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Type == ErrorTypeRateLimit && !fe.ResetAt.IsZero() {
		return fe.ResetAt, true
	}
	return time.Time{}, false
}

// New creates a new classified error.
func New(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewWithStatus creates a new classified error with HTTP status.
func NewWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewWithCause creates a new classified error wrapping another error.
func NewWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// NewRateLimit creates a rate-limit error carrying the window reset time.
func NewRateLimit(resetAt time.Time, message string) *Error {
	return &Error{
		Type:    ErrorTypeRateLimit,
		Message: message,
		ResetAt: resetAt,
	}
}

// NewPermanent wraps a cause as a permanent failure after the retry budget ran out.
func NewPermanent(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypePermanentFailure,
		Err:     cause,
		Message: fmt.Sprintf("failed permanently after %d attempts", attempts),
	}
}

// Delay computes the backoff delay before retry number attempt (1-based) for the
// given config: InitialDelay * BackoffFactor^(attempt-1), capped at MaxDelay,
// spread by +/-JitterFraction when Jitter is set.
func Delay(config RetryConfig, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.BackoffFactor, float64(attempt-1)))

	// Cap at maximum delay.
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	// Add jitter if enabled.
	if config.Jitter && delay > 0 {
		spread := (rand.Float64()*2 - 1) * JitterFraction //nolint:gosec // Jitter does not need crypto randomness
		delay += time.Duration(float64(delay) * spread)
		if delay < 0 {
			delay = config.InitialDelay
		}
	}

	return delay
}
