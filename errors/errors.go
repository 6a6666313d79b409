// Package errors provides unified error handling for flowkit.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// AppError is the unified application error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails merges the provided details into the error and returns the receiver.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Retryable: IsRetryableCode(code),
	}
}

// --- Common Error Constructors ---

// Upstream wraps an error raised by a source or a user-supplied function.
func Upstream(stage string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeUpstreamFault, Message: fmt.Sprintf("stage %s failed", stage),
		Retryable: true, Cause: cause,
		Details: map[string]any{"stage": stage},
	}
}

// Timeout creates a new AppError for a stage that produced nothing in time.
func Timeout(stage string) *AppError {
	return &AppError{
		Code: ErrCodeTimeout, Message: fmt.Sprintf("stage %s timed out waiting for an item", stage),
		Retryable: true,
		Details:   map[string]any{"stage": stage},
	}
}

// RetryExhausted creates a new AppError for a retry policy that gave up.
func RetryExhausted(attempts int, cause error) *AppError {
	return &AppError{
		Code: ErrCodeRetryExhausted, Message: fmt.Sprintf("gave up after %d attempts", attempts),
		Retryable: false, Cause: cause,
		Details: map[string]any{"attempts": attempts},
	}
}

// Cancelled creates a new AppError for a subscription abandoned by its consumer.
func Cancelled(cause error) *AppError {
	return &AppError{
		Code: ErrCodeCancelled, Message: "subscription cancelled",
		Retryable: false, Cause: cause,
	}
}

// Overflow creates a new AppError for a stage that had a value ready while
// its consumer had no demand.
func Overflow(stage, reason string) *AppError {
	return &AppError{
		Code: ErrCodeOverflow, Message: fmt.Sprintf("stage %s overflowed: %s", stage, reason),
		Retryable: true,
		Details:   map[string]any{"stage": stage},
	}
}

// SchedulerExhausted creates a new AppError for a worker pool that rejected a task.
func SchedulerExhausted(scheduler string) *AppError {
	return &AppError{
		Code: ErrCodeSchedulerExhausted, Message: fmt.Sprintf("scheduler %s has no free capacity", scheduler),
		Retryable: true,
		Details:   map[string]any{"scheduler": scheduler},
	}
}

// SchedulerStopped creates a new AppError for a task submitted after shutdown.
func SchedulerStopped(scheduler string) *AppError {
	return &AppError{
		Code: ErrCodeSchedulerStopped, Message: fmt.Sprintf("scheduler %s is stopped", scheduler),
		Retryable: false,
		Details:   map[string]any{"scheduler": scheduler},
	}
}

// UnicastViolation creates a new AppError for a second subscriber on a unicast hub.
func UnicastViolation(hub string) *AppError {
	return &AppError{
		Code: ErrCodeUnicastViolation, Message: fmt.Sprintf("hub %s allows a single subscriber", hub),
		Retryable: false,
		Details:   map[string]any{"hub": hub},
	}
}

// HubOverflow creates a new AppError for a slot that could not keep pace.
func HubOverflow(hub string, capacity int) *AppError {
	return &AppError{
		Code: ErrCodeHubOverflow, Message: fmt.Sprintf("subscriber of hub %s overflowed its buffer", hub),
		Retryable: false,
		Details:   map[string]any{"hub": hub, "capacity": capacity},
	}
}

// InvalidInput creates a new AppError for invalid input.
func InvalidInput(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("Invalid input: %s", reason),
		Retryable: false, Details: details,
	}
}

// Validation creates a new AppError for validation errors.
func Validation(message string) *AppError {
	return &AppError{
		Code: ErrCodeInvalidInput, Message: message,
		Retryable: false,
	}
}

// Internal creates a new AppError for an unexpected condition.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "an unexpected error occurred",
		Retryable: false, Cause: cause,
	}
}

// --- Inspection ---

// IsAppError checks if an error is an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in err's chain. Context
// errors map to CANCELLED and TIMEOUT; other plain errors are reported as
// ErrCodeUpstreamFault.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	switch {
	case stderrors.Is(err, context.Canceled):
		return ErrCodeCancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	}
	return ErrCodeUpstreamFault
}

// IsRetryable reports whether err is marked retryable. Plain errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return true
}
