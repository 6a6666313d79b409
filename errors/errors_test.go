package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_New_Success(t *testing.T) {
	err := New(ErrCodeHubOverflow, "too slow")
	if err.Code != ErrCodeHubOverflow {
		t.Errorf("expected code %s, got %s", ErrCodeHubOverflow, err.Code)
	}
	if err.Message != "too slow" {
		t.Errorf("expected message 'too slow', got %q", err.Message)
	}
	if err.Retryable {
		t.Error("HUB_OVERFLOW should not be retryable")
	}
}

func TestAppError_New_Retryable(t *testing.T) {
	err := New(ErrCodeTimeout, "timed out")
	if !err.Retryable {
		t.Error("TIMEOUT should be retryable")
	}
}

func TestAppError_Error(t *testing.T) {
	plain := Timeout("map")
	if !strings.HasPrefix(plain.Error(), "TIMEOUT: ") {
		t.Errorf("unexpected message %q", plain.Error())
	}

	cause := fmt.Errorf("boom")
	wrapped := Upstream("map", cause)
	if !strings.Contains(wrapped.Error(), "(cause: boom)") {
		t.Errorf("expected cause in message, got %q", wrapped.Error())
	}
	if !stderrors.Is(wrapped, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestAppError_WithDetails(t *testing.T) {
	err := Timeout("source").WithDetails(map[string]any{"after": "2s"}).WithDetail("attempt", 2)
	if err.Details["stage"] != "source" {
		t.Errorf("expected stage=source, got %v", err.Details["stage"])
	}
	if err.Details["after"] != "2s" {
		t.Errorf("expected after=2s, got %v", err.Details["after"])
	}
	if err.Details["attempt"] != 2 {
		t.Errorf("expected attempt=2, got %v", err.Details["attempt"])
	}
}

func TestAppError_Constructors(t *testing.T) {
	cause := fmt.Errorf("root")
	tests := []struct {
		name      string
		err       *AppError
		code      ErrorCode
		retryable bool
	}{
		{"upstream", Upstream("map", cause), ErrCodeUpstreamFault, true},
		{"timeout", Timeout("source"), ErrCodeTimeout, true},
		{"retry exhausted", RetryExhausted(3, cause), ErrCodeRetryExhausted, false},
		{"cancelled", Cancelled(nil), ErrCodeCancelled, false},
		{"overflow", Overflow("interval", "tick 3 found no demand"), ErrCodeOverflow, true},
		{"scheduler exhausted", SchedulerExhausted("io"), ErrCodeSchedulerExhausted, true},
		{"scheduler stopped", SchedulerStopped("io"), ErrCodeSchedulerStopped, false},
		{"unicast", UnicastViolation("orders"), ErrCodeUnicastViolation, false},
		{"hub overflow", HubOverflow("orders", 16), ErrCodeHubOverflow, false},
		{"invalid input", InvalidInput("workers", "must be positive"), ErrCodeInvalidInput, false},
		{"validation", Validation("bad"), ErrCodeInvalidInput, false},
		{"internal", Internal(cause), ErrCodeInternal, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Code != tc.code {
				t.Errorf("expected code %s, got %s", tc.code, tc.err.Code)
			}
			if tc.err.Retryable != tc.retryable {
				t.Errorf("expected retryable=%v, got %v", tc.retryable, tc.err.Retryable)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Errorf("expected empty code for nil, got %s", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrCodeUpstreamFault {
		t.Errorf("expected UPSTREAM_FAULT for plain error, got %s", got)
	}
	wrapped := fmt.Errorf("outer: %w", Timeout("x"))
	if got := CodeOf(wrapped); got != ErrCodeTimeout {
		t.Errorf("expected TIMEOUT through wrapping, got %s", got)
	}
	if got := CodeOf(fmt.Errorf("pull: %w", context.Canceled)); got != ErrCodeCancelled {
		t.Errorf("expected CANCELLED for context.Canceled, got %s", got)
	}
	if got := CodeOf(context.DeadlineExceeded); got != ErrCodeTimeout {
		t.Errorf("expected TIMEOUT for context.DeadlineExceeded, got %s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors should be retryable")
	}
	if IsRetryable(UnicastViolation("h")) {
		t.Error("UNICAST_VIOLATION should not be retryable")
	}
}

func TestAsAppError(t *testing.T) {
	if _, ok := AsAppError(fmt.Errorf("plain")); ok {
		t.Error("plain error is not an AppError")
	}
	appErr, ok := AsAppError(fmt.Errorf("wrap: %w", Internal(nil)))
	if !ok || appErr.Code != ErrCodeInternal {
		t.Errorf("expected INTERNAL_ERROR AppError, got %v %v", appErr, ok)
	}
	if !IsAppError(Internal(nil)) {
		t.Error("expected IsAppError to be true")
	}
}
