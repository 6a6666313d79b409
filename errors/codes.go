package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Stream faults
const (
	// ErrCodeUpstreamFault is an error raised by a source or a user function.
	ErrCodeUpstreamFault ErrorCode = "UPSTREAM_FAULT"
	// ErrCodeTimeout indicates no item arrived within the configured window.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeRetryExhausted indicates a retry policy ran out of attempts.
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	// ErrCodeCancelled indicates the consumer or its context went away.
	ErrCodeCancelled ErrorCode = "CANCELLED"
	// ErrCodeOverflow indicates a time-driven source fired with no demand.
	ErrCodeOverflow ErrorCode = "BACKPRESSURE_OVERFLOW"
)

// Scheduling errors
const (
	// ErrCodeSchedulerExhausted indicates a worker pool rejected a task.
	ErrCodeSchedulerExhausted ErrorCode = "SCHEDULER_EXHAUSTED"
	// ErrCodeSchedulerStopped indicates a task was submitted to a stopped pool.
	ErrCodeSchedulerStopped ErrorCode = "SCHEDULER_STOPPED"
)

// Broadcast errors
const (
	// ErrCodeUnicastViolation indicates a second subscriber joined a unicast hub.
	ErrCodeUnicastViolation ErrorCode = "UNICAST_VIOLATION"
	// ErrCodeHubOverflow indicates a slow subscriber overflowed its slot buffer.
	ErrCodeHubOverflow ErrorCode = "HUB_OVERFLOW"
)

// Validation and internal errors
const (
	// ErrCodeInvalidInput indicates an invalid argument or configuration value.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeInternal indicates an unexpected condition.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeUpstreamFault:      true,
	ErrCodeTimeout:            true,
	ErrCodeOverflow:           true,
	ErrCodeSchedulerExhausted: true,
	ErrCodeRetryExhausted:     false,
	ErrCodeInternal:           false,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
