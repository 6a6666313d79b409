// Package errors provides the classified error values used by flowkit.
//
// Every error that travels through a pipeline as a terminal signal is
// eventually described by an ErrorCode. AppError carries that code together
// with a human-readable message, a retryable hint, free-form details and the
// underlying cause.
//
//	err := errors.Timeout("orders").WithDetail("after", "2s")
//	if errors.CodeOf(err) == errors.ErrCodeTimeout { ... }
package errors
