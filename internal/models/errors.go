package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidQuery is returned for logical requests the backend contract
	// can't express (missing source, both as_of and issues, ...).
	ErrInvalidQuery = errors.New("invalid query")

	// ErrPaginationLimitExceeded means the backend kept returning cursors past
	// the configured page ceiling.
	ErrPaginationLimitExceeded = errors.New("pagination limit exceeded")

	// ErrCancelled is returned when the caller abandons a call. It is always
	// joined with the context error that caused it.
	ErrCancelled = errors.New("cancelled")
)

// InvalidRangeError reports a range whose bounds are out of order.
type InvalidRangeError struct {
	Start string
	End   string
}

func (e *InvalidRangeError) Error() string {
	if e.Start == "" && e.End == "" {
		return "invalid range: empty value list"
	}
	return fmt.Sprintf("invalid range: start %s is after end %s", e.Start, e.End)
}

// BackendError is a non-retryable rejection by the backend. When retries of
// a transient failure are exhausted, Err holds the last *TransientError.
type BackendError struct {
	Status  int
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("backend error (status %d): %s", e.Status, msg)
	}
	return fmt.Sprintf("backend error: %s", msg)
}

func (e *BackendError) Unwrap() error { return e.Err }

// TransientError is a retryable failure: timeouts, connection resets, 5xx.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient backend failure (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient backend failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Cancelled wraps cause (normally ctx.Err()) so that both ErrCancelled and
// the context error match with errors.Is.
func Cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
