package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation is matched by every *ValidationError via errors.Is.
var ErrValidation = errors.New("invalid batch request")

// ValidationError reports a malformed batch request. It is the only error
// Execute returns; no device is contacted when it occurs.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // optional underlying cause, e.g. a blocked command
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TargetTimeoutError records that a device did not answer within the batch
// timeout. The underlying call may still be running when this is reported.
type TargetTimeoutError struct {
	Device string
	After  time.Duration
}

func (e *TargetTimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.After)
}

// Timeout lets callers treat the error like a net.Error.
func (e *TargetTimeoutError) Timeout() bool { return true }

// TargetExecutionError wraps a failure reported by the device adapter.
type TargetExecutionError struct {
	Device string
	Err    error
}

func (e *TargetExecutionError) Error() string {
	return e.Err.Error()
}

func (e *TargetExecutionError) Unwrap() error {
	return e.Err
}

// UnexpectedWorkerError is recorded when a worker fails in a way the adapter
// contract does not describe, such as a panic.
type UnexpectedWorkerError struct {
	Device string
	Cause  string
}

func (e *UnexpectedWorkerError) Error() string {
	return "unexpected worker error: " + e.Cause
}
