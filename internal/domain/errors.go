package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed or out-of-range request. No state changed.
	ErrValidation = errors.New("validation failed")

	// ErrResourceExhausted means no Free GPU satisfies the requirements.
	ErrResourceExhausted = errors.New("no free GPU satisfies requirements")

	// ErrConflict means the requested transition is not valid from the current
	// state, or another transition on the same entity is already in flight.
	ErrConflict = errors.New("conflicting operation")

	// ErrNotFound means the referenced VM or GPU does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout means a hypervisor call exceeded its configured upper bound.
	// Timeouts are never retried.
	ErrTimeout = errors.New("operation timed out")
)

// HypervisorError wraps a failure from the hypervisor adapter with its retry
// classification. Retryable errors are retried internally with backoff;
// terminal errors drive the VM to the Error state immediately.
type HypervisorError struct {
	Op        string // adapter operation, e.g. "create", "attach_gpu"
	Retryable bool
	Err       error
}

func (e *HypervisorError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("hypervisor %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *HypervisorError) Unwrap() error { return e.Err }

// NewHypervisorError builds a classified adapter failure.
func NewHypervisorError(op string, retryable bool, err error) *HypervisorError {
	return &HypervisorError{Op: op, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is a hypervisor failure worth retrying.
// Timeouts and terminal errors are not.
func IsRetryable(err error) bool {
	var he *HypervisorError
	if errors.As(err, &he) {
		return he.Retryable
	}
	return false
}
