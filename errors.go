package jointctl

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// LengthMismatchError is returned when a supplied vector does not match the expected joint count.
type LengthMismatchError struct {
	Model int
	Input int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("length mismatch (model = %d, input = %d)", e.Model, e.Input)
}

// TimeoutError means a command was accepted but convergence was not observed in time.
type TimeoutError struct {
	Timeout        time.Duration
	AllowableError float64
	Err            float64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v: allowable error %g, last error %g", e.Timeout, e.AllowableError, e.Err)
}

// ConnectionError wraps a failure to reach or drive a backend.
type ConnectionError struct {
	Backend string
	Cause   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Backend, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NoJointError is returned when a joint name is not known to a client.
type NoJointError struct {
	Name string
}

func (e *NoJointError) Error() string {
	return fmt.Sprintf("no joint named %q", e.Name)
}

// DuplicateJointError is returned when a joint name appears twice in one combined ordering.
type DuplicateJointError struct {
	Name string
}

func (e *DuplicateJointError) Error() string {
	return fmt.Sprintf("duplicate joint name %q", e.Name)
}

func lengthMismatch(model, input int) error {
	return errors.WithStack(&LengthMismatchError{Model: model, Input: input})
}

func connectionFailed(backend string, err error) error {
	return errors.WithStack(&ConnectionError{Backend: backend, Cause: err})
}

// IsTimeout reports whether err is (or wraps) a completion timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsLengthMismatch reports whether err is (or wraps) a dimension mismatch.
func IsLengthMismatch(err error) bool {
	var le *LengthMismatchError
	return errors.As(err, &le)
}

// IsConnection reports whether err is (or wraps) a backend communication failure.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
