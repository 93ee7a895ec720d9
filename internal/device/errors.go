package device

import (
	"context"
	"errors"
	"fmt"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrUpdateFailed) {
//	    // device is degraded for this tick
//	}
var (
	// ErrUpdateFailed is returned when any step of a refresh fails.
	ErrUpdateFailed = errors.New("device: update failed")

	// ErrTimeout is matched in addition to ErrUpdateFailed when a refresh
	// ran out of time.
	ErrTimeout = errors.New("device: refresh timed out")

	// ErrValidation is returned for unknown preference names or values
	// that are not booleans. Nothing is sent to the device.
	ErrValidation = errors.New("device: validation failed")

	// ErrRemoteWrite is returned when a preference write was not
	// acknowledged by the remote service.
	ErrRemoteWrite = errors.New("device: remote write failed")

	// ErrRemoteCommand is returned when a valve command fails.
	ErrRemoteCommand = errors.New("device: remote command failed")

	// ErrUnsupportedOperation is returned when the device profile does not
	// have the capability an operation needs.
	ErrUnsupportedOperation = errors.New("device: operation not supported by profile")

	// ErrClosed is returned by operations on an agent after Close.
	ErrClosed = errors.New("device: agent closed")
)

// UpdateError describes which refresh step failed for a device.
type UpdateError struct {
	DeviceID string
	Step     string
	Err      error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("device %s: %s: %s: %v", e.DeviceID, e.Step, ErrUpdateFailed.Error(), e.Err)
}

// Unwrap returns the underlying transport error.
func (e *UpdateError) Unwrap() error {
	return e.Err
}

// Is reports ErrUpdateFailed for every update error and ErrTimeout when the
// cause was a deadline.
func (e *UpdateError) Is(target error) bool {
	switch target {
	case ErrUpdateFailed:
		return true
	case ErrTimeout:
		return e.Timeout()
	}
	return false
}

// Timeout reports whether the step failed because its deadline expired.
func (e *UpdateError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}
