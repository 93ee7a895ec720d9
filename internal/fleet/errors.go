package fleet

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Domain errors for the fleet package.
var (
	// ErrStopped is returned by every operation after Stop.
	ErrStopped = errors.New("fleet: coordinator stopped")

	// ErrTickInProgress is returned when Tick is called during a sweep.
	ErrTickInProgress = errors.New("fleet: sweep already in progress")

	// ErrUnknownDevice is returned when a device id is not managed.
	ErrUnknownDevice = errors.New("fleet: unknown device")

	// ErrEnumerationFailed is returned when the home list could not be
	// fetched after retries.
	ErrEnumerationFailed = errors.New("fleet: enumeration failed")
)

// DeviceResult is the outcome of one device's refresh within a sweep.
type DeviceResult struct {
	DeviceID string        `json:"device_id"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`

	Err error `json:"-"`
}

// OK reports whether the refresh succeeded.
func (r DeviceResult) OK() bool { return r.Err == nil }

// SweepReport summarises one Tick.
type SweepReport struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration_ns"`
	Results   []DeviceResult `json:"results"`
}

// Failures returns the results of devices whose refresh failed.
func (r *SweepReport) Failures() []DeviceResult {
	var out []DeviceResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Succeeded returns the number of devices refreshed without error.
func (r *SweepReport) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// SweepError aggregates the per-device failures of one sweep. Healthy
// devices were refreshed normally.
//
// errors.Is matches any underlying device error, so callers can check
// errors.Is(err, device.ErrTimeout).
type SweepError struct {
	Failures []DeviceResult
	Total    int
}

func (e *SweepError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.DeviceID, f.Err))
	}
	return fmt.Sprintf("fleet: %d of %d devices failed: %s", len(e.Failures), e.Total, strings.Join(parts, "; "))
}

// Unwrap returns the per-device causes.
func (e *SweepError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// DeviceIDs lists the failed devices.
func (e *SweepError) DeviceIDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.DeviceID)
	}
	return ids
}
