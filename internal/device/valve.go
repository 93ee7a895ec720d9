package device

import (
	"sync"
	"time"
)

// RawValve is the normalised raw valve status reported by a device.
type RawValve string

// Raw valve statuses.
const (
	ValveRawOpen     RawValve = "open"
	ValveRawClosed   RawValve = "closed"
	ValveRawPartial  RawValve = "partial"
	ValveRawLeakTest RawValve = "leak_test"
)

// ValveState is the derived valve position shown to consumers.
type ValveState string

// Valve states.
const (
	ValveUnknown ValveState = "unknown"
	ValveOpen    ValveState = "open"
	ValveClosed  ValveState = "closed"
	ValveOpening ValveState = "opening"
	ValveClosing ValveState = "closing"
)

// TransitionTracker infers the direction of a valve transition from the last
// stable position seen.
//
// lastStableOpen starts out true, so a transition observed before any stable
// reading reports Closing.
type TransitionTracker struct {
	mu             sync.RWMutex
	lastStableOpen bool
	state          ValveState
	leakTest       bool
	observed       bool
	observedAt     time.Time
}

// NewTransitionTracker creates a tracker with no observations.
func NewTransitionTracker() *TransitionTracker {
	return &TransitionTracker{
		lastStableOpen: true,
		state:          ValveUnknown,
	}
}

// Observe feeds one raw status into the tracker and returns the resulting
// valve state.
//
// A leak test does not move the valve state machine: the last emitted state
// is kept and only the leak test flag is raised.
func (t *TransitionTracker) Observe(raw RawValve, at time.Time) ValveState {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.observed = true
	t.observedAt = at
	t.leakTest = raw == ValveRawLeakTest

	switch raw {
	case ValveRawOpen:
		t.lastStableOpen = true
		t.state = ValveOpen
	case ValveRawClosed:
		t.lastStableOpen = false
		t.state = ValveClosed
	case ValveRawPartial:
		if t.lastStableOpen {
			t.state = ValveClosing
		} else {
			t.state = ValveOpening
		}
	}
	return t.state
}

// State returns the current valve state.
func (t *TransitionTracker) State() ValveState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// LastStableOpen reports the direction of the last stable reading.
func (t *TransitionTracker) LastStableOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastStableOpen
}

// LeakTestRunning reports whether the most recent observation was a leak
// test. The second result is false until something has been observed.
func (t *TransitionTracker) LeakTestRunning() (running, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leakTest, t.observed
}

// ObservedAt returns the time of the last observation.
func (t *TransitionTracker) ObservedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.observedAt
}
