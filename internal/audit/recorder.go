package audit

import (
	"context"
	"time"
)

// Sources.
const (
	SourceAPI         = "api"
	SourceEnumeration = "enumeration"
)

// recordTimeout bounds writes made without a caller context.
const recordTimeout = 5 * time.Second

// Logger is the logging surface used by Recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder builds entries for the bridge's auditable actions. A failed
// write is logged and never fails the action being audited. A nil
// Recorder discards everything.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder wraps a repository. A nil logger discards warnings.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{repo: repo, logger: logger}
}

// ValveCommand records an open or close request and its result.
func (r *Recorder) ValveCommand(ctx context.Context, deviceID string, open bool, source string, cmdErr error) {
	action := ActionValveClose
	if open {
		action = ActionValveOpen
	}
	r.record(ctx, withError(&Entry{Action: action, DeviceID: deviceID, Source: source}, cmdErr))
}

// PreferenceSet records a preference write and its result.
func (r *Recorder) PreferenceSet(ctx context.Context, deviceID, name string, value bool, source string, writeErr error) {
	r.record(ctx, withError(&Entry{
		Action:   ActionPreferenceSet,
		DeviceID: deviceID,
		Source:   source,
		Details:  map[string]any{"name": name, "value": value},
	}, writeErr))
}

// Unsupported records a device skipped because its product code has no
// profile. Its signature matches fleet.UnsupportedFunc.
func (r *Recorder) Unsupported(homeID, deviceID, productCode string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	r.record(ctx, &Entry{
		Action:   ActionDeviceUnsupported,
		DeviceID: deviceID,
		HomeID:   homeID,
		Source:   SourceEnumeration,
		Details:  map[string]any{"product_code": productCode},
	})
}

func withError(e *Entry, err error) *Entry {
	if err != nil {
		e.Outcome = OutcomeError
		e.Error = err.Error()
	}
	return e
}

func (r *Recorder) record(ctx context.Context, e *Entry) {
	if r == nil || r.repo == nil {
		return
	}
	// The audited action may have been cancelled; the record should
	// still be written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := r.repo.Create(ctx, e); err != nil {
		r.logger.Warn("audit write failed", "action", e.Action, "device_id", e.DeviceID, "error", err)
	}
}
