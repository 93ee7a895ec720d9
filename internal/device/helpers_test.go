package device

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errTransport = errors.New("transport down")

// fakePoll is an in-memory PollClient. Functions left nil return zero values.
type fakePoll struct {
	mu sync.Mutex

	state       func(ctx context.Context) (Fields, error)
	consumption Fields
	prefs       []PreferenceEntry
	stats       []Fields
	firmware    FirmwareInfo

	prefsErr    error
	consErr     error
	firmwareErr error
	setErr      error
	valveErr    error

	calls     map[string]int
	durations []string
	written   []PreferenceEntry
}

func newFakePoll() *fakePoll {
	return &fakePoll{calls: make(map[string]int)}
}

func (f *fakePoll) count(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakePoll) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakePoll) GetState(ctx context.Context, _ string) (Fields, error) {
	f.count("state")
	if f.state == nil {
		return nil, nil
	}
	return f.state(ctx)
}

func (f *fakePoll) GetConsumption(_ context.Context, _, duration string) (Fields, error) {
	f.count("consumption")
	f.mu.Lock()
	f.durations = append(f.durations, duration)
	f.mu.Unlock()
	return f.consumption, f.consErr
}

func (f *fakePoll) GetPreferences(context.Context, string) ([]PreferenceEntry, error) {
	f.count("preferences")
	return f.prefs, f.prefsErr
}

func (f *fakePoll) SetPreferences(_ context.Context, _ string, prefs []PreferenceEntry) error {
	f.count("set_preferences")
	if f.setErr != nil {
		return f.setErr
	}
	f.mu.Lock()
	f.written = append(f.written, prefs...)
	f.mu.Unlock()
	return nil
}

func (f *fakePoll) GetLatestFirmware(context.Context, string) (FirmwareInfo, error) {
	f.count("firmware")
	return f.firmware, f.firmwareErr
}

func (f *fakePoll) GetWaterStatistics(_ context.Context, _ string, _, _ time.Time) ([]Fields, error) {
	f.count("statistics")
	return f.stats, nil
}

func (f *fakePoll) OpenValve(context.Context, string) error {
	f.count("open")
	return f.valveErr
}

func (f *fakePoll) CloseValve(context.Context, string) error {
	f.count("close")
	return f.valveErr
}

func staticState(fields Fields) func(context.Context) (Fields, error) {
	return func(context.Context) (Fields, error) { return fields, nil }
}

func fixedNow() time.Time {
	return time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
}

func newTestAgent(profile *Profile, poll *fakePoll) *Agent {
	return NewAgent(AgentConfig{
		ID:       "dev-1",
		HomeID:   "home-1",
		Profile:  profile,
		Poll:     poll,
		Location: time.UTC,
		Now:      fixedNow,
	})
}
