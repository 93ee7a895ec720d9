package fleet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/phyn-bridge/internal/device"
)

var errTransport = errors.New("transport down")

// stubPoll serves device records from a map. A device listed in slow blocks
// until its context is done.
type stubPoll struct {
	mu     sync.Mutex
	states map[string]device.Fields
	slow   map[string]bool
	fail   map[string]error
	calls  map[string]int
}

func newStubPoll() *stubPoll {
	return &stubPoll{
		states: make(map[string]device.Fields),
		slow:   make(map[string]bool),
		fail:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (p *stubPoll) stateCalls(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func (p *stubPoll) GetState(ctx context.Context, id string) (device.Fields, error) {
	p.mu.Lock()
	p.calls[id]++
	slow, err, fields := p.slow[id], p.fail[id], p.states[id]
	p.mu.Unlock()

	if slow {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return fields, nil
}

func (p *stubPoll) GetConsumption(context.Context, string, string) (device.Fields, error) {
	return device.Fields{"water_consumption": 10.0}, nil
}

func (p *stubPoll) GetPreferences(context.Context, string) ([]device.PreferenceEntry, error) {
	return nil, nil
}

func (p *stubPoll) SetPreferences(context.Context, string, []device.PreferenceEntry) error {
	return nil
}

func (p *stubPoll) GetLatestFirmware(context.Context, string) (device.FirmwareInfo, error) {
	return device.FirmwareInfo{Version: "1"}, nil
}

func (p *stubPoll) GetWaterStatistics(context.Context, string, time.Time, time.Time) ([]device.Fields, error) {
	return nil, nil
}

func (p *stubPoll) OpenValve(context.Context, string) error  { return nil }
func (p *stubPoll) CloseValve(context.Context, string) error { return nil }

// stubPush records subscriptions.
type stubPush struct {
	mu      sync.Mutex
	handler device.PushHandler
	subs    map[string]bool
}

func newStubPush() *stubPush {
	return &stubPush{subs: make(map[string]bool)}
}

func (p *stubPush) OnMessage(h device.PushHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *stubPush) Subscribe(id string) error {
	p.mu.Lock()
	p.subs[id] = true
	p.mu.Unlock()
	return nil
}

func (p *stubPush) Unsubscribe(id string) error {
	p.mu.Lock()
	delete(p.subs, id)
	p.mu.Unlock()
	return nil
}

func (p *stubPush) subscribed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[id]
}

func (p *stubPush) deliver(id string, f device.Fields) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h(id, f)
}

// stubHomes returns a fixed home list after failing a number of times.
type stubHomes struct {
	mu       sync.Mutex
	homes    []device.Home
	failures int
	calls    int
}

func (h *stubHomes) ListHomes(context.Context) ([]device.Home, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return nil, errTransport
	}
	return h.homes, nil
}
