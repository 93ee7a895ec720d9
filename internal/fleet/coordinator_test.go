package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/phyn-bridge/internal/device"
)

func addDevices(t *testing.T, c *Coordinator, codes map[string]string) {
	t.Helper()
	for id, code := range codes {
		if _, _, err := c.AddDevice("home-1", id, code); err != nil {
			t.Fatalf("AddDevice(%s) error = %v", id, err)
		}
	}
}

func TestCoordinator_TickIsolatesTimeout(t *testing.T) {
	poll := newStubPoll()
	poll.states["dev-1"] = device.Fields{"serial_number": "S1"}
	poll.states["dev-3"] = device.Fields{"serial_number": "S3"}
	poll.slow["dev-2"] = true

	c := New(Options{Poll: poll, RefreshTimeout: 50 * time.Millisecond})
	defer c.Stop()
	addDevices(t, c, map[string]string{"dev-1": "PC1", "dev-2": "PC1", "dev-3": "PC1"})

	report, err := c.Tick(context.Background())

	var sweepErr *SweepError
	if !errors.As(err, &sweepErr) {
		t.Fatalf("Tick() error = %v, want *SweepError", err)
	}
	if len(sweepErr.Failures) != 1 || sweepErr.Failures[0].DeviceID != "dev-2" {
		t.Fatalf("failures = %v, want exactly dev-2", sweepErr.DeviceIDs())
	}
	if sweepErr.Total != 3 {
		t.Errorf("Total = %d, want 3", sweepErr.Total)
	}
	if !errors.Is(err, device.ErrTimeout) || !errors.Is(err, device.ErrUpdateFailed) {
		t.Errorf("Tick() error = %v, want timeout update failure", err)
	}
	if report == nil || report.Succeeded() != 2 {
		t.Fatalf("report = %+v, want 2 successes", report)
	}

	for _, id := range []string{"dev-1", "dev-3"} {
		a, _ := c.Agent(id)
		if v, ok := a.Resolve(device.AttrSerialNumber).Text(); !ok || v == "" {
			t.Errorf("%s serial not refreshed", id)
		}
	}
	if c.State() != StateIdle {
		t.Errorf("State() = %s after sweep, want idle", c.State())
	}
	if c.LastReport() != report {
		t.Error("LastReport() does not return the latest report")
	}
}

func TestCoordinator_TickCancelledWhileQueued(t *testing.T) {
	poll := newStubPoll()
	poll.slow["a"] = true
	poll.slow["b"] = true

	c := New(Options{Poll: poll, Concurrency: 1, RefreshTimeout: 5 * time.Second})
	defer c.Stop()
	addDevices(t, c, map[string]string{"a": "PC1", "b": "PC1"})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		report *SweepReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := c.Tick(ctx)
		done <- result{r, err}
	}()

	deadline := time.Now().Add(time.Second)
	for poll.stateCalls("a")+poll.stateCalls("b") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Tick() did not return after cancel")
	}

	if got := poll.stateCalls("a") + poll.stateCalls("b"); got != 1 {
		t.Errorf("state calls = %d, want only the device holding the slot", got)
	}
	if len(res.report.Failures()) != 2 {
		t.Fatalf("failures = %+v, want both devices", res.report.Results)
	}
	for _, f := range res.report.Failures() {
		var updateErr *device.UpdateError
		if !errors.As(f.Err, &updateErr) || !errors.Is(f.Err, device.ErrUpdateFailed) {
			t.Errorf("%s error = %v, want *device.UpdateError", f.DeviceID, f.Err)
		}
		if !errors.Is(f.Err, context.Canceled) {
			t.Errorf("%s error = %v, want cancellation cause", f.DeviceID, f.Err)
		}
		a, _ := c.Agent(f.DeviceID)
		if a.Status().TickCount != 1 {
			t.Errorf("%s tick count = %d, want 1", f.DeviceID, a.Status().TickCount)
		}
	}
}

func TestCoordinator_TickAllHealthy(t *testing.T) {
	poll := newStubPoll()
	c := New(Options{Poll: poll})
	defer c.Stop()
	addDevices(t, c, map[string]string{"a": "PP1", "b": "PP2", "c": "PW1"})

	report, err := c.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(report.Results) != 3 || len(report.Failures()) != 0 {
		t.Errorf("report = %+v, want 3 clean results", report.Results)
	}
	// Sorted by device id.
	if report.Results[0].DeviceID != "a" || report.Results[2].DeviceID != "c" {
		t.Errorf("results not in device order: %+v", report.Results)
	}
}

func TestCoordinator_TickInProgress(t *testing.T) {
	poll := newStubPoll()
	poll.slow["dev-1"] = true
	c := New(Options{Poll: poll, RefreshTimeout: 200 * time.Millisecond})
	defer c.Stop()
	addDevices(t, c, map[string]string{"dev-1": "PC1"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Tick(context.Background())
	}()

	deadline := time.Now().Add(time.Second)
	for c.State() != StateTicking && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := c.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("second Tick() error = %v, want ErrTickInProgress", err)
	}
	<-done
}

func TestCoordinator_UnsupportedDeviceReportedOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	c := New(Options{
		Poll: newStubPoll(),
		OnUnsupported: func(_, id, code string) {
			mu.Lock()
			calls = append(calls, id+"/"+code)
			mu.Unlock()
		},
	})
	defer c.Stop()

	for i := 0; i < 3; i++ {
		a, isNew, err := c.AddDevice("home-1", "dev-x", "PX9")
		if a != nil || isNew || err != nil {
			t.Fatalf("AddDevice(unsupported) = %v, %v, %v", a, isNew, err)
		}
	}
	if len(calls) != 1 || calls[0] != "dev-x/PX9" {
		t.Errorf("OnUnsupported calls = %v, want one", calls)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCoordinator_Enumerate(t *testing.T) {
	homes := &stubHomes{
		failures: 1,
		homes: []device.Home{
			{ID: "h1", Devices: []device.HomeDevice{
				{DeviceID: "d1", ProductCode: "PP2"},
				{DeviceID: "d2", ProductCode: "PC1"},
			}},
			{ID: "h2", Devices: []device.HomeDevice{
				{DeviceID: "d3", ProductCode: "ZZ1"},
			}},
		},
	}
	push := newStubPush()
	c := New(Options{Poll: newStubPoll(), Push: push, Homes: homes})
	defer c.Stop()

	added, err := c.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if added != 2 || c.Len() != 2 {
		t.Errorf("added = %d, Len() = %d; want 2, 2", added, c.Len())
	}
	if !push.subscribed("d1") {
		t.Error("push device not subscribed")
	}
	if push.subscribed("d2") {
		t.Error("Classic device subscribed to push")
	}
	if a, _ := c.Agent("d1"); a.HomeID() != "h1" {
		t.Errorf("HomeID() = %q, want h1", a.HomeID())
	}

	// Re-enumerating adds nothing.
	if added, _ := c.Enumerate(context.Background()); added != 0 {
		t.Errorf("second Enumerate() added %d", added)
	}
}

func TestCoordinator_EnumerateGivesUp(t *testing.T) {
	homes := &stubHomes{failures: 100}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := New(Options{Poll: newStubPoll(), Homes: homes})
	defer c.Stop()

	if _, err := c.Enumerate(ctx); !errors.Is(err, ErrEnumerationFailed) {
		t.Errorf("Enumerate() error = %v, want ErrEnumerationFailed", err)
	}
}

func TestCoordinator_RoutePush(t *testing.T) {
	push := newStubPush()
	c := New(Options{Poll: newStubPoll(), Push: push})
	defer c.Stop()
	addDevices(t, c, map[string]string{"dev-1": "PP1"})

	changed := make(chan device.Change, 4)
	c.Subscribe(func(ch device.Change) { changed <- ch })

	push.deliver("dev-1", device.Fields{"sov_state": "Closed"})
	push.deliver("nobody", device.Fields{"sov_state": "Open"})

	select {
	case ch := <-changed:
		if ch.DeviceID != "dev-1" || ch.Kind != device.ChangePush {
			t.Errorf("change = %+v", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push not applied")
	}

	a, _ := c.Agent("dev-1")
	if a.ValveState() != device.ValveClosed {
		t.Errorf("ValveState() = %s, want closed", a.ValveState())
	}
}

func TestCoordinator_StopIsTerminal(t *testing.T) {
	poll := newStubPoll()
	poll.slow["dev-1"] = true
	push := newStubPush()
	c := New(Options{Poll: poll, Push: push, RefreshTimeout: time.Minute})
	addDevices(t, c, map[string]string{"dev-1": "PP1"})

	tickErr := make(chan error, 1)
	go func() {
		_, err := c.Tick(context.Background())
		tickErr <- err
	}()
	for poll.stateCalls("dev-1") == 0 {
		time.Sleep(time.Millisecond)
	}

	c.Stop()
	c.Stop()

	select {
	case err := <-tickErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("in-flight Tick() error = %v, want cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight sweep")
	}

	if c.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", c.State())
	}
	if _, err := c.Tick(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Tick() after Stop error = %v, want ErrStopped", err)
	}
	if _, _, err := c.AddDevice("h", "dev-2", "PP1"); !errors.Is(err, ErrStopped) {
		t.Errorf("AddDevice() after Stop error = %v, want ErrStopped", err)
	}
	if push.subscribed("dev-1") {
		t.Error("push subscription left after Stop")
	}

	a, _ := c.Agent("dev-1")
	if a.ApplyPush(device.Fields{"sov_state": "Open"}) {
		t.Error("agent mutated after Stop")
	}
}

func TestCoordinator_Lookup(t *testing.T) {
	c := New(Options{Poll: newStubPoll()})
	defer c.Stop()
	addDevices(t, c, map[string]string{"dev-1": "PC1"})

	a, err := c.Lookup("dev-1")
	if err != nil || a.ID() != "dev-1" {
		t.Fatalf("Lookup(dev-1) = %v, %v", a, err)
	}
	if _, err := c.Lookup("nobody"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Lookup(nobody) error = %v, want ErrUnknownDevice", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateIdle:    "idle",
		StateTicking: "ticking",
		StateStopped: "stopped",
		State(9):     "state(9)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
