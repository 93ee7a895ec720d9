package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/phyn-bridge/internal/device"
)

// Default coordinator settings.
const (
	// DefaultRefreshTimeout bounds one device's refresh within a sweep.
	DefaultRefreshTimeout = 20 * time.Second

	// DefaultConcurrency is the number of devices refreshed at once.
	DefaultConcurrency = 4

	// DefaultEnumerateRetries is the number of retries for ListHomes.
	DefaultEnumerateRetries = 5
)

// State is the coordinator lifecycle state.
type State int

// Coordinator states.
const (
	StateIdle State = iota
	StateTicking
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTicking:
		return "ticking"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Logger defines the logging interface used by the coordinator.
// Compatible with *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// HomeLister enumerates the homes and devices of the account.
type HomeLister interface {
	ListHomes(ctx context.Context) ([]device.Home, error)
}

// UnsupportedFunc is called once per device whose product code has no
// profile.
type UnsupportedFunc func(homeID, deviceID, productCode string)

// Options configures a Coordinator.
type Options struct {
	Poll  device.PollClient
	Push  device.PushClient // optional
	Homes HomeLister        // optional, required by Enumerate

	// RefreshTimeout bounds each device refresh. Zero means
	// DefaultRefreshTimeout.
	RefreshTimeout time.Duration

	// Concurrency limits parallel refreshes. Zero means
	// DefaultConcurrency.
	Concurrency int

	// EnumerateRetries is the number of ListHomes retries. Zero means
	// DefaultEnumerateRetries.
	EnumerateRetries int

	// Agent settings passed through to every device.Agent.
	FirmwareEvery int
	QueueSize     int
	Location      *time.Location

	Metrics       *Metrics // optional
	OnUnsupported UnsupportedFunc
	Logger        Logger
}

// Coordinator owns the agents of a fleet.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The agent map is only locked to look up or enumerate agents, never
//     across a sweep.
type Coordinator struct {
	opts   Options
	logger Logger

	base       context.Context
	cancelBase context.CancelFunc

	stateMu sync.Mutex
	state   State
	ticks   sync.WaitGroup

	mu          sync.RWMutex
	agents      map[string]*device.Agent
	unsupported map[string]struct{}
	lastReport  *SweepReport

	subMu   sync.RWMutex
	subs    map[uint64]func(device.Change)
	nextSub uint64
}

// New creates a coordinator in the Idle state. When a PushClient is given,
// its message handler is set to RoutePush.
func New(opts Options) *Coordinator {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.EnumerateRetries <= 0 {
		opts.EnumerateRetries = DefaultEnumerateRetries
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:        opts,
		logger:      opts.Logger,
		base:        base,
		cancelBase:  cancel,
		state:       StateIdle,
		agents:      make(map[string]*device.Agent),
		unsupported: make(map[string]struct{}),
		subs:        make(map[uint64]func(device.Change)),
	}
	if opts.Push != nil {
		opts.Push.OnMessage(c.RoutePush)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// =============================================================================
// Fleet membership
// =============================================================================

// Enumerate lists the account's homes and adds an agent for every supported
// device. ListHomes is retried with exponential backoff.
//
// Returns:
//   - int: number of agents added by this call
//   - error: ErrEnumerationFailed wrapping the last cause, or ErrStopped
func (c *Coordinator) Enumerate(ctx context.Context) (int, error) {
	if c.State() == StateStopped {
		return 0, ErrStopped
	}
	if c.opts.Homes == nil {
		return 0, fmt.Errorf("%w: no home lister configured", ErrEnumerationFailed)
	}

	var homes []device.Home
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.opts.EnumerateRetries)),
		ctx,
	)
	err := backoff.Retry(func() error {
		var err error
		homes, err = c.opts.Homes.ListHomes(ctx)
		if err != nil {
			c.logger.Warn("listing homes failed, retrying", "error", err)
		}
		return err
	}, bo)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}

	added := 0
	for _, home := range homes {
		for _, d := range home.Devices {
			_, isNew, err := c.AddDevice(home.ID, d.DeviceID, d.ProductCode)
			if err != nil {
				return added, err
			}
			if isNew {
				added++
			}
		}
	}
	c.logger.Info("fleet enumerated", "homes", len(homes), "added", added, "devices", c.Len())
	return added, nil
}

// AddDevice creates and starts an agent for a device. Devices with an
// unknown product code are left unmanaged: they are logged once and
// reported to OnUnsupported, and AddDevice returns a nil agent without an
// error.
//
// Returns:
//   - *device.Agent: the agent, existing or new; nil if unsupported
//   - bool: true if a new agent was created
//   - error: ErrStopped after Stop
func (c *Coordinator) AddDevice(homeID, deviceID, productCode string) (*device.Agent, bool, error) {
	profile, ok := device.LookupProfile(productCode)

	c.mu.Lock()
	if c.State() == StateStopped {
		c.mu.Unlock()
		return nil, false, ErrStopped
	}
	if a, exists := c.agents[deviceID]; exists {
		c.mu.Unlock()
		return a, false, nil
	}
	if !ok {
		_, seen := c.unsupported[deviceID]
		c.unsupported[deviceID] = struct{}{}
		c.mu.Unlock()
		if !seen {
			c.logger.Warn("unsupported device ignored", "device_id", deviceID, "product_code", productCode)
			if c.opts.OnUnsupported != nil {
				c.opts.OnUnsupported(homeID, deviceID, productCode)
			}
		}
		return nil, false, nil
	}

	a := device.NewAgent(device.AgentConfig{
		ID:            deviceID,
		HomeID:        homeID,
		Profile:       profile,
		Poll:          c.opts.Poll,
		FirmwareEvery: c.opts.FirmwareEvery,
		QueueSize:     c.opts.QueueSize,
		Location:      c.opts.Location,
		Logger:        c.logger,
	})
	c.agents[deviceID] = a
	c.mu.Unlock()

	a.Subscribe(c.notify)
	a.Start()

	if profile.Capabilities.Push && c.opts.Push != nil {
		if err := c.opts.Push.Subscribe(deviceID); err != nil {
			// Polling still covers the device.
			c.logger.Warn("push subscribe failed", "device_id", deviceID, "error", err)
		}
	}

	c.logger.Info("device added", "device_id", deviceID, "home_id", homeID, "profile", profile.Kind)
	return a, true, nil
}

// Agent returns the agent for a device id.
func (c *Coordinator) Agent(deviceID string) (*device.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[deviceID]
	return a, ok
}

// Lookup is Agent with an error for callers that report it.
//
// Returns:
//   - error: wraps ErrUnknownDevice when the id is not managed
func (c *Coordinator) Lookup(deviceID string) (*device.Agent, error) {
	a, ok := c.Agent(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	return a, nil
}

// Agents returns all agents sorted by device id.
func (c *Coordinator) Agents() []*device.Agent {
	c.mu.RLock()
	out := make([]*device.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of managed devices.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}

// LastReport returns the report of the most recent sweep, or nil.
func (c *Coordinator) LastReport() *SweepReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReport
}

// =============================================================================
// Sweep
// =============================================================================

// Tick refreshes every agent once. Each refresh runs under its own timeout
// and its failure is isolated from the others. The sweep always runs to
// completion.
//
// Returns:
//   - *SweepReport: per-device results (nil if the sweep did not start)
//   - error: *SweepError if any device failed, ErrTickInProgress or
//     ErrStopped if the sweep did not start
func (c *Coordinator) Tick(ctx context.Context) (*SweepReport, error) {
	c.stateMu.Lock()
	switch c.state {
	case StateStopped:
		c.stateMu.Unlock()
		return nil, ErrStopped
	case StateTicking:
		c.stateMu.Unlock()
		return nil, ErrTickInProgress
	}
	c.state = StateTicking
	c.ticks.Add(1)
	c.stateMu.Unlock()

	defer func() {
		c.stateMu.Lock()
		if c.state == StateTicking {
			c.state = StateIdle
		}
		c.stateMu.Unlock()
		c.ticks.Done()
	}()

	// Stop cancels the sweep through the base context.
	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAfter := context.AfterFunc(c.base, cancel)
	defer stopAfter()

	agents := c.Agents()
	report := &SweepReport{
		StartedAt: time.Now(),
		Results:   make([]DeviceResult, len(agents)),
	}

	sem := make(chan struct{}, c.opts.Concurrency)
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a *device.Agent) {
			defer wg.Done()

			// A sweep cancelled while waiting for a slot still goes through
			// Refresh, which fails at once and advances the tick counter.
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-sweepCtx.Done():
			}

			report.Results[i] = c.refreshOne(sweepCtx, a)
		}(i, a)
	}
	wg.Wait()
	report.Duration = time.Since(report.StartedAt)

	c.mu.Lock()
	c.lastReport = report
	c.mu.Unlock()

	failures := report.Failures()
	c.opts.Metrics.observeSweep(report)
	c.logger.Debug("sweep finished",
		"devices", len(agents),
		"failed", len(failures),
		"duration_ms", report.Duration.Milliseconds(),
	)

	if len(failures) > 0 {
		return report, &SweepError{Failures: failures, Total: len(agents)}
	}
	return report, nil
}

func (c *Coordinator) refreshOne(ctx context.Context, a *device.Agent) DeviceResult {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RefreshTimeout)
	defer cancel()

	start := time.Now()
	err := a.Refresh(ctx)
	res := DeviceResult{DeviceID: a.ID(), Duration: time.Since(start), Err: err}
	if err != nil {
		res.Error = err.Error()
		c.logger.Warn("device refresh failed", "device_id", a.ID(), "error", err)
	}
	return res
}

// =============================================================================
// Push routing
// =============================================================================

// RoutePush hands a push message to the device's agent. Messages for
// unknown devices, or arriving while the agent's queue is full, are dropped.
func (c *Coordinator) RoutePush(deviceID string, fields device.Fields) {
	a, ok := c.Agent(deviceID)
	if !ok {
		c.logger.Debug("push for unknown device dropped", "device_id", deviceID)
		c.opts.Metrics.pushDropped("unknown_device")
		return
	}
	if !a.Enqueue(fields) {
		c.logger.Warn("push dropped: queue full or agent closed", "device_id", deviceID)
		c.opts.Metrics.pushDropped("queue_full")
		return
	}
	c.opts.Metrics.pushRouted()
}

// =============================================================================
// Change notifications
// =============================================================================

// Subscribe registers fn for change notifications from every agent,
// including agents added later.
//
// Returns:
//   - func(): cancels the subscription
func (c *Coordinator) Subscribe(fn func(device.Change)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Coordinator) notify(ch device.Change) {
	c.opts.Metrics.change(ch.Kind)

	c.subMu.RLock()
	fns := make([]func(device.Change), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Stop tears the fleet down: in-flight refreshes are cancelled, push
// subscriptions are dropped and every agent is closed. Stop is terminal and
// idempotent.
func (c *Coordinator) Stop() {
	c.stateMu.Lock()
	if c.state == StateStopped {
		c.stateMu.Unlock()
		return
	}
	c.state = StateStopped
	c.stateMu.Unlock()

	c.cancelBase()
	c.ticks.Wait()

	for _, a := range c.Agents() {
		if a.Profile().Capabilities.Push && c.opts.Push != nil {
			if err := c.opts.Push.Unsubscribe(a.ID()); err != nil {
				c.logger.Debug("push unsubscribe failed", "device_id", a.ID(), "error", err)
			}
		}
		a.Close()
	}
	c.logger.Info("fleet stopped", "devices", c.Len())
}
