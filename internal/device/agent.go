package device

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Default agent settings.
const (
	// DefaultFirmwareEvery is the number of refreshes between firmware
	// lookups. At the default poll interval this is once an hour.
	DefaultFirmwareEvery = 60

	// DefaultPushQueueSize is the capacity of an agent's push queue.
	DefaultPushQueueSize = 64

	// statisticsWindow is how far back water sensor statistics are read.
	statisticsWindow = 24 * time.Hour

	// consumptionDateLayout is the duration format of the consumption API.
	consumptionDateLayout = "2006/01/02"

	manufacturer = "Phyn"
)

// Refresh steps, reported in UpdateError.Step.
const (
	StepState       = "state"
	StepPreferences = "preferences"
	StepConsumption = "consumption"
	StepStatistics  = "statistics"
	StepFirmware    = "firmware"
)

// Logger defines the logging interface used by agents.
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

// ChangeKind says what kind of update produced a Change.
type ChangeKind string

// Change kinds.
const (
	ChangePoll       ChangeKind = "poll"
	ChangePush       ChangeKind = "push"
	ChangePreference ChangeKind = "preference"
	ChangeFirmware   ChangeKind = "firmware"
)

// Change is delivered to subscribers after a successful update.
type Change struct {
	DeviceID string     `json:"device_id"`
	Kind     ChangeKind `json:"kind"`
	Section  Section    `json:"section,omitempty"`
	At       time.Time  `json:"at"`
}

// AgentConfig configures a new Agent.
type AgentConfig struct {
	ID      string
	HomeID  string
	Profile *Profile
	Poll    PollClient

	// FirmwareEvery is the throttling period for firmware lookups, in
	// refreshes. Zero means DefaultFirmwareEvery.
	FirmwareEvery int

	// QueueSize is the push queue capacity. Zero means DefaultPushQueueSize.
	QueueSize int

	// Location is used to compute "today" for consumption. Nil means
	// time.Local.
	Location *time.Location

	Now    func() time.Time
	Logger Logger
}

// AgentStatus summarises an agent for diagnostics.
type AgentStatus struct {
	ID          string    `json:"id"`
	HomeID      string    `json:"home_id,omitempty"`
	Kind        Kind      `json:"profile"`
	TickCount   uint64    `json:"tick_count"`
	LastRefresh time.Time `json:"last_refresh,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	QueueDepth  int       `json:"queue_depth"`
}

// Agent binds the state of one physical device to its id. It is the entry
// point used by the fleet coordinator for refreshes and push delivery, and
// by consumers for reads and commands.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Mutations are serialised per agent; network I/O happens outside the
//     lock.
type Agent struct {
	id      string
	homeID  string
	profile *Profile
	poll    PollClient
	store   *Store
	tracker *TransitionTracker
	prefs   *PreferenceCache
	logger  Logger
	now     func() time.Time
	loc     *time.Location

	firmwareEvery uint64

	mu          sync.Mutex
	closed      bool
	tickCount   uint64
	firmware    FirmwareInfo
	hasFirmware bool
	lastRefresh time.Time
	lastErr     error

	// valveRaw is the last raw valve status carried by any update. It is
	// sticky: updates without a valve key leave it alone.
	valveRaw    string
	valveSource Source

	subMu   sync.RWMutex
	subs    map[uint64]func(Change)
	nextSub uint64

	queue     chan Fields
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewAgent creates an agent. The push worker is not running until Start.
func NewAgent(cfg AgentConfig) *Agent {
	if cfg.FirmwareEvery <= 0 {
		cfg.FirmwareEvery = DefaultFirmwareEvery
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultPushQueueSize
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return &Agent{
		id:            cfg.ID,
		homeID:        cfg.HomeID,
		profile:       cfg.Profile,
		poll:          cfg.Poll,
		store:         NewStore(cfg.Profile),
		tracker:       NewTransitionTracker(),
		prefs:         NewPreferenceCache(cfg.ID, cfg.Poll),
		logger:        cfg.Logger,
		now:           cfg.Now,
		loc:           cfg.Location,
		firmwareEvery: uint64(cfg.FirmwareEvery),
		subs:          make(map[uint64]func(Change)),
		queue:         make(chan Fields, cfg.QueueSize),
		done:          make(chan struct{}),
	}
}

// ID returns the device id.
func (a *Agent) ID() string { return a.id }

// HomeID returns the id of the home the device belongs to.
func (a *Agent) HomeID() string { return a.homeID }

// Profile returns the device profile.
func (a *Agent) Profile() *Profile { return a.profile }

// Attributes lists the attributes this device exposes.
func (a *Agent) Attributes() []string { return a.profile.Attributes() }

// =============================================================================
// Refresh
// =============================================================================

// Refresh runs one poll cycle: the device record, then preferences and
// consumption or statistics, then firmware on every FirmwareEvery-th call.
//
// The first failing step aborts the rest of the cycle. Steps that already
// succeeded keep their results. The tick counter advances whether or not
// the cycle succeeds.
//
// Returns:
//   - error: *UpdateError matching ErrUpdateFailed (and ErrTimeout for
//     deadlines), or ErrClosed after Close
func (a *Agent) Refresh(ctx context.Context) (err error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	tick := a.tickCount
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.tickCount++
		a.lastRefresh = a.now()
		a.lastErr = err
		a.mu.Unlock()
	}()

	caps := a.profile.Capabilities

	if err := ctx.Err(); err != nil {
		return a.updateErr(StepState, err)
	}
	if a.needsState() {
		fields, err := a.poll.GetState(ctx, a.id)
		if err != nil {
			return a.updateErr(StepState, err)
		}
		a.applyPoll(SectionState, fields)
	}

	if caps.Preferences {
		if err := ctx.Err(); err != nil {
			return a.updateErr(StepPreferences, err)
		}
		entries, err := a.poll.GetPreferences(ctx, a.id)
		if err != nil {
			return a.updateErr(StepPreferences, err)
		}
		a.refreshPreferences(entries)
	}

	if caps.Consumption {
		if err := ctx.Err(); err != nil {
			return a.updateErr(StepConsumption, err)
		}
		duration := a.now().In(a.loc).Format(consumptionDateLayout)
		fields, err := a.poll.GetConsumption(ctx, a.id, duration)
		if err != nil {
			return a.updateErr(StepConsumption, err)
		}
		a.applyPoll(SectionConsumption, fields)
	}

	if caps.Statistics {
		if err := ctx.Err(); err != nil {
			return a.updateErr(StepStatistics, err)
		}
		to := a.now()
		entries, err := a.poll.GetWaterStatistics(ctx, a.id, to.Add(-statisticsWindow), to)
		if err != nil {
			return a.updateErr(StepStatistics, err)
		}
		if latest := latestEntry(entries); latest != nil {
			a.applyPoll(SectionStatistics, latest)
		}
	}

	if tick%a.firmwareEvery == 0 {
		if err := ctx.Err(); err != nil {
			return a.updateErr(StepFirmware, err)
		}
		info, err := a.poll.GetLatestFirmware(ctx, a.id)
		if err != nil {
			return a.updateErr(StepFirmware, err)
		}
		a.setFirmware(info)
	}

	return nil
}

// needsState reports whether the device record must be fetched this cycle.
func (a *Agent) needsState() bool {
	if !a.profile.Capabilities.StateUntilKnown {
		return true
	}
	return !a.store.Resolve(AttrModel).Known
}

func (a *Agent) updateErr(step string, err error) error {
	return &UpdateError{DeviceID: a.id, Step: step, Err: err}
}

// applyPoll writes a poll result and notifies subscribers.
func (a *Agent) applyPoll(section Section, fields Fields) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	changed := a.store.ApplyPoll(section, fields)
	if changed && section == SectionState {
		a.observeValve(fields, SourcePoll)
	}
	a.mu.Unlock()

	if !changed {
		a.logger.Debug("empty poll result ignored", "device_id", a.id, "section", section)
		return
	}
	a.notify(Change{DeviceID: a.id, Kind: ChangePoll, Section: section, At: a.now()})
}

func (a *Agent) refreshPreferences(entries []PreferenceEntry) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.prefs.RefreshFromPoll(entries)
	a.mu.Unlock()
}

func (a *Agent) setFirmware(info FirmwareInfo) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.firmware = info
	a.hasFirmware = info.Version != ""
	a.mu.Unlock()

	a.logger.Debug("firmware info updated", "device_id", a.id, "latest", info.Version)
	a.notify(Change{DeviceID: a.id, Kind: ChangeFirmware, At: a.now()})
}

// latestEntry picks the statistics entry with the greatest "ts".
func latestEntry(entries []Fields) Fields {
	var (
		best   Fields
		bestTS float64
	)
	for _, e := range entries {
		ts, ok := toFloat(e["ts"])
		if !ok {
			continue
		}
		if best == nil || ts > bestTS {
			best, bestTS = e, ts
		}
	}
	return best
}

// =============================================================================
// Push
// =============================================================================

// Start launches the push worker.
func (a *Agent) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.pushWorker()
	})
}

func (a *Agent) pushWorker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case fields := <-a.queue:
			a.ApplyPush(fields)
		}
	}
}

// Enqueue hands a push message to the worker without blocking.
//
// Returns:
//   - bool: false if the queue is full or the agent is closed
func (a *Agent) Enqueue(fields Fields) bool {
	select {
	case <-a.done:
		return false
	default:
	}

	select {
	case a.queue <- fields:
		return true
	default:
		return false
	}
}

// ApplyPush applies one push message and notifies subscribers. Messages with
// no attribute the profile knows are dropped.
//
// Returns:
//   - bool: true if the message was applied
func (a *Agent) ApplyPush(fields Fields) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	applied := a.store.ApplyPush(fields)
	if applied {
		a.observeValve(fields, SourcePush)
	}
	a.mu.Unlock()

	if !applied {
		a.logger.Debug("push message dropped: no known fields", "device_id", a.id, "keys", len(fields))
		return false
	}
	a.notify(Change{DeviceID: a.id, Kind: ChangePush, At: a.now()})
	return true
}

// QueueDepth returns the number of push messages waiting.
func (a *Agent) QueueDepth() int {
	return len(a.queue)
}

// observeValve feeds the valve status carried by one update into the
// tracker. Updates without a valve key leave the tracker untouched, so the
// last known position survives partial pushes and polls.
// Caller must hold a.mu.
func (a *Agent) observeValve(fields Fields, src Source) {
	if !a.profile.Capabilities.Valve {
		return
	}
	rule, ok := a.profile.Rule(AttrValveStatus)
	if !ok {
		return
	}
	paths := rule.Poll
	if src == SourcePush {
		paths = rule.Push
	}
	v, ok := first(fields, paths, rule.Convert)
	if !ok {
		return
	}
	raw, ok := v.(string)
	if !ok {
		return
	}
	a.valveRaw, a.valveSource = raw, src

	status, ok := a.profile.NormalizeValve(raw)
	if !ok {
		a.logger.Debug("unrecognised valve status", "device_id", a.id, "status", raw)
		return
	}
	a.tracker.Observe(status, a.now())
}

// =============================================================================
// Subscriptions
// =============================================================================

// Subscribe registers fn to be called after every successful update. fn runs
// on the goroutine that applied the update and must not block.
//
// Returns:
//   - func(): cancels the subscription
func (a *Agent) Subscribe(fn func(Change)) func() {
	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.subMu.Unlock()

	return func() {
		a.subMu.Lock()
		delete(a.subs, id)
		a.subMu.Unlock()
	}
}

func (a *Agent) notify(c Change) {
	a.subMu.RLock()
	fns := make([]func(Change), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.subMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// =============================================================================
// Reads
// =============================================================================

// Resolve returns the current value of an attribute. Attributes the device
// does not have, or has no data for, are Unknown.
func (a *Agent) Resolve(attribute string) Value {
	switch attribute {
	case AttrDeviceName:
		return known(a.deviceName(), SourceDerived)

	case AttrValveState:
		if !a.profile.Capabilities.Valve {
			return Unknown
		}
		st := a.tracker.State()
		if st == ValveUnknown {
			return Unknown
		}
		return known(string(st), SourceDerived)

	case AttrValveStatus:
		if !a.profile.Capabilities.Valve {
			return a.store.Resolve(attribute)
		}
		a.mu.Lock()
		raw, src := a.valveRaw, a.valveSource
		a.mu.Unlock()
		if raw == "" {
			return Unknown
		}
		return known(raw, src)

	case AttrLeakTestRunning:
		if !a.profile.Capabilities.Valve {
			return Unknown
		}
		running, ok := a.tracker.LeakTestRunning()
		if !ok {
			return Unknown
		}
		return known(running, SourceDerived)

	case AttrAwayMode:
		return a.preference(PrefAwayMode)

	case AttrScheduledLeakTest:
		return a.preference(PrefSchedulerEnable)

	case AttrFirmwareLatestVersion, AttrFirmwareReleaseURL, AttrFirmwareUpdateAvailable:
		return a.resolveFirmware(attribute)
	}

	return a.store.Resolve(attribute)
}

// ResolveAll resolves every attribute of the device.
func (a *Agent) ResolveAll() map[string]Value {
	attrs := a.Attributes()
	out := make(map[string]Value, len(attrs))
	for _, attr := range attrs {
		out[attr] = a.Resolve(attr)
	}
	return out
}

// ValveState returns the derived valve state, ValveUnknown for devices
// without a valve.
func (a *Agent) ValveState() ValveState {
	if !a.profile.Capabilities.Valve {
		return ValveUnknown
	}
	return a.tracker.State()
}

func (a *Agent) preference(name string) Value {
	if !a.profile.Capabilities.Preferences {
		return Unknown
	}
	v, ok := a.prefs.Get(name)
	if !ok {
		return Unknown
	}
	return known(v, SourcePoll)
}

func (a *Agent) resolveFirmware(attribute string) Value {
	a.mu.Lock()
	info, ok := a.firmware, a.hasFirmware
	a.mu.Unlock()
	if !ok {
		return Unknown
	}

	switch attribute {
	case AttrFirmwareLatestVersion:
		return known(info.Version, SourcePoll)
	case AttrFirmwareReleaseURL:
		if info.ReleaseNotes == "" {
			return Unknown
		}
		return known(info.ReleaseNotes, SourcePoll)
	}

	installed, ok := a.store.Resolve(AttrFirmwareVersion).Text()
	if !ok {
		return Unknown
	}
	latestN, err := strconv.Atoi(info.Version)
	if err != nil {
		return Unknown
	}
	installedN, err := strconv.Atoi(installed)
	if err != nil {
		return Unknown
	}
	return known(latestN > installedN, SourceDerived)
}

func (a *Agent) deviceName() string {
	name := a.profile.Model
	if code, ok := a.store.Resolve(AttrModel).Text(); ok {
		name = manufacturer + " " + code
	}
	if a.profile.Kind == KindWaterSensor {
		if label, ok := a.store.Resolve(AttrName).Text(); ok && label != "" {
			name += " - " + label
		}
	}
	return name
}

// Status returns diagnostic information about the agent.
func (a *Agent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := AgentStatus{
		ID:          a.id,
		HomeID:      a.homeID,
		Kind:        a.profile.Kind,
		TickCount:   a.tickCount,
		LastRefresh: a.lastRefresh,
		QueueDepth:  len(a.queue),
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	return st
}

// =============================================================================
// Commands
// =============================================================================

// OpenValve asks the device to open its valve. The local valve state is not
// changed; it follows the next push or poll.
func (a *Agent) OpenValve(ctx context.Context) error {
	return a.valveCommand(ctx, "open", a.poll.OpenValve)
}

// CloseValve asks the device to close its valve.
func (a *Agent) CloseValve(ctx context.Context) error {
	return a.valveCommand(ctx, "close", a.poll.CloseValve)
}

func (a *Agent) valveCommand(ctx context.Context, action string, send func(context.Context, string) error) error {
	if !a.profile.Capabilities.Valve {
		return fmt.Errorf("%w: %s valve on %s", ErrUnsupportedOperation, action, a.profile.Kind)
	}
	if a.isClosed() {
		return ErrClosed
	}
	if err := send(ctx, a.id); err != nil {
		return fmt.Errorf("%w: %s valve: %w", ErrRemoteCommand, action, err)
	}
	a.logger.Info("valve command sent", "device_id", a.id, "action", action)
	return nil
}

// SetPreference writes a boolean preference and caches it once confirmed.
func (a *Agent) SetPreference(ctx context.Context, name string, value bool) error {
	if !a.profile.Capabilities.Preferences {
		return fmt.Errorf("%w: preferences on %s", ErrUnsupportedOperation, a.profile.Kind)
	}
	if a.isClosed() {
		return ErrClosed
	}
	if err := a.prefs.Set(ctx, name, value); err != nil {
		return err
	}
	a.notify(Change{DeviceID: a.id, Kind: ChangePreference, At: a.now()})
	return nil
}

// SetAwayMode sets the away mode leak sensitivity preference.
func (a *Agent) SetAwayMode(ctx context.Context, on bool) error {
	return a.SetPreference(ctx, PrefAwayMode, on)
}

// SetSchedulerEnabled enables or disables scheduled leak tests.
func (a *Agent) SetSchedulerEnabled(ctx context.Context, on bool) error {
	return a.SetPreference(ctx, PrefSchedulerEnable, on)
}

// Preference returns a cached preference value.
func (a *Agent) Preference(name string) (bool, bool) {
	return a.prefs.Get(name)
}

// =============================================================================
// Lifecycle
// =============================================================================

func (a *Agent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close stops the push worker and rejects further mutations. Pending push
// messages are discarded. Close is idempotent.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
		a.wg.Wait()
	})
}
