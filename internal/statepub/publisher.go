// Package statepub republishes resolved device state to a local MQTT broker
// as retained JSON, one topic per device.
//
// Change notifications arrive on agent goroutines; they are coalesced per
// device and published from a single worker so a slow broker never holds
// up push processing. A device whose resolved attributes did not change
// since the last publish is skipped.
package statepub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/phyn-bridge/internal/device"
	"github.com/nerrad567/phyn-bridge/internal/fleet"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/mqtt"
)

// Client is the broker surface used for publishing. *mqtt.Client
// satisfies it.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Source provides agents and their change notifications.
// *fleet.Coordinator satisfies it.
type Source interface {
	Agent(deviceID string) (*device.Agent, bool)
	Agents() []*device.Agent
	Subscribe(fn func(device.Change)) func()
}

// Logger is the logging surface used by the publisher.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// StateMessage is the retained payload on phyn/device/<id>/state.
type StateMessage struct {
	DeviceID   string                  `json:"device_id"`
	HomeID     string                  `json:"home_id,omitempty"`
	Profile    device.Kind             `json:"profile"`
	Valve      device.ValveState       `json:"valve_state,omitempty"`
	Attributes map[string]device.Value `json:"attributes"`
	Change     device.ChangeKind       `json:"change,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

// Options configures a Publisher.
type Options struct {
	// QoS for every publish. Defaults to 1.
	QoS *byte

	// Attributes additionally publishes each known attribute on its own
	// retained topic.
	Attributes bool

	Now    func() time.Time
	Logger Logger
}

// Publisher mirrors agent state to MQTT.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Publisher struct {
	src    Source
	client Client
	qos    byte
	attrs  bool
	now    func() time.Time
	logger Logger
	topics mqtt.Topics

	mu      sync.Mutex
	pending map[string]device.ChangeKind
	last    map[string]string
	online  map[string]bool
	wake    chan struct{}

	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a publisher. Nothing is published until Start.
func New(src Source, client Client, opts Options) *Publisher {
	qos := byte(1)
	if opts.QoS != nil {
		qos = *opts.QoS
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Publisher{
		src:     src,
		client:  client,
		qos:     qos,
		attrs:   opts.Attributes,
		now:     opts.Now,
		logger:  opts.Logger,
		pending: make(map[string]device.ChangeKind),
		last:    make(map[string]string),
		online:  make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

// Start subscribes to changes and starts the publishing worker. Every
// current agent is queued so retained topics reflect the fleet at startup.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.unsubscribe = p.src.Subscribe(func(ch device.Change) {
		p.enqueue(ch.DeviceID, ch.Kind)
	})
	for _, a := range p.src.Agents() {
		p.enqueue(a.ID(), "")
	}

	go p.run(ctx)
}

// Stop unsubscribes and waits for the worker. Pending changes not yet
// published are dropped.
func (p *Publisher) Stop() {
	p.mu.Lock()
	done, cancel := p.done, p.cancel
	p.mu.Unlock()
	if done == nil {
		return
	}
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	cancel()
	<-done
}

// Republish forgets what was published and queues every agent again. Use
// it after the broker reconnects with a clean session.
func (p *Publisher) Republish() {
	p.mu.Lock()
	clear(p.last)
	clear(p.online)
	p.mu.Unlock()
	for _, a := range p.src.Agents() {
		p.enqueue(a.ID(), "")
	}
}

func (p *Publisher) enqueue(deviceID string, kind device.ChangeKind) {
	p.mu.Lock()
	if _, ok := p.pending[deviceID]; !ok || kind != "" {
		p.pending[deviceID] = kind
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}

		p.mu.Lock()
		batch := p.pending
		p.pending = make(map[string]device.ChangeKind, len(batch))
		p.mu.Unlock()

		for id, kind := range batch {
			if ctx.Err() != nil {
				return
			}
			if err := p.publishDevice(id, kind); err != nil {
				p.logger.Warn("state publish failed", "device_id", id, "error", err)
			}
		}
	}
}

// publishDevice publishes one device's state unless it is unchanged.
func (p *Publisher) publishDevice(deviceID string, kind device.ChangeKind) error {
	a, ok := p.src.Agent(deviceID)
	if !ok {
		return nil
	}

	values := a.ResolveAll()
	attrs, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshalling attributes: %w", err)
	}
	p.mu.Lock()
	unchanged := p.last[deviceID] == string(attrs)
	p.mu.Unlock()
	if unchanged {
		p.logger.Debug("state unchanged, skipping publish", "device_id", deviceID)
		return nil
	}

	msg := StateMessage{
		DeviceID:   deviceID,
		HomeID:     a.HomeID(),
		Profile:    a.Profile().Kind,
		Attributes: values,
		Change:     kind,
		Timestamp:  p.now().UTC(),
	}
	if a.Profile().Capabilities.Valve {
		msg.Valve = a.ValveState()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	if err := p.client.Publish(p.topics.DeviceState(deviceID), payload, p.qos, true); err != nil {
		return err
	}

	if p.attrs {
		for name, v := range values {
			if !v.Known {
				continue
			}
			raw, err := json.Marshal(v.Raw)
			if err != nil {
				continue
			}
			if err := p.client.Publish(p.topics.DeviceAttribute(deviceID, name), raw, p.qos, true); err != nil {
				return err
			}
		}
	}

	p.mu.Lock()
	p.last[deviceID] = string(attrs)
	p.mu.Unlock()
	return nil
}

// PublishSweep publishes a sweep summary and per-device availability.
// Availability is only published when it changes. Its signature matches
// fleet.Scheduler.OnSweep.
func (p *Publisher) PublishSweep(report *fleet.SweepReport, _ error) {
	if report == nil {
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		p.logger.Warn("marshalling sweep report failed", "error", err)
		return
	}
	if err := p.client.Publish(p.topics.SystemSweep(), payload, p.qos, true); err != nil {
		p.logger.Warn("sweep publish failed", "error", err)
	}

	for _, r := range report.Results {
		online := r.OK()
		p.mu.Lock()
		prev, seen := p.online[r.DeviceID]
		p.mu.Unlock()
		if seen && prev == online {
			continue
		}

		status := "offline"
		if online {
			status = "online"
		}
		if err := p.client.Publish(p.topics.DeviceAvailability(r.DeviceID), []byte(status), p.qos, true); err != nil {
			p.logger.Warn("availability publish failed", "device_id", r.DeviceID, "error", err)
			continue
		}
		p.mu.Lock()
		p.online[r.DeviceID] = online
		p.mu.Unlock()
	}
}
