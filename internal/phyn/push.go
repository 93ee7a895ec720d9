package phyn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/phyn-bridge/internal/device"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/mqtt"
)

// PushTopicPrefix is prepended to a device id to form its push topic.
const PushTopicPrefix = "prd/app_subscriptions/"

// Subscriber is the broker surface PushClient needs. *mqtt.Client
// satisfies it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// PushClient delivers push messages from the vendor broker as decoded
// device.Fields. It implements device.PushClient.
//
// Malformed messages are logged and dropped; they never reach the handler.
type PushClient struct {
	sub    Subscriber
	qos    byte
	logger Logger

	mu      sync.RWMutex
	handler device.PushHandler
}

// NewPushClient wraps a connected broker client.
func NewPushClient(sub Subscriber, qos byte, logger Logger) *PushClient {
	if logger == nil {
		logger = noopLogger{}
	}
	return &PushClient{sub: sub, qos: qos, logger: logger}
}

// PushTopic returns the push topic for a device.
func PushTopic(deviceID string) string {
	return PushTopicPrefix + deviceID
}

// OnMessage sets the handler for every subscribed device.
func (p *PushClient) OnMessage(handler device.PushHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

// Subscribe starts delivery for one device.
func (p *PushClient) Subscribe(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("phyn: push subscribe: empty device id")
	}
	return p.sub.Subscribe(PushTopic(deviceID), p.qos, p.handle)
}

// Unsubscribe stops delivery for one device.
func (p *PushClient) Unsubscribe(deviceID string) error {
	return p.sub.Unsubscribe(PushTopic(deviceID))
}

func (p *PushClient) handle(topic string, payload []byte) error {
	deviceID, ok := strings.CutPrefix(topic, PushTopicPrefix)
	if !ok || deviceID == "" {
		p.logger.Warn("push message on unexpected topic", "topic", topic)
		return nil
	}

	fields, err := decodePush(payload)
	if err != nil {
		p.logger.Warn("dropping malformed push message", "device_id", deviceID, "error", err)
		return nil
	}

	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()
	if handler != nil {
		handler(deviceID, fields)
	}
	return nil
}

// decodePush parses a push payload. Only JSON objects are accepted.
func decodePush(payload []byte) (device.Fields, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: push payload is not a JSON object", ErrUnexpectedResponse)
	}
	var fields device.Fields
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
	}
	return fields, nil
}

var _ device.PushClient = (*PushClient)(nil)
