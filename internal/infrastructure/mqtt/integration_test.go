//go:build integration

package mqtt

import (
	"encoding/json"
	"testing"
	"time"
)

// Integration tests against a live broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -count=1 ./internal/infrastructure/mqtt/...

func TestIntegration_RetainedStateRoundtrip(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "phynbridge-int-pub"
	pub, err := Connect(cfg, WithStatusTopic(Topics{}.SystemStatus()))
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	topic := Topics{}.DeviceState("int-device")
	if err := pub.PublishJSON(topic, map[string]any{"valve_state": "open"}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	// A late subscriber still sees the retained state.
	cfg.Broker.ClientID = "phynbridge-int-sub"
	sub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	received := make(chan []byte, 1)
	err = sub.Subscribe(Topics{}.AllDeviceStates(), 1, func(got string, p []byte) error {
		if got == topic {
			select {
			case received <- p:
			default:
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case p := <-received:
		var state map[string]string
		if err := json.Unmarshal(p, &state); err != nil || state["valve_state"] != "open" {
			t.Errorf("payload = %s (err %v)", p, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retained state not delivered")
	}

	if !sub.HasSubscription(Topics{}.AllDeviceStates()) {
		t.Error("subscription not tracked")
	}
	if err := sub.Unsubscribe(Topics{}.AllDeviceStates()); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if sub.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after unsubscribe", sub.SubscriptionCount())
	}
}
