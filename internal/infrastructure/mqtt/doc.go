// Package mqtt wraps paho.mqtt.golang for the bridge's broker connections.
//
// The bridge holds up to two connections:
//   - the vendor push broker (websocket, TLS), which delivers per-device
//     push messages
//   - an optional local broker, which receives retained device state
//     republished by the bridge
//
//	Phyn cloud --wss--> push Client --> fleet.Coordinator --> local Client --> Mosquitto
//
// Both use the same Client: auto-reconnect with backoff, subscriptions
// restored after reconnect, and panic recovery around every handler.
// The local connection registers a Last Will on the system status topic
// (see WithStatusTopic); the vendor connection does not.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.WithStatusTopic(mqtt.Topics{}.SystemStatus()))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(mqtt.Topics{}.DeviceState("abc123"), state)
package mqtt
