package mqtt

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/phyn-bridge/internal/infrastructure/config"
)

// Connection constants.
const (
	defaultConnectTimeout = 10 * time.Second

	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is in milliseconds.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// brokerURL builds the paho server URL. Websocket schemes carry a path.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := strings.ToLower(b.Scheme)
	switch scheme {
	case "":
		scheme = "tcp"
		if b.TLS {
			scheme = "ssl"
		}
	case "tls":
		scheme = "ssl"
	}

	u := fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
	if (scheme == "ws" || scheme == "wss") && b.Path != "" {
		u += "/" + strings.TrimPrefix(b.Path, "/")
	}
	return u
}

func usesTLS(b config.MQTTBrokerConfig) bool {
	switch strings.ToLower(b.Scheme) {
	case "ssl", "tls", "wss":
		return true
	case "":
		return b.TLS
	}
	return false
}

// buildClientOptions creates paho MQTT options from config.
//
// This configures:
//   - Broker URL (tcp, ssl, ws or wss)
//   - Client ID and credentials
//   - Auto-reconnect with exponential backoff
//   - TLS configuration for secure schemes
//   - Clean session mode
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if usesTLS(cfg.Broker) {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// configureLWT registers the broker-published offline status used when the
// bridge disconnects unexpectedly. QoS 1, retained.
func configureLWT(opts *pahomqtt.ClientOptions, topic, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
	opts.SetWill(topic, willPayload, 1, true)
}

func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}
