package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/smartcoop/coop-simulator/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout applies when the config leaves connect_timeout unset.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Identity is who the client claims to be on the broker.
//
// A simulated device logs in as device_<id> and uses a unique client id per
// session so a stale session on the broker never kicks the new one.
type Identity struct {
	ClientID string
	Username string
	Password string

	// PresenceTopic receives {"online":true} on connect, {"online":false}
	// on graceful close and, through the Last Will, on a crash. Empty disables it.
	PresenceTopic string
}

// brokerURL renders the broker address for paho.
//
// Transport "ws" speaks MQTT over WebSocket (ws:// or wss://, with path);
// anything else is plain TCP (tcp:// or ssl://).
func brokerURL(b config.MQTTBrokerConfig) string {
	if b.Transport == "ws" {
		scheme := "ws"
		if b.TLS {
			scheme = "wss"
		}
		return fmt.Sprintf("%s://%s:%d%s", scheme, b.Host, b.Port, b.Path)
	}
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// connectTimeout returns the configured connect timeout or the default.
func connectTimeout(cfg config.MQTTConfig) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return time.Duration(cfg.ConnectTimeout) * time.Second
	}
	return defaultConnectTimeout
}

// buildClientOptions creates paho MQTT options from config and identity.
//
// The first connect does not retry: a refused login must surface to the
// caller so it can ask for fresh credentials. Once connected, paho
// reconnects on its own starting at reconnect.initial_delay.
func buildClientOptions(cfg config.MQTTConfig, id Identity) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(id.ClientID)

	if id.Username != "" {
		opts.SetUsername(id.Username)
		opts.SetPassword(id.Password)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	initial := time.Duration(cfg.Reconnect.InitialDelay) * time.Second
	if initial <= 0 {
		initial = time.Second
	}
	opts.SetConnectRetryInterval(initial)
	if cfg.Reconnect.MaxDelay > 0 {
		opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	}

	opts.SetConnectTimeout(connectTimeout(cfg))
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// configureLWT sets up the Last Will so observers see the device drop.
//
// QoS 1, not retained: presence shares the heartbeat topic, which is a stream.
func configureLWT(opts *pahomqtt.ClientOptions, id Identity) {
	if id.PresenceTopic == "" {
		return
	}
	opts.SetWill(id.PresenceTopic, buildPresencePayload(id.ClientID, false, "unexpected_disconnect"), 1, false)
}

// buildPresencePayload creates the JSON payload for presence messages.
func buildPresencePayload(clientID string, online bool, reason string) string {
	if reason == "" {
		return fmt.Sprintf(`{"online":%t,"clientId":"%s","timestamp":%d}`,
			online, clientID, time.Now().UnixMilli())
	}
	return fmt.Sprintf(`{"online":%t,"clientId":"%s","reason":"%s","timestamp":%d}`,
		online, clientID, reason, time.Now().UnixMilli())
}
