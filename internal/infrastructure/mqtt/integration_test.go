//go:build integration

package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smartcoop/coop-simulator/internal/infrastructure/config"
)

// Integration tests against a live broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:      "127.0.0.1",
			Port:      1883,
			Transport: "tcp",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		ConnectTimeout: 5,
	}
}

func TestIntegration_Connect(t *testing.T) {
	client, err := Connect(integrationConfig(), Identity{ClientID: "coopsim-int-connect"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

func TestIntegration_ConnectInvalidBroker(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.Port = 19999
	cfg.ConnectTimeout = 2

	_, err := Connect(cfg, Identity{ClientID: "coopsim-int-bad"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client, err := Connect(integrationConfig(), Identity{ClientID: "coopsim-int-subs"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topics := []string{
		"smartcoop/int/commands",
		"smartcoop/int/modules/+/command",
		"smartcoop/int/camera/#",
	}
	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, func(string, []byte) error { return nil }); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}
	for _, topic := range topics {
		if !client.HasSubscription(topic) {
			t.Errorf("HasSubscription(%s) = false, want true", topic)
		}
	}
}

func TestIntegration_MessageRoundtrip(t *testing.T) {
	pub, err := Connect(integrationConfig(), Identity{ClientID: "coopsim-int-pub"})
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	sub, err := Connect(integrationConfig(), Identity{ClientID: "coopsim-int-sub"})
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	topic := "smartcoop/int/modules/door/command"
	expected := `{"action":"open","requestId":"r-1"}`

	received := make(chan string, 1)
	var once sync.Once
	err = sub.Subscribe("smartcoop/int/modules/+/command", 1, func(_ string, p []byte) error {
		once.Do(func() { received <- string(p) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(topic, []byte(expected), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != expected {
			t.Errorf("received = %q, want %q", msg, expected)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestIntegration_PresenceOnConnect(t *testing.T) {
	watcher, err := Connect(integrationConfig(), Identity{ClientID: "coopsim-int-watch"})
	if err != nil {
		t.Fatalf("Connect() watcher error = %v", err)
	}
	defer watcher.Close()

	seen := make(chan struct{}, 4)
	if err := watcher.Subscribe("smartcoop/int-presence/heartbeat", 1, func(string, []byte) error {
		seen <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	device, err := Connect(integrationConfig(), Identity{
		ClientID:      "coopsim-int-presence",
		PresenceTopic: "smartcoop/int-presence/heartbeat",
	})
	if err != nil {
		t.Fatalf("Connect() device error = %v", err)
	}
	device.Close()

	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Error("no presence message observed")
	}
}
