package module

import (
	"context"
	"encoding/json"
	"time"

	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

// Publisher is the session's publish capability.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Logger defines the logging interface used by modules.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Telemetry records numeric module readings (door position, food level...).
type Telemetry interface {
	WriteModuleMetric(deviceID, moduleID, field string, value float64)
}

// EventSink receives operator-facing events (state changes, warnings).
type EventSink interface {
	Broadcast(channel string, payload any)
}

// Store persists module settings as JSON documents under string keys.
type Store interface {
	Load(ctx context.Context, key string, v any) (bool, error)
	Save(ctx context.Context, key string, v any) error
}

// storeTimeout bounds a settings read or write.
const storeTimeout = 5 * time.Second

// Env is everything a module needs from its device.
//
// Publisher and Logger are required. Telemetry, Events and Store are optional.
type Env struct {
	Namespace string
	DeviceID  string
	Publisher Publisher
	Logger    Logger
	Telemetry Telemetry
	Events    EventSink
	Store     Store
}

// DeviceTopic renders {ns}/{deviceId}/{category}.
func (e *Env) DeviceTopic(category string) string {
	return topic.Device(e.Namespace, e.DeviceID, category).String()
}

// ModuleTopic renders {ns}/{deviceId}/modules/{moduleId}/{action}.
func (e *Env) ModuleTopic(moduleID, action string) string {
	return topic.Module(e.Namespace, e.DeviceID, moduleID, action).String()
}

// Connected reports whether publishes can currently reach the broker.
func (e *Env) Connected() bool {
	return e.Publisher != nil && e.Publisher.IsConnected()
}

// PublishJSON marshals v and publishes it at QoS 1.
//
// Publishing while disconnected is a logged no-op; failures are logged and
// never retried. It reports whether the message was handed to the broker.
func (e *Env) PublishJSON(topicName string, v any) bool {
	if !e.Connected() {
		e.Logger.Warn("publish skipped, device not connected", "topic", topicName)
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		e.Logger.Error("failed to marshal payload", "topic", topicName, "error", err)
		return false
	}
	if err := e.Publisher.Publish(topicName, data, 1, false); err != nil {
		e.Logger.Warn("publish failed", "topic", topicName, "error", err)
		return false
	}
	return true
}

// AckModule publishes a module-scoped acknowledgment for cmd.
func (e *Env) AckModule(moduleID string, cmd protocol.Command, success bool, status protocol.AckStatus) {
	ack := protocol.NewAck(cmd, moduleID, success, status)
	e.PublishJSON(e.ModuleTopic(moduleID, topic.CommandAck), ack)
	e.Emit("module.command_ack", ack)
}

// AckDevice publishes a device-scoped acknowledgment for cmd.
func (e *Env) AckDevice(cmd protocol.Command, success bool, status protocol.AckStatus) {
	ack := protocol.NewAck(cmd, "", success, status)
	e.PublishJSON(e.DeviceTopic(topic.CommandAck), ack)
}

// LegacyResponse publishes the device-scoped response older backends read.
func (e *Env) LegacyResponse(cmd protocol.Command) {
	e.PublishJSON(e.DeviceTopic(topic.Response), protocol.NewLegacyResponse(cmd))
}

// Metric writes a telemetry point if telemetry is configured.
func (e *Env) Metric(moduleID, field string, value float64) {
	if e.Telemetry != nil {
		e.Telemetry.WriteModuleMetric(e.DeviceID, moduleID, field, value)
	}
}

// Emit forwards an event to the operator stream if one is attached.
func (e *Env) Emit(channel string, payload any) {
	if e.Events != nil {
		e.Events.Broadcast(channel, payload)
	}
}

// LoadSettings reads a persisted document. A missing store or key is not an error.
func (e *Env) LoadSettings(key string, v any) bool {
	if e.Store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	found, err := e.Store.Load(ctx, key, v)
	if err != nil {
		e.Logger.Warn("failed to load settings", "key", key, "error", err)
		return false
	}
	return found
}

// SaveSettings persists a document, logging failures.
func (e *Env) SaveSettings(key string, v any) {
	if e.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.Store.Save(ctx, key, v); err != nil {
		e.Logger.Warn("failed to save settings", "key", key, "error", err)
	}
}

// SettingsKey renders the per-device storage key device_{id}_{name}.
func (e *Env) SettingsKey(name string) string {
	return "device_" + e.DeviceID + "_" + name
}

// Merge copies extra over base and returns base.
func Merge(base, extra map[string]any) map[string]any {
	for k, v := range extra {
		base[k] = v
	}
	return base
}
