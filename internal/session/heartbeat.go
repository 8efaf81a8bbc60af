package session

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

// HeartbeatRecorder receives each heartbeat for time-series storage.
// This is typically implemented by the InfluxDB client.
type HeartbeatRecorder interface {
	WriteHeartbeat(deviceID string, uptime time.Duration, freeRAM int)
}

// ConfigSource reports the configuration state carried in heartbeats.
type ConfigSource interface {
	ConfigFingerprint() string
	LastModified() time.Time
	LastSync() time.Time
}

// HeartbeatConfig holds configuration for the heartbeat.
type HeartbeatConfig struct {
	DeviceID    string
	Namespace   string
	Firmware    string
	NetworkMode string
	WifiDirect  bool

	// Interval is how often to publish. Default: 10 seconds.
	Interval time.Duration

	// StartTime is the origin of the uptime counter. Default: now.
	StartTime time.Time

	// Publisher is the broker connection.
	Publisher module.Publisher

	// Recorder is optional.
	Recorder HeartbeatRecorder

	// Config is optional; without it configHash is empty.
	Config ConfigSource

	Logger module.Logger
}

// Heartbeat publishes the device liveness message at a fixed interval.
//
// A Heartbeat runs once: Stop is final and a new session creates a new one.
type Heartbeat struct {
	cfg   HeartbeatConfig
	topic string

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHeartbeat creates a heartbeat. Call Start to begin publishing.
func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = topic.DefaultNamespace
	}
	return &Heartbeat{
		cfg:   cfg,
		topic: topic.Device(cfg.Namespace, cfg.DeviceID, topic.Heartbeat).String(),
		done:  make(chan struct{}),
	}
}

// Start begins periodic publishing. The first heartbeat is sent after one
// interval; the session's status burst sends the initial one.
func (h *Heartbeat) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.loop(ctx)
}

// Stop ends publishing and waits for the loop to exit.
// Safe to call multiple times.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.PublishNow()
		}
	}
}

// Payload builds the heartbeat message.
func (h *Heartbeat) Payload(now time.Time) map[string]any {
	uptime := now.Sub(h.cfg.StartTime)
	msg := map[string]any{
		"online":             true,
		"uptime":             int64(uptime / time.Second),
		"freeRam":            200 + rand.IntN(50),
		"firmware":           h.cfg.Firmware,
		"configHash":         "",
		"lastModified":       nil,
		"lastSyncWithServer": nil,
		"wifiDirect":         h.cfg.WifiDirect,
		"networkMode":        h.cfg.NetworkMode,
		"timestamp":          now.UnixMilli(),
	}
	if src := h.cfg.Config; src != nil {
		msg["configHash"] = src.ConfigFingerprint()
		if t := src.LastModified(); !t.IsZero() {
			msg["lastModified"] = t.UnixMilli()
		}
		if t := src.LastSync(); !t.IsZero() {
			msg["lastSyncWithServer"] = t.UnixMilli()
		}
	}
	return msg
}

// PublishNow sends one heartbeat. It is a no-op while disconnected.
func (h *Heartbeat) PublishNow() {
	pub := h.cfg.Publisher
	if pub == nil || !pub.IsConnected() {
		return
	}
	now := time.Now()
	msg := h.Payload(now)

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logError("failed to marshal heartbeat", err)
		return
	}
	if err := pub.Publish(h.topic, payload, 1, false); err != nil {
		h.logError("failed to publish heartbeat", err)
		return
	}
	if h.cfg.Recorder != nil {
		h.cfg.Recorder.WriteHeartbeat(h.cfg.DeviceID, now.Sub(h.cfg.StartTime), msg["freeRam"].(int))
	}
}

func (h *Heartbeat) logError(msg string, err error) {
	if h.cfg.Logger != nil {
		h.cfg.Logger.Error(msg, "error", err)
	}
}
