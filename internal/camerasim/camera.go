package camerasim

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartcoop/coop-simulator/internal/gateway"
	"github.com/smartcoop/coop-simulator/internal/infrastructure/mqtt"
	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

// Connection modes.
const (
	ModeDirect  = "direct"
	ModeGateway = "gateway"
)

const (
	defaultName           = "ESP32-CAM"
	defaultResolution     = "640x480"
	defaultQuality        = 90
	defaultStatusInterval = 30 * time.Second
	defaultAutoCapture    = 5 * time.Minute
	defaultMotionDelay    = 10 * time.Second
	storageTotalMB        = 4096
)

var (
	// ErrNotGatewayMode is returned by gateway-only operations in direct mode.
	ErrNotGatewayMode = errors.New("camerasim: pairing is only available in gateway mode")

	// ErrNotConnected is returned when the camera is offline.
	ErrNotConnected = errors.New("camerasim: camera not connected")
)

// Transport is the broker connection. *mqtt.Client satisfies it.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Config configures a simulated camera.
type Config struct {
	CameraID   string
	Name       string
	Mode       string
	GatewayID  string
	Namespace  string
	Resolution string

	// Username and Password are sent in pair requests so the gateway can
	// register the camera's broker login.
	Username string
	Password string

	StatusInterval      time.Duration
	PairingTimeout      time.Duration
	AutoCaptureInterval time.Duration
	MotionDelay         time.Duration

	// Invalidator forgets stored credentials when pairing fails. Optional.
	Invalidator gateway.CredentialInvalidator
}

// Capture is one photo or video taken by the camera.
type Capture struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Size      int       `json:"size"`
	Duration  int       `json:"duration,omitempty"`
	Thumbnail string    `json:"-"`
}

// Camera is the simulated camera device.
//
// All methods are thread-safe.
type Camera struct {
	cfg       Config
	transport Transport
	logger    gateway.Logger
	pairing   *gateway.Pairing

	mu             sync.Mutex
	connected      bool
	resolution     string
	quality        int
	battery        float64
	signal         int
	temperature    float64
	memory         int
	storageUsedMB  float64
	recording      bool
	recordingSince time.Time
	gallery        []Capture
	creds          *gateway.Credentials
	done           chan struct{}
	autoStop       chan struct{}
	motionTimer    *time.Timer
}

// New creates a disconnected camera.
func New(cfg Config, transport Transport, logger gateway.Logger) *Camera {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDirect
	}
	if cfg.Namespace == "" {
		cfg.Namespace = topic.DefaultNamespace
	}
	if cfg.Resolution == "" {
		cfg.Resolution = defaultResolution
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.AutoCaptureInterval <= 0 {
		cfg.AutoCaptureInterval = defaultAutoCapture
	}
	if cfg.MotionDelay <= 0 {
		cfg.MotionDelay = defaultMotionDelay
	}
	c := &Camera{
		cfg:           cfg,
		transport:     transport,
		logger:        logger,
		resolution:    cfg.Resolution,
		quality:       defaultQuality,
		battery:       85,
		signal:        -45,
		temperature:   42,
		memory:        45,
		storageUsedMB: 1200,
	}
	c.pairing = gateway.NewPairing(gateway.PairingConfig{
		CameraID:    cfg.CameraID,
		GatewayID:   cfg.GatewayID,
		Timeout:     cfg.PairingTimeout,
		Invalidator: cfg.Invalidator,
		Logger:      logger,
	})
	c.pairing.Observe(func(s gateway.State) {
		if s == gateway.StateConfirmed {
			if creds := c.pairing.Credentials(); creds != nil {
				c.mu.Lock()
				c.creds = creds
				c.mu.Unlock()
				logger.Info("adopted broker credentials from gateway", "username", creds.Username)
			}
		}
	})
	return c
}

// Pairing exposes the pairing state machine.
func (c *Camera) Pairing() *gateway.Pairing { return c.pairing }

// Credentials returns credentials issued by the gateway, if any.
func (c *Camera) Credentials() *gateway.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return nil
	}
	cr := *c.creds
	return &cr
}

// Recording reports whether a recording is running.
func (c *Camera) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Gallery returns captures, newest first.
func (c *Camera) Gallery() []Capture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Capture(nil), c.gallery...)
}

func (c *Camera) viaGateway() bool {
	return c.cfg.Mode == ModeGateway && c.cfg.GatewayID != ""
}

// topicFor returns the topic a camera action is published on.
func (c *Camera) topicFor(action string) string {
	if c.viaGateway() {
		return topic.GatewayCamera(c.cfg.Namespace, c.cfg.GatewayID, c.cfg.CameraID, action).String()
	}
	return topic.Camera(c.cfg.Namespace, c.cfg.CameraID, action).String()
}

// Subscriptions lists the filters the camera listens on.
func (c *Camera) Subscriptions() []string {
	subs := []string{
		topic.Camera(c.cfg.Namespace, c.cfg.CameraID, topic.Command).String(),
		topic.Camera(c.cfg.Namespace, c.cfg.CameraID, topic.CameraConfig).String(),
	}
	if c.viaGateway() {
		for _, action := range []string{topic.HandshakeAck, topic.PairAck, topic.SnapshotAck, topic.Command, topic.CameraConfig} {
			subs = append(subs, topic.GatewayCamera(c.cfg.Namespace, c.cfg.GatewayID, c.cfg.CameraID, action).String())
		}
	}
	return subs
}

// OnConnect subscribes, starts the handshake in gateway mode (direct mode
// is confirmed at once), publishes the first status and starts the
// status loop.
func (c *Camera) OnConnect() error {
	for _, filter := range c.Subscriptions() {
		if err := c.transport.Subscribe(filter, 1, c.HandleMessage); err != nil {
			return fmt.Errorf("subscribing to %s: %w", filter, err)
		}
	}

	c.mu.Lock()
	c.connected = true
	c.stopLoopsLocked()
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	if c.viaGateway() {
		c.SendHandshake(false)
	} else {
		c.pairing.Confirm()
	}

	c.PublishStatus()
	go c.runStatus(done)
	return nil
}

// OnDisconnect stops every timer and returns pairing to idle.
func (c *Camera) OnDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.stopLoopsLocked()
	c.mu.Unlock()
	c.pairing.Reset()
}

func (c *Camera) stopLoopsLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.autoStop != nil {
		close(c.autoStop)
		c.autoStop = nil
	}
	if c.motionTimer != nil {
		c.motionTimer.Stop()
		c.motionTimer = nil
	}
}

func (c *Camera) runStatus(done chan struct{}) {
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.battery = max(0, c.battery-0.1)
			c.temperature = 40 + rand.Float64()*5 //nolint:gosec // simulated reading
			c.mu.Unlock()
			c.PublishStatus()
		}
	}
}

func (c *Camera) online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.transport.IsConnected()
}

func (c *Camera) publish(topicName string, v any) bool {
	if !c.online() {
		c.logger.Warn("publish skipped, camera not connected", "topic", topicName)
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal payload", "topic", topicName, "error", err)
		return false
	}
	if err := c.transport.Publish(topicName, data, 1, false); err != nil {
		c.logger.Warn("publish failed", "topic", topicName, "error", err)
		return false
	}
	return true
}

// SendHandshake announces the camera to its gateway and arms the
// confirmation timeout. It does nothing when already confirmed unless
// force is set.
func (c *Camera) SendHandshake(force bool) {
	if !c.viaGateway() {
		return
	}
	if !force && c.pairing.State() == gateway.StateConfirmed {
		return
	}
	if force {
		c.pairing.Reset()
	}
	if err := c.pairing.Begin(); err != nil {
		c.logger.Debug("handshake already pending", "camera_id", c.cfg.CameraID)
		return
	}
	ok := c.publish(topic.GatewayCamera(c.cfg.Namespace, c.cfg.GatewayID, c.cfg.CameraID, topic.Handshake).String(), gateway.Handshake{
		CameraID:   c.cfg.CameraID,
		CameraName: c.cfg.Name,
		GatewayID:  c.cfg.GatewayID,
		Action:     topic.Handshake,
		Timestamp:  isoNow(),
	})
	if !ok {
		c.pairing.Fail()
	}
}

// SendPairRequest asks the gateway to pair this camera.
func (c *Camera) SendPairRequest() error {
	if !c.viaGateway() {
		return ErrNotGatewayMode
	}
	if !c.online() {
		return ErrNotConnected
	}
	c.pairing.Reset()
	if err := c.pairing.Begin(); err != nil {
		return err
	}
	req := gateway.PairRequest{
		Action:       "pair_request",
		CameraID:     c.cfg.CameraID,
		CameraName:   c.cfg.Name,
		GatewayID:    c.cfg.GatewayID,
		MQTTUsername: c.cfg.Username,
		MQTTPassword: c.cfg.Password,
		Timestamp:    isoNow(),
	}
	if !c.publish(topic.GatewayCamera(c.cfg.Namespace, c.cfg.GatewayID, c.cfg.CameraID, topic.Pair).String(), req) {
		c.pairing.Fail()
		return fmt.Errorf("%w: pair request not sent", ErrNotConnected)
	}
	c.logger.Info("pair request sent", "camera_id", c.cfg.CameraID, "gateway_id", c.cfg.GatewayID)
	return nil
}

// HandleMessage routes one inbound message. It satisfies mqtt.MessageHandler.
func (c *Camera) HandleMessage(topicName string, payload []byte) error {
	t := topic.Parse(topicName)
	if t.ModuleID != c.cfg.CameraID {
		return nil
	}
	switch t.Kind {
	case topic.DirectCamera:
	case topic.GatewayCameraScoped:
		if t.DeviceID != c.cfg.GatewayID {
			return nil
		}
	default:
		return nil
	}

	switch t.Action {
	case topic.Command:
		c.HandleCommand(protocol.DecodeCommand(payload))
	case topic.CameraConfig:
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err != nil {
			return fmt.Errorf("decoding camera config: %w", err)
		}
		c.ApplyConfig(fields)
	case topic.HandshakeAck:
		var ack gateway.HandshakeAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			return fmt.Errorf("decoding handshake ack: %w", err)
		}
		if err := c.pairing.HandleHandshakeAck(ack); err != nil {
			c.logger.Debug("handshake ack ignored", "camera_id", c.cfg.CameraID, "error", err)
		}
	case topic.PairAck:
		var ack gateway.PairAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			return fmt.Errorf("decoding pair ack: %w", err)
		}
		if err := c.pairing.HandlePairAck(ack); err != nil {
			c.logger.Debug("pair ack ignored", "camera_id", c.cfg.CameraID, "error", err)
		}
	case topic.SnapshotAck:
		var fields map[string]any
		_ = json.Unmarshal(payload, &fields)
		id := protocol.StringField(fields, "snapshotId", "")
		if protocol.StringField(fields, "status", "") == gateway.StatusOK {
			c.logger.Info("gateway confirmed snapshot", "snapshot_id", id)
		} else {
			c.logger.Warn("gateway did not confirm snapshot", "snapshot_id", id)
		}
	}
	return nil
}

// HandleCommand executes a command from the backend or the gateway.
func (c *Camera) HandleCommand(cmd protocol.Command) {
	switch cmd.Action {
	case "capture", "photo", "take_photo":
		if _, err := c.CapturePhoto(); err != nil {
			c.logger.Warn("capture failed", "error", err)
		}
	case "start_recording", "record":
		c.StartRecording()
	case "stop_recording":
		c.StopRecording()
	case "get_status":
		c.PublishStatus()
	case "pair", "pair_request":
		if err := c.SendPairRequest(); err != nil {
			c.logger.Warn("pair request failed", "error", err)
		}
	default:
		c.logger.Info("unknown camera command", "action", cmd.Action)
	}
}

// ApplyConfig applies a config message: resolution, quality, autoCapture
// and motionDetection.
func (c *Camera) ApplyConfig(fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res := protocol.StringField(fields, "resolution", ""); res != "" {
		c.resolution = res
	}
	if _, ok := fields["quality"]; ok {
		c.quality = int(protocol.FloatField(fields, "quality", float64(c.quality)))
	}
	if v, ok := fields["autoCapture"].(bool); ok {
		if c.autoStop != nil {
			close(c.autoStop)
			c.autoStop = nil
		}
		if v {
			stop := make(chan struct{})
			c.autoStop = stop
			go c.runAutoCapture(stop)
		}
	}
	if v, ok := fields["motionDetection"].(bool); ok {
		if c.motionTimer != nil {
			c.motionTimer.Stop()
			c.motionTimer = nil
		}
		if v {
			c.motionTimer = time.AfterFunc(c.cfg.MotionDelay, func() {
				c.logger.Info("motion detected, capturing", "camera_id", c.cfg.CameraID)
				_, _ = c.CapturePhoto()
			})
		}
	}
	c.logger.Info("camera config applied", "resolution", c.resolution, "quality", c.quality)
}

func (c *Camera) runAutoCapture(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.AutoCaptureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, _ = c.CapturePhoto()
		}
	}
}

// CapturePhoto takes a photo and publishes it as a snapshot.
func (c *Camera) CapturePhoto() (Capture, error) {
	if !c.online() {
		return Capture{}, ErrNotConnected
	}
	capture := c.newCapture("photo", 0)
	c.publishSnapshot(capture)
	return capture, nil
}

// StartRecording starts a recording. It is a no-op when already recording.
func (c *Camera) StartRecording() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return
	}
	c.recording = true
	c.recordingSince = time.Now()
	c.logger.Info("recording started", "camera_id", c.cfg.CameraID)
}

// StopRecording stops the recording and publishes its final frame as a
// video snapshot.
func (c *Camera) StopRecording() {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return
	}
	c.recording = false
	duration := int(time.Since(c.recordingSince).Seconds())
	c.mu.Unlock()

	capture := c.newCapture("video", duration)
	c.publishSnapshot(capture)
	c.logger.Info("recording stopped", "camera_id", c.cfg.CameraID, "duration_s", duration)
}

func (c *Camera) newCapture(kind string, duration int) Capture {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	size := frameSize(c.resolution, c.quality)
	if kind == "video" {
		size *= 30
	}
	capture := Capture{
		ID:        kind + "_" + uuid.NewString(),
		Type:      kind,
		Timestamp: now,
		Size:      size,
		Duration:  duration,
		Thumbnail: thumbnail(c.cfg.CameraID, now),
	}
	c.gallery = append([]Capture{capture}, c.gallery...)
	c.storageUsedMB += float64(size) / (1024 * 1024)
	return capture
}

func (c *Camera) publishSnapshot(capture Capture) {
	c.mu.Lock()
	payload := map[string]any{
		"cameraId":   c.cfg.CameraID,
		"snapshotId": capture.ID,
		"timestamp":  capture.Timestamp.Format(time.RFC3339Nano),
		"type":       capture.Type,
		"size":       capture.Size,
		"resolution": c.resolution,
		"thumbnail":  capture.Thumbnail,
		"route":      c.cfg.Mode,
	}
	c.mu.Unlock()
	if c.viaGateway() {
		payload["gatewayId"] = c.cfg.GatewayID
	}
	if c.publish(c.topicFor(topic.Snapshot), payload) {
		c.logger.Info("snapshot published", "snapshot_id", capture.ID, "route", c.cfg.Mode)
	}
}

// PublishStatus publishes the camera's vitals.
func (c *Camera) PublishStatus() {
	c.mu.Lock()
	payload := map[string]any{
		"cameraId":    c.cfg.CameraID,
		"type":        "camera",
		"status":      "online",
		"battery":     c.battery,
		"signal":      c.signal,
		"resolution":  c.resolution,
		"quality":     c.quality,
		"storage":     map[string]any{"used": c.storageUsedMB, "total": storageTotalMB},
		"temperature": c.temperature,
		"memory":      c.memory,
		"route":       c.cfg.Mode,
		"timestamp":   isoNow(),
	}
	c.mu.Unlock()
	if c.viaGateway() {
		payload["gatewayId"] = c.cfg.GatewayID
	}
	c.publish(c.topicFor(topic.Status), payload)
}

// frameSize estimates a JPEG frame size in bytes.
func frameSize(resolution string, quality int) int {
	w, h := 640, 480
	if a, b, ok := strings.Cut(resolution, "x"); ok {
		if v, err := strconv.Atoi(a); err == nil {
			w = v
		}
		if v, err := strconv.Atoi(b); err == nil {
			h = v
		}
	}
	return w * h * max(quality, 1) / 100 / 8
}

// thumbnail renders a small SVG placeholder frame as a data URL.
func thumbnail(cameraID string, at time.Time) string {
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="160" height="120">`+
		`<rect width="160" height="120" fill="#3a5a40"/>`+
		`<text x="8" y="56" fill="#fff" font-size="12">%s</text>`+
		`<text x="8" y="76" fill="#fff" font-size="12">%s</text></svg>`,
		cameraID, at.Format("15:04:05"))
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
