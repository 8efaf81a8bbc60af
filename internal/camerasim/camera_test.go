package camerasim

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smartcoop/coop-simulator/internal/gateway"
	"github.com/smartcoop/coop-simulator/internal/infrastructure/mqtt"
)

type published struct {
	topic   string
	payload map[string]any
}

// fakeTransport records publishes and subscriptions and can deliver
// messages to subscribed handlers.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	subs      map[string]mqtt.MessageHandler
	published []published
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, subs: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeTransport) Publish(topic string, payload []byte, _ byte, _ bool) error {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("not connected")
	}
	f.published = append(f.published, published{topic: topic, payload: m})
	return nil
}

func (f *fakeTransport) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	f.subs[topic] = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) deliver(t *testing.T, topic string, v any) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.subs[topic]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("not subscribed to %s", topic)
	}
	data, _ := json.Marshal(v)
	if err := h(topic, data); err != nil {
		t.Fatalf("handler(%s) error = %v", topic, err)
	}
}

func (f *fakeTransport) on(topic string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) InvalidateCredentials(id string) error {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	return nil
}

func (r *recordingInvalidator) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

const (
	gwBase     = "smartcoop/42/camera/cam-1/"
	directBase = "smartcoop/camera/cam-1/"
)

func newGatewayCamera(t *testing.T, timeout time.Duration) (*Camera, *fakeTransport, *recordingInvalidator) {
	t.Helper()
	tr := newFakeTransport()
	inv := &recordingInvalidator{}
	c := New(Config{
		CameraID:       "cam-1",
		Mode:           ModeGateway,
		GatewayID:      "42",
		Username:       "cam_user",
		Password:       "cam_pass",
		PairingTimeout: timeout,
		StatusInterval: time.Hour,
		Invalidator:    inv,
	}, tr, nopLogger{})
	t.Cleanup(c.OnDisconnect)
	return c, tr, inv
}

func TestSubscriptions(t *testing.T) {
	direct := New(Config{CameraID: "cam-1"}, newFakeTransport(), nopLogger{})
	if got := len(direct.Subscriptions()); got != 2 {
		t.Errorf("direct subscriptions = %d, want 2", got)
	}

	gw, _, _ := newGatewayCamera(t, time.Second)
	subs := gw.Subscriptions()
	want := []string{
		directBase + "command",
		directBase + "config",
		gwBase + "handshake/ack",
		gwBase + "pair/ack",
		gwBase + "snapshot/ack",
		gwBase + "command",
		gwBase + "config",
	}
	if len(subs) != len(want) {
		t.Fatalf("gateway subscriptions = %v, want %v", subs, want)
	}
	for i := range want {
		if subs[i] != want[i] {
			t.Errorf("subscription[%d] = %q, want %q", i, subs[i], want[i])
		}
	}
}

func TestOnConnect_DirectModeConfirmsImmediately(t *testing.T) {
	tr := newFakeTransport()
	c := New(Config{CameraID: "cam-1", StatusInterval: time.Hour}, tr, nopLogger{})
	t.Cleanup(c.OnDisconnect)

	if err := c.OnConnect(); err != nil {
		t.Fatalf("OnConnect() error = %v", err)
	}
	if got := c.Pairing().State(); got != gateway.StateConfirmed {
		t.Errorf("State() = %q, want confirmed", got)
	}
	statuses := tr.on(directBase + "status")
	if len(statuses) != 1 {
		t.Fatalf("status publishes = %d, want 1", len(statuses))
	}
	if statuses[0]["route"] != "direct" {
		t.Errorf("route = %v, want direct", statuses[0]["route"])
	}
	if _, ok := statuses[0]["gatewayId"]; ok {
		t.Error("direct status carries gatewayId")
	}
}

func TestHandshake_Confirmed(t *testing.T) {
	c, tr, _ := newGatewayCamera(t, time.Second)
	if err := c.OnConnect(); err != nil {
		t.Fatalf("OnConnect() error = %v", err)
	}

	hs := tr.on(gwBase + "handshake")
	if len(hs) != 1 {
		t.Fatalf("handshakes = %d, want 1", len(hs))
	}
	if hs[0]["action"] != "handshake" || hs[0]["gatewayId"] != "42" {
		t.Errorf("handshake = %v", hs[0])
	}
	if got := c.Pairing().State(); got != gateway.StatePending {
		t.Fatalf("State() = %q, want pending", got)
	}

	tr.deliver(t, gwBase+"handshake/ack", gateway.HandshakeAck{CameraID: "cam-1", GatewayID: "42", Status: "ok"})
	if got := c.Pairing().State(); got != gateway.StateConfirmed {
		t.Errorf("State() = %q, want confirmed", got)
	}
}

func TestHandshake_TimeoutFailsAndInvalidates(t *testing.T) {
	c, tr, inv := newGatewayCamera(t, 30*time.Millisecond)
	if err := c.OnConnect(); err != nil {
		t.Fatalf("OnConnect() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for c.Pairing().State() != gateway.StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %q, want failed", c.Pairing().State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if inv.calls() != 1 {
		t.Errorf("invalidations = %d, want 1", inv.calls())
	}

	tr.deliver(t, gwBase+"handshake/ack", gateway.HandshakeAck{CameraID: "cam-1", GatewayID: "42", Status: "ok"})
	if got := c.Pairing().State(); got != gateway.StateFailed {
		t.Errorf("State() after late ack = %q, want failed", got)
	}
}

func TestOnDisconnect_ResetsPairing(t *testing.T) {
	c, _, inv := newGatewayCamera(t, 30*time.Millisecond)
	if err := c.OnConnect(); err != nil {
		t.Fatalf("OnConnect() error = %v", err)
	}
	c.OnDisconnect()

	if got := c.Pairing().State(); got != gateway.StateIdle {
		t.Errorf("State() = %q, want idle", got)
	}
	time.Sleep(60 * time.Millisecond)
	if got := c.Pairing().State(); got != gateway.StateIdle {
		t.Errorf("State() after timeout = %q, want idle (timer cancelled)", got)
	}
	if inv.calls() != 0 {
		t.Errorf("invalidations = %d, want 0", inv.calls())
	}
}

func TestSendPairRequest(t *testing.T) {
	t.Run("direct mode", func(t *testing.T) {
		c := New(Config{CameraID: "cam-1"}, newFakeTransport(), nopLogger{})
		if err := c.SendPairRequest(); !errors.Is(err, ErrNotGatewayMode) {
			t.Errorf("SendPairRequest() error = %v, want ErrNotGatewayMode", err)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		c, _, _ := newGatewayCamera(t, time.Second)
		if err := c.SendPairRequest(); !errors.Is(err, ErrNotConnected) {
			t.Errorf("SendPairRequest() error = %v, want ErrNotConnected", err)
		}
	})

	t.Run("accepted adopts credentials", func(t *testing.T) {
		c, tr, _ := newGatewayCamera(t, time.Second)
		if err := c.OnConnect(); err != nil {
			t.Fatalf("OnConnect() error = %v", err)
		}
		if err := c.SendPairRequest(); err != nil {
			t.Fatalf("SendPairRequest() error = %v", err)
		}
		reqs := tr.on(gwBase + "pair")
		if len(reqs) != 1 {
			t.Fatalf("pair requests = %d, want 1", len(reqs))
		}
		if reqs[0]["action"] != "pair_request" || reqs[0]["mqttUsername"] != "cam_user" {
			t.Errorf("pair request = %v", reqs[0])
		}

		tr.deliver(t, gwBase+"pair/ack", gateway.PairAck{
			CameraID: "cam-1", GatewayID: "42", Status: "ok",
			MQTTUsername: "module_camera_cam-1_42", MQTTPassword: "issued",
		})
		if got := c.Pairing().State(); got != gateway.StateConfirmed {
			t.Errorf("State() = %q, want confirmed", got)
		}
		creds := c.Credentials()
		if creds == nil || creds.Username != "module_camera_cam-1_42" || creds.Password != "issued" {
			t.Errorf("Credentials() = %+v", creds)
		}
	})

	t.Run("ack for another camera ignored", func(t *testing.T) {
		c, tr, _ := newGatewayCamera(t, time.Second)
		if err := c.OnConnect(); err != nil {
			t.Fatalf("OnConnect() error = %v", err)
		}
		if err := c.SendPairRequest(); err != nil {
			t.Fatalf("SendPairRequest() error = %v", err)
		}
		tr.deliver(t, gwBase+"pair/ack", gateway.PairAck{CameraID: "cam-2", Status: "ok"})
		if got := c.Pairing().State(); got != gateway.StatePending {
			t.Errorf("State() = %q, want pending", got)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		c, tr, inv := newGatewayCamera(t, time.Second)
		if err := c.OnConnect(); err != nil {
			t.Fatalf("OnConnect() error = %v", err)
		}
		if err := c.SendPairRequest(); err != nil {
			t.Fatalf("SendPairRequest() error = %v", err)
		}
		tr.deliver(t, gwBase+"pair/ack", gateway.PairAck{CameraID: "cam-1", Status: "rejected"})
		if got := c.Pairing().State(); got != gateway.StateFailed {
			t.Errorf("State() = %q, want failed", got)
		}
		if inv.calls() != 1 {
			t.Errorf("invalidations = %d, want 1", inv.calls())
		}
	})
}

func TestCommands(t *testing.T) {
	c, tr, _ := newGatewayCamera(t, time.Second)
	if err := c.OnConnect(); err != nil {
		t.Fatalf("OnConnect() error = %v", err)
	}

	tr.deliver(t, gwBase+"command", map[string]any{"action": "take_photo"})
	snaps := tr.on(gwBase + "snapshot")
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	snap := snaps[0]
	if snap["type"] != "photo" || snap["gatewayId"] != "42" || snap["route"] != "gateway" {
		t.Errorf("snapshot = %v", snap)
	}
	if thumb, _ := snap["thumbnail"].(string); !strings.HasPrefix(thumb, "data:image/svg+xml;base64,") {
		t.Errorf("thumbnail = %.40q", thumb)
	}

	tr.deliver(t, directBase+"command", map[string]any{"action": "record"})
	if !c.Recording() {
		t.Fatal("Recording() = false after record")
	}
	tr.deliver(t, directBase+"command", map[string]any{"action": "stop_recording"})
	if c.Recording() {
		t.Error("Recording() = true after stop_recording")
	}
	snaps = tr.on(gwBase + "snapshot")
	if len(snaps) != 2 || snaps[1]["type"] != "video" {
		t.Errorf("video snapshot missing: %v", snaps)
	}
	if got := len(c.Gallery()); got != 2 {
		t.Errorf("len(Gallery()) = %d, want 2", got)
	}

	before := len(tr.on(gwBase + "status"))
	tr.deliver(t, gwBase+"command", map[string]any{"action": "get_status"})
	if got := len(tr.on(gwBase + "status")); got != before+1 {
		t.Errorf("status publishes = %d, want %d", got, before+1)
	}

	tr.deliver(t, gwBase+"command", map[string]any{"action": "pair"})
	if n := len(tr.on(gwBase + "pair")); n != 1 {
		t.Errorf("pair requests = %d, want 1", n)
	}
	if got := c.Pairing().State(); got != gateway.StatePending {
		t.Errorf("State() after pair command = %q, want pending", got)
	}
}

func TestApplyConfig(t *testing.T) {
	c, tr, _ := newGatewayCamera(t, time.Second)
	if err := c.OnConnect(); err != nil {
		t.Fatalf("OnConnect() error = %v", err)
	}
	tr.deliver(t, gwBase+"config", map[string]any{"resolution": "1280x720", "quality": 70})
	c.PublishStatus()

	statuses := tr.on(gwBase + "status")
	last := statuses[len(statuses)-1]
	if last["resolution"] != "1280x720" || last["quality"] != float64(70) {
		t.Errorf("status = %v", last)
	}
}

func TestFrameSize(t *testing.T) {
	tests := []struct {
		resolution string
		quality    int
		want       int
	}{
		{"640x480", 100, 38400},
		{"1280x720", 50, 57600},
		{"garbage", 100, 38400},
	}
	for _, tt := range tests {
		if got := frameSize(tt.resolution, tt.quality); got != tt.want {
			t.Errorf("frameSize(%q, %d) = %d, want %d", tt.resolution, tt.quality, got, tt.want)
		}
	}
}
