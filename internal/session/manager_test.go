package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smartcoop/coop-simulator/internal/infrastructure/mqtt"
	"github.com/smartcoop/coop-simulator/internal/management"
	"github.com/smartcoop/coop-simulator/internal/module/moduletest"
	"github.com/smartcoop/coop-simulator/internal/store"
)

// fakeConn is an in-memory broker connection.
type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	closed       bool
	subs         map[string]mqtt.MessageHandler
	published    []moduletest.Publish
	onConnect    func()
	onDisconnect func(error)
}

func newFakeConn() *fakeConn {
	return &fakeConn{connected: true, subs: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeConn) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("fake: not connected")
	}
	c.published = append(c.published, moduletest.Publish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (c *fakeConn) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.connected = false
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

func (c *fakeConn) SetOnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *fakeConn) SetOnReconnecting(func()) {}

// drop simulates a lost link.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.connected = false
	fn := c.onDisconnect
	c.mu.Unlock()
	fn(err)
}

// restore simulates the client's automatic reconnect.
func (c *fakeConn) restore() {
	c.mu.Lock()
	c.connected = true
	fn := c.onConnect
	c.mu.Unlock()
	fn()
}

func (c *fakeConn) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.published))
	for _, p := range c.published {
		out = append(out, p.Topic)
	}
	return out
}

func (c *fakeConn) count(topic string) int {
	n := 0
	for _, t := range c.topics() {
		if t == topic {
			n++
		}
	}
	return n
}

func (c *fakeConn) handler(filter string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[filter]
}

// fakeDialer hands out fakeConns and records the identities used.
type fakeDialer struct {
	mu    sync.Mutex
	errs  []error
	ids   []mqtt.Identity
	conns []*fakeConn
}

func (d *fakeDialer) dial(_ context.Context, id mqtt.Identity) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ids)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeCredentials is an in-memory CredentialStore.
type fakeCredentials struct {
	mu      sync.Mutex
	creds   map[string]store.Credentials
	cleared []string
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{creds: make(map[string]store.Credentials)}
}

func (f *fakeCredentials) Load(_ context.Context, deviceID string) (store.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[deviceID]
	if !ok {
		return store.Credentials{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeCredentials) Save(_ context.Context, c store.Credentials) error {
	f.mu.Lock()
	f.creds[c.DeviceID] = c
	f.mu.Unlock()
	return nil
}

func (f *fakeCredentials) Clear(_ context.Context, deviceID string) error {
	f.mu.Lock()
	delete(f.creds, deviceID)
	f.cleared = append(f.cleared, deviceID)
	f.mu.Unlock()
	return nil
}

type fakeAuth struct {
	calls int
	creds management.Credentials
	err   error
}

func (a *fakeAuth) Authenticate(_ context.Context, _, _ string) (management.Credentials, error) {
	a.calls++
	return a.creds, a.err
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *Device, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	cfg.DeviceID = "42"
	cfg.Namespace = "smartcoop"
	cfg.Dialer = dialer.dial
	if cfg.StatusStagger == 0 {
		cfg.StatusStagger = time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Millisecond
	}
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond

	mgr := NewManager(cfg)
	env := moduletest.Env(moduletest.NewPublisher())
	env.Publisher = mgr
	dev, err := NewDevice(env, DeviceConfig{Simulation: testSimulation()})
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	mgr.Attach(dev)
	t.Cleanup(mgr.Shutdown)
	return mgr, dev, dialer
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_ConnectSubscribes(t *testing.T) {
	mgr, _, dialer := newTestManager(t, ManagerConfig{Password: "secret"})

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if mgr.State() != StateConnected {
		t.Errorf("State() = %s, want connected", mgr.State())
	}

	conn := dialer.last()
	want := []string{
		"smartcoop/42/commands",
		"smartcoop/42/system",
		"smartcoop/42/config",
		"smartcoop/42/modules/+/command",
		"smartcoop/42/modules/+/status_request",
		"app/commands/+",
		"smartcoop/42/camera/#",
	}
	for _, f := range want {
		if conn.handler(f) == nil {
			t.Errorf("missing subscription %s", f)
		}
	}
	if len(conn.subs) != len(want) {
		t.Errorf("got %d subscriptions, want %d", len(conn.subs), len(want))
	}

	id := dialer.ids[0]
	if id.Username != "device_42" || id.Password != "secret" {
		t.Errorf("identity = %+v", id)
	}
	if id.PresenceTopic != "smartcoop/42/heartbeat" {
		t.Errorf("presence topic = %q", id.PresenceTopic)
	}
	if mgr.ClientID() != id.ClientID {
		t.Errorf("ClientID() = %q, want %q", mgr.ClientID(), id.ClientID)
	}

	if err := mgr.Connect(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestManager_StatusBurst(t *testing.T) {
	mgr, _, dialer := newTestManager(t, ManagerConfig{Password: "secret"})
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := dialer.last()

	waitFor(t, "heartbeat in burst", func() bool { return conn.count("smartcoop/42/heartbeat") > 0 })

	var environment bool
	conn.mu.Lock()
	for _, p := range conn.published {
		if p.Topic == "smartcoop/42/status" && strings.Contains(string(p.Payload), `"environment"`) {
			environment = true
		}
	}
	conn.mu.Unlock()
	if !environment {
		t.Error("no sensor status with environment on smartcoop/42/status")
	}

	for _, topic := range []string{
		"smartcoop/42/modules/door/status",
		"smartcoop/42/modules/rfid-sn-001/status",
		"smartcoop/42/modules/egg-sn-001/status",
		"smartcoop/42/modules/feeder-sim/status",
		"smartcoop/42/modules/camera-sim/status",
	} {
		if conn.count(topic) == 0 {
			t.Errorf("no status on %s", topic)
		}
	}
}

func TestManager_DispatchThroughSubscription(t *testing.T) {
	mgr, dev, dialer := newTestManager(t, ManagerConfig{Password: "secret"})
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := dialer.last()

	h := conn.handler("smartcoop/42/modules/+/command")
	if err := h("smartcoop/42/modules/feeder-sim/command", []byte(`{"command":"refill"}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if conn.count("smartcoop/42/modules/feeder-sim/command_ack") != 1 {
		t.Error("ack not published through the connection")
	}
	if dev.Feeder().FoodLevel() != 100 {
		t.Error("refill not applied")
	}
}

func TestManager_DisconnectAndReconnect(t *testing.T) {
	mgr, _, dialer := newTestManager(t, ManagerConfig{Password: "secret"})
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn := dialer.last()
	waitFor(t, "first burst", func() bool { return conn.count("smartcoop/42/heartbeat") > 0 })

	conn.drop(errors.New("network unreachable"))
	if mgr.State() != StateConnecting {
		t.Errorf("State() after drop = %s, want connecting", mgr.State())
	}
	if mgr.IsConnected() {
		t.Error("IsConnected() = true after drop")
	}

	conn.restore()
	if mgr.State() != StateConnected {
		t.Errorf("State() after restore = %s, want connected", mgr.State())
	}
	waitFor(t, "second burst", func() bool { return conn.count("smartcoop/42/heartbeat") > 1 })
	if dialer.attempts() != 1 {
		t.Errorf("dial attempts = %d, want 1 (client reconnects itself)", dialer.attempts())
	}
}

func TestManager_AuthLossClearsCredentials(t *testing.T) {
	creds := newFakeCredentials()
	_ = creds.Save(context.Background(), store.Credentials{DeviceID: "42", Username: "device_42", Password: "stored"})
	mgr, _, dialer := newTestManager(t, ManagerConfig{Credentials: creds})
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if dialer.ids[0].Password != "stored" {
		t.Errorf("password = %q, want stored", dialer.ids[0].Password)
	}

	dialer.last().drop(errors.New("connection lost: not Authorized"))

	if mgr.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", mgr.State())
	}
	if _, err := creds.Load(context.Background(), "42"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stored credentials survived auth failure: %v", err)
	}
	if !dialer.last().closed {
		t.Error("connection not closed")
	}
}

func TestManager_ConnectAuthErrorNotRetried(t *testing.T) {
	creds := newFakeCredentials()
	_ = creds.Save(context.Background(), store.Credentials{DeviceID: "42", Username: "device_42", Password: "old"})
	mgr, _, dialer := newTestManager(t, ManagerConfig{Credentials: creds, RetryAttempts: 5})
	dialer.errs = []error{errors.New("bad user name or password: not authorized")}

	err := mgr.Connect(context.Background())
	if err == nil || !mqtt.IsAuthError(err) {
		t.Fatalf("Connect() error = %v, want auth error", err)
	}
	if dialer.attempts() != 1 {
		t.Errorf("dial attempts = %d, want 1", dialer.attempts())
	}
	if len(creds.cleared) != 1 {
		t.Errorf("credentials cleared %d times, want 1", len(creds.cleared))
	}
	if mgr.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", mgr.State())
	}
}

func TestManager_ConnectRetriesTransientErrors(t *testing.T) {
	mgr, _, dialer := newTestManager(t, ManagerConfig{Password: "secret", RetryAttempts: 5})
	dialer.errs = []error{errors.New("dial tcp: i/o timeout"), errors.New("dial tcp: i/o timeout")}

	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if dialer.attempts() != 3 {
		t.Errorf("dial attempts = %d, want 3", dialer.attempts())
	}
}

func TestManager_ConnectGivesUp(t *testing.T) {
	mgr, _, dialer := newTestManager(t, ManagerConfig{Password: "secret", RetryAttempts: 2})
	dialer.errs = []error{
		errors.New("dial tcp: i/o timeout"),
		errors.New("dial tcp: i/o timeout"),
		errors.New("dial tcp: i/o timeout"),
	}

	if err := mgr.Connect(context.Background()); err == nil {
		t.Fatal("Connect() succeeded, want error")
	}
	if dialer.attempts() != 3 {
		t.Errorf("dial attempts = %d, want 3", dialer.attempts())
	}
}

func TestManager_ResolveCredentials(t *testing.T) {
	t.Run("stored login wins", func(t *testing.T) {
		creds := newFakeCredentials()
		_ = creds.Save(context.Background(), store.Credentials{DeviceID: "42", Username: "42", Password: "stored"})
		auth := &fakeAuth{}
		mgr, _, _ := newTestManager(t, ManagerConfig{
			Password: "configured", Credentials: creds, Auth: auth, FactoryPassword: "factory",
		})
		user, pass, err := mgr.resolveCredentials(context.Background())
		if err != nil || user != "device_42" || pass != "stored" {
			t.Errorf("got %q/%q/%v", user, pass, err)
		}
		if auth.calls != 0 {
			t.Error("backend called despite stored login")
		}
	})

	t.Run("configured password", func(t *testing.T) {
		auth := &fakeAuth{}
		mgr, _, _ := newTestManager(t, ManagerConfig{
			Username: "coop-admin", Password: "configured", Credentials: newFakeCredentials(), Auth: auth, FactoryPassword: "factory",
		})
		user, pass, err := mgr.resolveCredentials(context.Background())
		if err != nil || user != "coop-admin" || pass != "configured" {
			t.Errorf("got %q/%q/%v", user, pass, err)
		}
		if auth.calls != 0 {
			t.Error("backend called despite configured password")
		}
	})

	t.Run("backend issues and caches", func(t *testing.T) {
		creds := newFakeCredentials()
		auth := &fakeAuth{creds: management.Credentials{Username: "device_42", Password: "issued", Broker: "mqtt://broker:1883"}}
		mgr, _, _ := newTestManager(t, ManagerConfig{Credentials: creds, Auth: auth, FactoryPassword: "factory"})
		user, pass, err := mgr.resolveCredentials(context.Background())
		if err != nil || user != "device_42" || pass != "issued" {
			t.Errorf("got %q/%q/%v", user, pass, err)
		}
		saved, err := creds.Load(context.Background(), "42")
		if err != nil || saved.Password != "issued" || saved.Broker != "mqtt://broker:1883" {
			t.Errorf("saved = %+v, %v", saved, err)
		}
	})

	t.Run("backend refuses", func(t *testing.T) {
		auth := &fakeAuth{err: errors.New("401")}
		mgr, _, _ := newTestManager(t, ManagerConfig{Auth: auth, FactoryPassword: "factory"})
		if _, _, err := mgr.resolveCredentials(context.Background()); !errors.Is(err, ErrNoCredentials) {
			t.Errorf("error = %v, want ErrNoCredentials", err)
		}
	})

	t.Run("anonymous fallback", func(t *testing.T) {
		mgr, _, _ := newTestManager(t, ManagerConfig{})
		user, pass, err := mgr.resolveCredentials(context.Background())
		if err != nil || user != "device_42" || pass != "" {
			t.Errorf("got %q/%q/%v", user, pass, err)
		}
	})
}

func TestManager_Restart(t *testing.T) {
	mgr, _, dialer := newTestManager(t, ManagerConfig{Password: "secret"})
	if err := mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first := dialer.last()

	h := first.handler("smartcoop/42/system")
	if err := h("smartcoop/42/system", []byte(`{"command":"restart","requestId":"r"}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if first.count("smartcoop/42/command_ack") != 1 {
		t.Error("restart not acknowledged before reconnect")
	}

	waitFor(t, "reconnect", func() bool { return dialer.attempts() == 2 && mgr.State() == StateConnected })
	if !first.closed {
		t.Error("old connection not closed")
	}
}

func TestManager_PublishWithoutConnection(t *testing.T) {
	mgr, _, _ := newTestManager(t, ManagerConfig{})
	if err := mgr.Publish("smartcoop/42/status", []byte(`{}`), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if mgr.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	// No session: the burst is skipped.
	mgr.PublishAllStatus()
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	mgr, _, dialer := newTestManager(t, ManagerConfig{Password: "secret"})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- mgr.Run(ctx) }()
	waitFor(t, "connect", func() bool { return mgr.State() == StateConnected })

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !dialer.last().closed || mgr.State() != StateDisconnected {
		t.Error("connection not closed on shutdown")
	}
}
