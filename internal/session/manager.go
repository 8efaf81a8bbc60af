package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/smartcoop/coop-simulator/internal/infrastructure/config"
	"github.com/smartcoop/coop-simulator/internal/infrastructure/mqtt"
	"github.com/smartcoop/coop-simulator/internal/management"
	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/store"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

// State is the broker connection state.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Conn is a broker connection. *mqtt.Client satisfies it.
type Conn interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	Close() error
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
	SetOnReconnecting(callback func())
}

// Dialer opens a broker connection for one login.
type Dialer func(ctx context.Context, id mqtt.Identity) (Conn, error)

// MQTTDialer dials the broker described by cfg.
func MQTTDialer(cfg config.MQTTConfig, logger mqtt.Logger) Dialer {
	return func(_ context.Context, id mqtt.Identity) (Conn, error) {
		c, err := mqtt.Connect(cfg, id)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			c.SetLogger(logger)
		}
		return c, nil
	}
}

// CredentialStore caches broker logins between runs.
// *store.CredentialRepository satisfies it.
type CredentialStore interface {
	Load(ctx context.Context, deviceID string) (store.Credentials, error)
	Save(ctx context.Context, c store.Credentials) error
	Clear(ctx context.Context, deviceID string) error
}

// Authenticator trades the factory password for broker credentials.
// *management.Client satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, deviceID, password string) (management.Credentials, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	DeviceID  string
	Namespace string

	// Username and Password are the configured broker login. A username
	// equal to the bare device id is rewritten to device_{id}.
	Username string
	Password string

	// FactoryPassword is sent to Auth when neither the store nor the
	// configuration holds a password.
	FactoryPassword string

	// QoS for subscriptions. Default: 1.
	QoS byte

	Firmware    string
	NetworkMode string
	WifiDirect  bool

	// HeartbeatInterval. Default: 10s.
	HeartbeatInterval time.Duration

	// StatusStagger is the unit of the status burst schedule. Default: 50ms.
	StatusStagger time.Duration

	// RestartDelay is the pause before a requested restart. Default: 2s.
	RestartDelay time.Duration

	// RetryInitial and RetryMax shape the backoff of the first connect;
	// RetryAttempts bounds it (0 retries until the context ends).
	RetryInitial  time.Duration
	RetryMax      time.Duration
	RetryAttempts int

	Dialer      Dialer
	Credentials CredentialStore
	Auth        Authenticator
	Recorder    HeartbeatRecorder
	Logger      module.Logger
}

// run is the per-connection session. Everything in it dies with the link.
type run struct {
	cancel    context.CancelFunc
	heartbeat *Heartbeat

	mu     sync.Mutex
	timers []*time.Timer
}

func (s *run) after(d time.Duration, fn func()) {
	s.mu.Lock()
	s.timers = append(s.timers, time.AfterFunc(d, fn))
	s.mu.Unlock()
}

func (s *run) stop() {
	s.cancel()
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.mu.Unlock()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
}

// Manager owns the device's broker connection and session lifecycle.
//
// It implements module.Publisher so modules publish through whatever
// connection is current. All methods are thread-safe.
type Manager struct {
	cfg       ManagerConfig
	startTime time.Time

	mu         sync.Mutex
	dev        *Device
	dispatcher *Dispatcher
	conn       Conn
	state      State
	session    *run
	baseCtx    context.Context
	restart    *time.Timer
	clientID   string
}

// NewManager creates a disconnected manager. Attach a device before
// connecting.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Namespace == "" {
		cfg.Namespace = topic.DefaultNamespace
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.StatusStagger <= 0 {
		cfg.StatusStagger = 50 * time.Millisecond
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		startTime: time.Now(),
		state:     StateDisconnected,
		baseCtx:   context.Background(),
	}
}

// Attach binds the device whose topics this manager serves.
func (m *Manager) Attach(dev *Device) {
	m.mu.Lock()
	m.dev = dev
	m.dispatcher = NewDispatcher(dev, m)
	m.mu.Unlock()
}

// Dispatcher returns the router bound by Attach.
func (m *Manager) Dispatcher() *Dispatcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatcher
}

// State returns the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ClientID returns the client id of the current login.
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

// Publish sends through the current connection.
func (m *Manager) Publish(topicName string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(topicName, payload, qos, retained)
}

// IsConnected reports whether publishes can reach the broker.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	return conn != nil && conn.IsConnected()
}

func (m *Manager) logger() module.Logger {
	if m.cfg.Logger != nil {
		return m.cfg.Logger
	}
	return nopLogger{}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	dev := m.dev
	m.mu.Unlock()
	if changed {
		m.logger().Info("connection state changed", "state", string(s))
		if dev != nil {
			dev.Env().Emit("session.state", map[string]any{"state": s, "deviceId": m.cfg.DeviceID})
		}
	}
}

// Run connects and serves until ctx is cancelled, then disconnects.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Disconnect()
	return nil
}

// Connect resolves credentials, dials the broker with backoff and starts
// the first session. A refused login is not retried: the stored
// credentials are cleared and the error is returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if m.dev == nil {
		m.mu.Unlock()
		return fmt.Errorf("connecting: no device attached")
	}
	m.baseCtx = ctx
	m.mu.Unlock()

	m.setState(StateConnecting)
	username, password, err := m.resolveCredentials(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		return err
	}

	id := mqtt.Identity{
		ClientID:      ClientID(m.cfg.DeviceID, time.Now()),
		Username:      username,
		Password:      password,
		PresenceTopic: topic.Device(m.cfg.Namespace, m.cfg.DeviceID, topic.Heartbeat).String(),
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.cfg.RetryInitial),
		backoff.WithMaxInterval(m.cfg.RetryMax),
		backoff.WithMaxElapsedTime(0),
	)
	var b backoff.BackOff = policy
	if m.cfg.RetryAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(m.cfg.RetryAttempts))
	}

	conn, err := backoff.RetryNotifyWithData(func() (Conn, error) {
		c, err := m.cfg.Dialer(ctx, id)
		if err != nil {
			if mqtt.IsAuthError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return c, nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		m.logger().Warn("broker connect failed, retrying", "error", err, "retry_in", wait)
	})
	if err != nil {
		m.setState(StateDisconnected)
		if mqtt.IsAuthError(err) {
			m.forgetCredentials()
		}
		return fmt.Errorf("connecting device %s: %w", m.cfg.DeviceID, err)
	}

	conn.SetOnConnect(m.handleConnect)
	conn.SetOnDisconnect(m.handleDisconnect)
	conn.SetOnReconnecting(func() { m.setState(StateConnecting) })

	m.mu.Lock()
	m.conn = conn
	m.clientID = id.ClientID
	m.mu.Unlock()

	m.logger().Info("connected to broker", "client_id", id.ClientID, "username", username)
	m.startSession()
	return nil
}

// resolveCredentials picks the broker login: stored credentials first,
// then configuration, then the management API with the factory password.
func (m *Manager) resolveCredentials(ctx context.Context) (string, string, error) {
	if m.cfg.Credentials != nil {
		c, err := m.cfg.Credentials.Load(ctx, m.cfg.DeviceID)
		switch {
		case err == nil && c.Username != "":
			return Username(m.cfg.DeviceID, c.Username), c.Password, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			m.logger().Warn("failed to load stored credentials", "error", err)
		}
	}

	if m.cfg.Password != "" {
		return Username(m.cfg.DeviceID, m.cfg.Username), m.cfg.Password, nil
	}

	if m.cfg.Auth != nil && m.cfg.FactoryPassword != "" {
		creds, err := m.cfg.Auth.Authenticate(ctx, m.cfg.DeviceID, m.cfg.FactoryPassword)
		if err != nil {
			return "", "", fmt.Errorf("%w: %w", ErrNoCredentials, err)
		}
		username := Username(m.cfg.DeviceID, creds.Username)
		if m.cfg.Credentials != nil {
			if err := m.cfg.Credentials.Save(ctx, store.Credentials{
				DeviceID: m.cfg.DeviceID,
				Broker:   creds.Broker,
				Username: username,
				Password: creds.Password,
			}); err != nil {
				m.logger().Warn("failed to save issued credentials", "error", err)
			}
		}
		m.logger().Info("broker credentials issued by backend", "username", username)
		return username, creds.Password, nil
	}

	return Username(m.cfg.DeviceID, m.cfg.Username), "", nil
}

func (m *Manager) forgetCredentials() {
	m.logger().Error("broker refused credentials, clearing stored login", "device_id", m.cfg.DeviceID)
	if m.cfg.Credentials == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.Credentials.Clear(ctx, m.cfg.DeviceID); err != nil {
		m.logger().Warn("failed to clear stored credentials", "error", err)
	}
}

func (m *Manager) handleConnect() {
	m.logger().Info("broker connection (re)established")
	m.startSession()
}

func (m *Manager) handleDisconnect(err error) {
	m.logger().Warn("broker connection lost", "error", err)
	m.teardown()
	if mqtt.IsAuthError(err) {
		m.forgetCredentials()
		m.closeConn()
		m.setState(StateDisconnected)
		return
	}
	m.setState(StateConnecting)
}

// startSession subscribes, starts module timers and the heartbeat and
// schedules the status burst. It does nothing if a session is running.
func (m *Manager) startSession() {
	m.mu.Lock()
	if m.session != nil || m.conn == nil || m.dev == nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	s := &run{cancel: cancel}
	m.session = s
	conn, dev, dispatcher := m.conn, m.dev, m.dispatcher
	m.mu.Unlock()

	m.setState(StateConnected)

	for _, filter := range m.subscriptions() {
		if err := conn.Subscribe(filter, m.cfg.QoS, dispatcher.Dispatch); err != nil {
			m.logger().Warn("subscribe failed", "topic", filter, "error", err)
		}
	}

	dev.StartModules()

	s.heartbeat = NewHeartbeat(HeartbeatConfig{
		DeviceID:    m.cfg.DeviceID,
		Namespace:   m.cfg.Namespace,
		Firmware:    m.cfg.Firmware,
		NetworkMode: m.cfg.NetworkMode,
		WifiDirect:  m.cfg.WifiDirect,
		Interval:    m.cfg.HeartbeatInterval,
		StartTime:   m.startTime,
		Publisher:   m,
		Recorder:    m.cfg.Recorder,
		Config:      dev,
		Logger:      m.logger(),
	})
	s.heartbeat.Start(ctx)

	m.PublishAllStatus()
}

// subscriptions lists the filters of one session.
func (m *Manager) subscriptions() []string {
	ns, id := m.cfg.Namespace, m.cfg.DeviceID
	return []string{
		topic.Device(ns, id, topic.Commands).String(),
		topic.Device(ns, id, topic.System).String(),
		topic.Device(ns, id, topic.Config).String(),
		topic.AllModules(ns, id, topic.Command),
		topic.AllModules(ns, id, topic.StatusRequest),
		topic.AllAppCommands(),
		topic.AllGatewayCameras(ns, id),
	}
}

// teardown ends the current session: status burst timers, heartbeat,
// module timers and pending gateway pair requests.
func (m *Manager) teardown() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	dev := m.dev
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.stop()
	if dev != nil {
		dev.StopModules()
		dev.Receiver().Reset()
	}
}

// PublishAllStatus republishes every module in a staggered burst:
// sensors, door, chickens, feeder, camera, secondary modules and finally
// the heartbeat. It is a no-op without a session.
func (m *Manager) PublishAllStatus() {
	m.mu.Lock()
	s, dev := m.session, m.dev
	m.mu.Unlock()
	if s == nil || dev == nil {
		m.logger().Warn("status publish skipped, no active session")
		return
	}

	unit := m.cfg.StatusStagger
	steps := []struct {
		at int
		fn func()
	}{
		{2, func() { dev.Sensors().PublishStatus(nil) }},
		{4, func() { dev.Door().PublishStatus(nil) }},
		{6, func() {
			dev.Gate().PublishDeviceStatus()
			dev.Gate().PublishStatus(nil)
			dev.Counter().PublishStatus(nil)
		}},
		{7, func() { dev.Feeder().PublishStatus(nil) }},
		{8, func() { dev.Camera().PublishStatus(nil) }},
		{10, dev.PublishModuleStatus},
		{11, func() {
			if s.heartbeat != nil {
				s.heartbeat.PublishNow()
			}
		}},
	}
	for _, step := range steps {
		s.after(time.Duration(step.at)*unit, step.fn)
	}
}

// Restart drops the connection and reconnects after RestartDelay.
func (m *Manager) Restart() {
	m.mu.Lock()
	if m.restart != nil {
		m.restart.Stop()
	}
	ctx := m.baseCtx
	m.restart = time.AfterFunc(m.cfg.RestartDelay, func() {
		m.Disconnect()
		if ctx.Err() != nil {
			return
		}
		if err := m.Connect(ctx); err != nil {
			m.logger().Error("reconnect after restart failed", "error", err)
		}
	})
	m.mu.Unlock()
	m.logger().Info("restart scheduled", "delay", m.cfg.RestartDelay)
}

// Disconnect ends the session and closes the connection.
func (m *Manager) Disconnect() {
	m.teardown()
	m.closeConn()
	m.setState(StateDisconnected)
}

func (m *Manager) closeConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		m.logger().Warn("error closing broker connection", "error", err)
	}
}

// Shutdown cancels a pending restart and disconnects.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.restart != nil {
		m.restart.Stop()
		m.restart = nil
	}
	m.mu.Unlock()
	m.Disconnect()
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
