package gateway

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// State is the pairing state of a camera.
type State string

const (
	StateIdle      State = "idle"
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// DefaultTimeout is how long a handshake or pair request may stay unanswered.
const DefaultTimeout = 4 * time.Second

var (
	// ErrAlreadyPending is returned by Begin while a pairing is in flight.
	ErrAlreadyPending = errors.New("gateway: pairing already pending")

	// ErrNotPending is returned for an ack that arrives while no handshake
	// or pair request is in flight.
	ErrNotPending = errors.New("gateway: no pairing pending")

	// ErrOtherCamera is returned for an ack addressed to another camera.
	ErrOtherCamera = errors.New("gateway: ack addressed to another camera")

	// ErrNotAccepted is returned for a handshake ack whose status is not ok.
	ErrNotAccepted = errors.New("gateway: handshake not accepted")
)

// CredentialInvalidator forgets cached broker credentials for a device so
// the operator has to authorize it again.
type CredentialInvalidator interface {
	InvalidateCredentials(deviceID string) error
}

// Logger defines the logging interface used by the gateway package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// PairingConfig configures a Pairing.
type PairingConfig struct {
	CameraID  string
	GatewayID string

	// Timeout bounds the pending state. Default: DefaultTimeout.
	Timeout time.Duration

	// Invalidator is called when the pairing fails. Optional.
	Invalidator CredentialInvalidator

	Logger Logger
}

// Pairing is the camera-side pairing state machine:
//
//	idle -> pending -> confirmed
//	             \---> failed
//
// Reset returns to idle from any state.
type Pairing struct {
	cameraID    string
	gatewayID   string
	timeout     time.Duration
	invalidator CredentialInvalidator
	logger      Logger

	mu        sync.Mutex
	state     State
	creds     *Credentials
	timer     *time.Timer
	seq       uint64
	observers []func(State)
}

// NewPairing returns an idle pairing.
func NewPairing(cfg PairingConfig) *Pairing {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Pairing{
		cameraID:    cfg.CameraID,
		gatewayID:   cfg.GatewayID,
		timeout:     cfg.Timeout,
		invalidator: cfg.Invalidator,
		logger:      cfg.Logger,
		state:       StateIdle,
	}
}

// CameraID returns the camera being paired.
func (p *Pairing) CameraID() string { return p.cameraID }

// GatewayID returns the gateway paired with.
func (p *Pairing) GatewayID() string { return p.gatewayID }

// State returns the current state.
func (p *Pairing) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Credentials returns the credentials adopted from the last accepted
// pair ack, or nil.
func (p *Pairing) Credentials() *Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.creds == nil {
		return nil
	}
	c := *p.creds
	return &c
}

// Observe registers fn to be called on every state change. Observers
// run synchronously, outside the pairing lock.
func (p *Pairing) Observe(fn func(State)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Begin enters pending and arms the timeout. It must be called right
// after the handshake or pair request is sent.
func (p *Pairing) Begin() error {
	p.mu.Lock()
	if p.state == StatePending {
		p.mu.Unlock()
		return ErrAlreadyPending
	}
	p.stopTimerLocked()
	seq := p.seq
	p.timer = time.AfterFunc(p.timeout, func() { p.expire(seq) })
	obs := p.setLocked(StatePending)
	p.mu.Unlock()

	p.logf("pairing pending", "timeout", p.timeout)
	notify(obs, StatePending)
	return nil
}

func (p *Pairing) expire(seq uint64) {
	p.mu.Lock()
	if seq != p.seq || p.state != StatePending {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Warn("pairing not confirmed by gateway", "camera_id", p.cameraID, "gateway_id", p.gatewayID)
	}
	p.fail(StatePending)
}

// HandleHandshakeAck confirms a pending pairing when the ack is ok and
// addressed to this camera. A non-ok ack leaves the pairing pending until
// its timeout.
func (p *Pairing) HandleHandshakeAck(ack HandshakeAck) error {
	if ack.CameraID != p.cameraID {
		return ErrOtherCamera
	}
	p.mu.Lock()
	if p.state != StatePending {
		p.mu.Unlock()
		return ErrNotPending
	}
	if ack.Status != StatusOK {
		p.mu.Unlock()
		return ErrNotAccepted
	}
	p.stopTimerLocked()
	obs := p.setLocked(StateConfirmed)
	p.mu.Unlock()

	p.logf("gateway confirmed handshake")
	notify(obs, StateConfirmed)
	return nil
}

// HandlePairAck applies a pair ack to a pending pairing. An ok ack
// confirms it and adopts the issued credentials; any other status fails
// it.
func (p *Pairing) HandlePairAck(ack PairAck) error {
	if ack.CameraID != p.cameraID {
		return ErrOtherCamera
	}
	p.mu.Lock()
	if p.state != StatePending {
		p.mu.Unlock()
		return ErrNotPending
	}
	if ack.Status != StatusOK {
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Warn("pair request refused", "camera_id", p.cameraID, "status", ack.Status)
		}
		p.fail(StatePending)
		return nil
	}
	p.stopTimerLocked()
	if ack.MQTTUsername != "" || ack.MQTTPassword != "" {
		p.creds = &Credentials{Username: ack.MQTTUsername, Password: ack.MQTTPassword}
	}
	obs := p.setLocked(StateConfirmed)
	p.mu.Unlock()

	p.logf("pair request accepted")
	notify(obs, StateConfirmed)
	return nil
}

// Confirm marks the camera confirmed without a gateway round trip. Direct
// mode cameras use it on connect.
func (p *Pairing) Confirm() {
	p.mu.Lock()
	if p.state == StateConfirmed {
		p.mu.Unlock()
		return
	}
	p.stopTimerLocked()
	obs := p.setLocked(StateConfirmed)
	p.mu.Unlock()
	notify(obs, StateConfirmed)
}

// Fail moves to failed, for example after a transport error.
func (p *Pairing) Fail() {
	p.fail("")
}

// fail moves to failed. A non-empty from limits the transition to that
// state.
func (p *Pairing) fail(from State) {
	p.mu.Lock()
	if p.state == StateFailed || (from != "" && p.state != from) {
		p.mu.Unlock()
		return
	}
	p.stopTimerLocked()
	p.creds = nil
	obs := p.setLocked(StateFailed)
	p.mu.Unlock()

	if p.invalidator != nil {
		if err := p.invalidator.InvalidateCredentials(p.cameraID); err != nil && p.logger != nil {
			p.logger.Error("failed to invalidate credentials", "camera_id", p.cameraID, "error", err)
		}
	}
	notify(obs, StateFailed)
}

// Reset cancels any pending timeout and returns to idle.
func (p *Pairing) Reset() {
	p.mu.Lock()
	p.stopTimerLocked()
	if p.state == StateIdle {
		p.mu.Unlock()
		return
	}
	obs := p.setLocked(StateIdle)
	p.mu.Unlock()
	notify(obs, StateIdle)
}

// stopTimerLocked cancels the timeout. Bumping seq makes an already
// fired callback a no-op.
func (p *Pairing) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.seq++
}

func (p *Pairing) setLocked(s State) []func(State) {
	p.state = s
	return slices.Clone(p.observers)
}

func notify(observers []func(State), s State) {
	for _, fn := range observers {
		fn(s)
	}
}

func (p *Pairing) logf(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, append([]any{"camera_id", p.cameraID, "gateway_id", p.gatewayID}, args...)...)
	}
}
