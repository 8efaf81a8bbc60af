package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type mockInvalidator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockInvalidator) InvalidateCredentials(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id)
	return m.err
}

func (m *mockInvalidator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func newTestPairing(timeout time.Duration) (*Pairing, *mockInvalidator) {
	inv := &mockInvalidator{}
	return NewPairing(PairingConfig{
		CameraID:    "cam-1",
		GatewayID:   "42",
		Timeout:     timeout,
		Invalidator: inv,
	}), inv
}

func waitState(t *testing.T, p *Pairing, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %s, want %s", p.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPairing_HandshakeConfirms(t *testing.T) {
	p, inv := newTestPairing(time.Second)
	if p.State() != StateIdle {
		t.Fatalf("initial State() = %s", p.State())
	}
	if err := p.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := p.Begin(); !errors.Is(err, ErrAlreadyPending) {
		t.Errorf("second Begin() error = %v, want ErrAlreadyPending", err)
	}

	if err := p.HandleHandshakeAck(HandshakeAck{CameraID: "cam-1", Status: "error"}); !errors.Is(err, ErrNotAccepted) {
		t.Errorf("non-ok HandleHandshakeAck() error = %v, want ErrNotAccepted", err)
	}
	if err := p.HandleHandshakeAck(HandshakeAck{CameraID: "cam-2", Status: StatusOK}); !errors.Is(err, ErrOtherCamera) {
		t.Errorf("other camera HandleHandshakeAck() error = %v, want ErrOtherCamera", err)
	}
	if p.State() != StatePending {
		t.Fatalf("State() = %s after ignored acks, want pending", p.State())
	}
	if err := p.HandleHandshakeAck(HandshakeAck{CameraID: "cam-1", Status: StatusOK}); err != nil {
		t.Fatalf("HandleHandshakeAck() error = %v", err)
	}
	if p.State() != StateConfirmed {
		t.Errorf("State() = %s, want confirmed", p.State())
	}
	if len(inv.Calls()) != 0 {
		t.Error("credentials invalidated on success")
	}
}

func TestPairing_TimeoutFailsAndInvalidates(t *testing.T) {
	p, inv := newTestPairing(10 * time.Millisecond)
	var states []State
	var mu sync.Mutex
	p.Observe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	p.Begin()
	waitState(t, p, StateFailed)

	if calls := inv.Calls(); len(calls) != 1 || calls[0] != "cam-1" {
		t.Errorf("invalidations = %v, want [cam-1]", calls)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StatePending || states[1] != StateFailed {
		t.Errorf("observed = %v, want [pending failed]", states)
	}
}

func TestPairing_ConfirmedBeforeTimeoutStaysConfirmed(t *testing.T) {
	p, inv := newTestPairing(20 * time.Millisecond)
	p.Begin()
	if err := p.HandleHandshakeAck(HandshakeAck{CameraID: "cam-1", Status: StatusOK}); err != nil {
		t.Fatalf("HandleHandshakeAck() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if p.State() != StateConfirmed {
		t.Errorf("State() = %s after timeout window, want confirmed", p.State())
	}
	if len(inv.Calls()) != 0 {
		t.Error("credentials invalidated after confirmation")
	}
}

func TestPairing_PairAck(t *testing.T) {
	tests := []struct {
		name      string
		ack       PairAck
		wantErr   error
		wantState State
		wantCreds bool
	}{
		{
			name:      "other camera ignored",
			ack:       PairAck{CameraID: "cam-2", Status: StatusOK},
			wantErr:   ErrOtherCamera,
			wantState: StatePending,
		},
		{
			name:      "accepted adopts credentials",
			ack:       PairAck{CameraID: "cam-1", Status: StatusOK, MQTTUsername: "u", MQTTPassword: "p"},
			wantState: StateConfirmed,
			wantCreds: true,
		},
		{
			name:      "rejected fails",
			ack:       PairAck{CameraID: "cam-1", Status: StatusRejected},
			wantState: StateFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPairing(time.Second)
			t.Cleanup(p.Reset)
			p.Begin()

			if err := p.HandlePairAck(tt.ack); !errors.Is(err, tt.wantErr) {
				t.Errorf("HandlePairAck() error = %v, want %v", err, tt.wantErr)
			}
			if p.State() != tt.wantState {
				t.Errorf("State() = %s, want %s", p.State(), tt.wantState)
			}
			creds := p.Credentials()
			if (creds != nil) != tt.wantCreds {
				t.Errorf("Credentials() = %+v, want present=%v", creds, tt.wantCreds)
			}
			if creds != nil && (creds.Username != "u" || creds.Password != "p") {
				t.Errorf("Credentials() = %+v", creds)
			}
		})
	}
}

func TestPairing_ResetCancelsTimeout(t *testing.T) {
	p, inv := newTestPairing(10 * time.Millisecond)
	p.Begin()
	p.Reset()

	time.Sleep(40 * time.Millisecond)
	if p.State() != StateIdle {
		t.Errorf("State() = %s, want idle", p.State())
	}
	if len(inv.Calls()) != 0 {
		t.Error("stale timeout invalidated credentials")
	}
}

func TestPairing_FailFromTransportError(t *testing.T) {
	p, inv := newTestPairing(time.Second)
	p.Begin()
	p.Fail()
	p.Fail()

	if p.State() != StateFailed {
		t.Errorf("State() = %s, want failed", p.State())
	}
	if n := len(inv.Calls()); n != 1 {
		t.Errorf("invalidations = %d, want 1", n)
	}
	if err := p.Begin(); err != nil {
		t.Errorf("Begin() after failure error = %v", err)
	}
	p.Reset()
}

func TestPairing_LateAckAfterTimeoutIgnored(t *testing.T) {
	p, inv := newTestPairing(20 * time.Millisecond)
	p.Begin()
	waitState(t, p, StateFailed)

	if err := p.HandleHandshakeAck(HandshakeAck{CameraID: "cam-1", Status: StatusOK}); !errors.Is(err, ErrNotPending) {
		t.Errorf("HandleHandshakeAck() error = %v, want ErrNotPending", err)
	}
	if err := p.HandlePairAck(PairAck{CameraID: "cam-1", Status: StatusOK, MQTTUsername: "u", MQTTPassword: "p"}); !errors.Is(err, ErrNotPending) {
		t.Errorf("HandlePairAck() error = %v, want ErrNotPending", err)
	}
	if p.State() != StateFailed {
		t.Errorf("State() = %s, want failed", p.State())
	}
	if p.Credentials() != nil {
		t.Errorf("Credentials() = %+v, want nil", p.Credentials())
	}
	if n := len(inv.Calls()); n != 1 {
		t.Errorf("invalidations = %d, want 1", n)
	}
}

func TestPairing_UnsolicitedAckIgnored(t *testing.T) {
	tests := []struct {
		name string
		send func(p *Pairing) error
	}{
		{"handshake ack", func(p *Pairing) error {
			return p.HandleHandshakeAck(HandshakeAck{CameraID: "cam-1", Status: StatusOK})
		}},
		{"pair ack", func(p *Pairing) error {
			return p.HandlePairAck(PairAck{CameraID: "cam-1", Status: StatusOK, MQTTUsername: "u", MQTTPassword: "p"})
		}},
		{"rejected pair ack", func(p *Pairing) error {
			return p.HandlePairAck(PairAck{CameraID: "cam-1", Status: StatusRejected})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, inv := newTestPairing(time.Second)
			if err := tt.send(p); !errors.Is(err, ErrNotPending) {
				t.Errorf("error = %v, want ErrNotPending", err)
			}
			if p.State() != StateIdle {
				t.Errorf("State() = %s, want idle", p.State())
			}
			if p.Credentials() != nil {
				t.Errorf("Credentials() = %+v, want nil", p.Credentials())
			}
			if len(inv.Calls()) != 0 {
				t.Error("credentials invalidated by an unsolicited ack")
			}
		})
	}
}

func TestPairing_ConfirmWithoutGateway(t *testing.T) {
	p, _ := newTestPairing(10 * time.Millisecond)
	var got []State
	p.Observe(func(s State) { got = append(got, s) })

	p.Confirm()
	p.Confirm()

	time.Sleep(30 * time.Millisecond)
	if p.State() != StateConfirmed {
		t.Errorf("State() = %s, want confirmed", p.State())
	}
	if len(got) != 1 || got[0] != StateConfirmed {
		t.Errorf("observed = %v, want [confirmed]", got)
	}
}
