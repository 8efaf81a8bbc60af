package chickens

import (
	"errors"
	"testing"
	"time"

	"github.com/smartcoop/coop-simulator/internal/module/moduletest"
	"github.com/smartcoop/coop-simulator/internal/protocol"
)

const (
	scanTopic    = "smartcoop/42/modules/rfid-sn-001/rfid_scan"
	gateAckTopic = "smartcoop/42/modules/rfid-sn-001/command_ack"
	deviceStatus = "smartcoop/42/status"
)

func newTestGate(t *testing.T) (*Gate, *moduletest.Publisher) {
	t.Helper()
	pub := moduletest.NewPublisher()
	env := moduletest.Env(pub)
	reg := NewRegistry(env)
	reg.SetCoop("7")
	g := New(env, reg, "", Config{PairingDelay: 50 * time.Millisecond})
	t.Cleanup(g.Stop)
	return g, pub
}

func TestGate_EnterExit(t *testing.T) {
	g, pub := newTestGate(t)
	g.Registry().Add("Kropenka", "T1")
	g.Registry().Add("Pepina", "T2")

	if err := g.SimulateEnter("T1"); err != nil {
		t.Fatalf("SimulateEnter() error = %v", err)
	}
	scan := pub.Last(t, scanTopic)
	if scan["direction"] != "in" || scan["chickenName"] != "Kropenka" || scan["type"] != "rfid_scan" {
		t.Errorf("scan = %v", scan)
	}
	status := pub.Last(t, deviceStatus)
	if status["chickensInCoop"] != float64(1) || status["chickensOutside"] != float64(1) || status["totalChickens"] != float64(2) {
		t.Errorf("device status = %v", status)
	}

	if err := g.SimulateExit("T1"); err != nil {
		t.Fatalf("SimulateExit() error = %v", err)
	}
	if scan := pub.Last(t, scanTopic); scan["direction"] != "out" {
		t.Errorf("direction = %v, want out", scan["direction"])
	}
}

func TestGate_WrongSideDoesNotPublish(t *testing.T) {
	g, pub := newTestGate(t)
	g.Registry().Add("Kropenka", "T1")

	if err := g.SimulateExit("T1"); !errors.Is(err, ErrWrongSide) {
		t.Errorf("SimulateExit(outside) error = %v, want ErrWrongSide", err)
	}
	g.SimulateEnter("T1")
	if err := g.SimulateEnter("T1"); !errors.Is(err, ErrWrongSide) {
		t.Errorf("SimulateEnter(inside) error = %v, want ErrWrongSide", err)
	}
	if n := len(pub.ByTopic(scanTopic)); n != 1 {
		t.Errorf("scans = %d, want 1", n)
	}
}

func TestGate_UnknownTag(t *testing.T) {
	g, pub := newTestGate(t)
	if err := g.SimulateEnter("nope"); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("error = %v, want ErrUnknownTag", err)
	}
	if len(pub.Published()) != 0 {
		t.Error("unknown tag published")
	}
}

func TestGate_RandomPasses(t *testing.T) {
	g, _ := newTestGate(t)
	if g.EnterRandom() || g.ExitRandom() {
		t.Fatal("random pass with empty flock")
	}
	g.Registry().Add("Kropenka", "T1")
	if !g.EnterRandom() {
		t.Fatal("EnterRandom() = false")
	}
	if g.EnterRandom() {
		t.Error("EnterRandom() moved a chicken already inside")
	}
	if !g.ExitRandom() {
		t.Error("ExitRandom() = false")
	}
}

func TestGate_RemotePairing(t *testing.T) {
	g, pub := newTestGate(t)

	tag := g.StartRemotePairing("")
	deadline := time.Now().Add(2 * time.Second)
	for len(pub.ByTopic(scanTopic)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pairing scan not published")
		}
		time.Sleep(time.Millisecond)
	}
	scan := pub.Last(t, scanTopic)
	if scan["tagId"] != tag || scan["context"] != "pairing" || scan["direction"] != "in" {
		t.Errorf("pairing scan = %v", scan)
	}
	if g.PairingPending() {
		t.Error("pairing still pending after scan")
	}
}

func TestGate_CancelRemotePairing(t *testing.T) {
	pub := moduletest.NewPublisher()
	env := moduletest.Env(pub)
	g := New(env, NewRegistry(env), "", Config{PairingDelay: 30 * time.Millisecond})
	t.Cleanup(g.Stop)

	g.StartRemotePairing("")
	if !g.CancelRemotePairing() {
		t.Fatal("CancelRemotePairing() = false with a pending pairing")
	}
	time.Sleep(60 * time.Millisecond)
	if n := len(pub.ByTopic(scanTopic)); n != 0 {
		t.Errorf("scans after cancel = %d, want 0", n)
	}
	if g.CancelRemotePairing() {
		t.Error("second cancel reported a pending pairing")
	}
}

func TestGate_HandleCommand(t *testing.T) {
	tests := []struct {
		name        string
		cmd         protocol.Command
		wantSuccess bool
		check       func(t *testing.T, g *Gate)
	}{
		{
			name:        "start pairing",
			cmd:         protocol.NewCommand("start_pairing", map[string]any{"requestId": "r1"}),
			wantSuccess: true,
			check: func(t *testing.T, g *Gate) {
				if !g.PairingPending() {
					t.Error("pairing not pending")
				}
			},
		},
		{
			name:        "stop pairing",
			cmd:         protocol.NewCommand("stop_pairing", nil),
			wantSuccess: true,
		},
		{
			name: "authorized tag nested",
			cmd: protocol.NewCommand("add_authorized_tag", map[string]any{
				"payload": map[string]any{"tag": "T7"},
			}),
			wantSuccess: true,
			check: func(t *testing.T, g *Gate) {
				if !g.IsAuthorized("T7") {
					t.Error("nested tag not authorized")
				}
			},
		},
		{
			name:        "authorized tag flat",
			cmd:         protocol.NewCommand("add_authorized_tag", map[string]any{"tag": "T8"}),
			wantSuccess: true,
			check: func(t *testing.T, g *Gate) {
				if !g.IsAuthorized("T8") {
					t.Error("flat tag not authorized")
				}
			},
		},
		{
			name: "unknown",
			cmd:  protocol.NewCommand("dance", nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, pub := newTestGate(t)
			g.HandleCommand(tt.cmd)

			acks := pub.ByTopic(gateAckTopic)
			if len(acks) != 1 {
				t.Fatalf("acks = %d, want 1", len(acks))
			}
			ack := acks[0].Decode(t)
			if ack["success"] != tt.wantSuccess {
				t.Errorf("success = %v, want %v", ack["success"], tt.wantSuccess)
			}
			if !tt.wantSuccess && ack["status"] != "unknown_command" {
				t.Errorf("status = %v, want unknown_command", ack["status"])
			}
			if tt.check != nil {
				tt.check(t, g)
			}
		})
	}
}

func TestGate_Snapshot(t *testing.T) {
	g, _ := newTestGate(t)
	g.Registry().Add("Kropenka", "T1")
	g.SimulateEnter("T1")

	s := g.Snapshot()
	if s["type"] != "rfid" || s["chickensInCoop"] != 1 || s["totalChickens"] != 1 {
		t.Errorf("Snapshot() = %v", s)
	}
}

func TestGate_StartReplacesRunningLoop(t *testing.T) {
	g, _ := newTestGate(t)
	g.Start()

	g.mu.Lock()
	first := g.done
	g.mu.Unlock()

	g.Start()

	select {
	case <-first:
	default:
		t.Fatal("first loop still running after second Start()")
	}
	g.mu.Lock()
	second := g.done
	g.mu.Unlock()
	if second == nil || second == first {
		t.Error("second Start() did not install a new loop")
	}
}

func TestGate_ScanReportsAuthorization(t *testing.T) {
	g, pub := newTestGate(t)
	g.Registry().Add("Kropenka", "T1")
	g.Registry().Add("Pepina", "T2")
	g.AddAuthorizedTag("T1")

	if err := g.SimulateEnter("T1"); err != nil {
		t.Fatalf("SimulateEnter() error = %v", err)
	}
	if scan := pub.Last(t, scanTopic); scan["authorized"] != true {
		t.Errorf("authorized = %v, want true", scan["authorized"])
	}
	if err := g.SimulateEnter("T2"); err != nil {
		t.Fatalf("SimulateEnter() error = %v", err)
	}
	if scan := pub.Last(t, scanTopic); scan["authorized"] != false {
		t.Errorf("authorized = %v, want false", scan["authorized"])
	}
	if n := g.Snapshot()["authorizedTags"]; n != 1 {
		t.Errorf("authorizedTags = %v, want 1", n)
	}
}
