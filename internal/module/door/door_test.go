package door

import (
	"testing"
	"time"

	"github.com/smartcoop/coop-simulator/internal/module/moduletest"
	"github.com/smartcoop/coop-simulator/internal/protocol"
)

const (
	moduleAckTopic = "smartcoop/42/modules/door/command_ack"
	deviceAckTopic = "smartcoop/42/command_ack"
	responseTopic  = "smartcoop/42/response"
	statusTopic    = "smartcoop/42/modules/door/status"
)

func newTestDoor(t *testing.T) (*Door, *moduletest.Publisher) {
	t.Helper()
	pub := moduletest.NewPublisher()
	d := New(moduletest.Env(pub), DefaultModuleID, Config{StepInterval: time.Millisecond})
	t.Cleanup(d.Stop)
	return d, pub
}

func waitForState(t *testing.T, d *Door, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := d.State(); s == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	s, pos := d.State()
	t.Fatalf("door state = %s at %d%%, want %s", s, pos, want)
}

func TestDoor_OpenConverges(t *testing.T) {
	d, pub := newTestDoor(t)

	d.Open()
	waitForState(t, d, StateOpen)

	if _, pos := d.State(); pos != 100 {
		t.Errorf("position = %d, want 100", pos)
	}
	// One status per step from 0 to 100.
	if n := len(pub.ByTopic(statusTopic)); n != 20 {
		t.Errorf("published %d status messages, want 20", n)
	}
	last := pub.Last(t, statusTopic)
	if last["doorStatus"] != "open" || last["deviceId"] != "42" || last["moduleId"] != "door" {
		t.Errorf("final status = %v", last)
	}
}

func TestDoor_CloseConverges(t *testing.T) {
	d, _ := newTestDoor(t)
	d.mu.Lock()
	d.state, d.position = StateOpen, 100
	d.mu.Unlock()

	d.Close()
	waitForState(t, d, StateClosed)

	if _, pos := d.State(); pos != 0 {
		t.Errorf("position = %d, want 0", pos)
	}
}

func TestDoor_OpenWhenOpenIsNoop(t *testing.T) {
	d, pub := newTestDoor(t)
	d.mu.Lock()
	d.state, d.position = StateOpen, 100
	d.mu.Unlock()

	d.Open()
	time.Sleep(10 * time.Millisecond)

	if n := len(pub.Published()); n != 0 {
		t.Errorf("published %d messages for a no-op open", n)
	}
}

func TestDoor_StopMidTransition(t *testing.T) {
	tests := []struct {
		position int
		moving   State
		want     State
	}{
		{60, StateOpening, StateOpen},
		{40, StateOpening, StateClosed},
		{60, StateClosing, StateOpen},
		{50, StateClosing, StateClosed},
	}
	for _, tt := range tests {
		d, pub := newTestDoor(t)
		d.mu.Lock()
		d.state, d.position = tt.moving, tt.position
		d.mu.Unlock()

		d.StopMotion()

		state, pos := d.State()
		if state != tt.want || pos != tt.position {
			t.Errorf("stop at %d while %s: got %s/%d, want %s/%d", tt.position, tt.moving, state, pos, tt.want, tt.position)
		}
		if n := len(pub.ByTopic(statusTopic)); n != 1 {
			t.Errorf("stop published %d statuses, want 1", n)
		}
	}
}

func TestDoor_StopCancelsActuator(t *testing.T) {
	d, _ := newTestDoor(t)
	d.Open()
	d.StopMotion()
	_, pos := d.State()
	time.Sleep(20 * time.Millisecond)
	if _, after := d.State(); after != pos {
		t.Errorf("position moved from %d to %d after stop", pos, after)
	}
}

func TestDoor_ReversalReplacesActuator(t *testing.T) {
	d, _ := newTestDoor(t)
	d.mu.Lock()
	d.state, d.position = StateOpening, 50
	d.mu.Unlock()

	d.Open()
	d.Close()
	waitForState(t, d, StateClosed)

	d.mu.Lock()
	running := d.motionDone != nil
	d.mu.Unlock()
	if running {
		t.Error("actuator still registered after reaching closed")
	}
}

func TestDoor_StepIgnoresSupersededMotion(t *testing.T) {
	d, pub := newTestDoor(t)
	stale := make(chan struct{})

	if finished := d.step(stepSize, stale); !finished {
		t.Error("step() on superseded motion should report finished")
	}
	if _, pos := d.State(); pos != 0 {
		t.Errorf("position = %d, want untouched 0", pos)
	}
	if n := len(pub.Published()); n != 0 {
		t.Errorf("superseded step published %d messages", n)
	}
}

func TestDoor_Toggle(t *testing.T) {
	d, _ := newTestDoor(t)
	d.Toggle()
	waitForState(t, d, StateOpen)
	d.Toggle()
	waitForState(t, d, StateClosed)
}

func TestDoor_HandleCommandAcks(t *testing.T) {
	actions := []struct {
		action  string
		success bool
	}{
		{"open", true},
		{"close", true},
		{"stop", true},
		{"toggle", true},
		{"updateSettings", true},
		{"explode", false},
		{"", false},
	}
	for _, tt := range actions {
		t.Run(tt.action, func(t *testing.T) {
			d, pub := newTestDoor(t)
			d.HandleCommand(protocol.NewCommand(tt.action, map[string]any{"requestId": "r-1"}))
			d.Stop()

			for _, ackTopic := range []string{deviceAckTopic, moduleAckTopic} {
				acks := pub.ByTopic(ackTopic)
				if len(acks) != 1 {
					t.Fatalf("%s: got %d acks, want 1", ackTopic, len(acks))
				}
				ack := acks[0].Decode(t)
				if ack["action"] != tt.action || ack["success"] != tt.success {
					t.Errorf("%s: ack = %v", ackTopic, ack)
				}
				if ack["commandId"] != "r-1" || ack["requestId"] != "r-1" {
					t.Errorf("%s: correlation = %v/%v", ackTopic, ack["commandId"], ack["requestId"])
				}
				wantStatus := "success"
				if !tt.success {
					wantStatus = "unknown_command"
				}
				if ack["status"] != wantStatus {
					t.Errorf("%s: status = %v, want %s", ackTopic, ack["status"], wantStatus)
				}
			}
			if n := len(pub.ByTopic(responseTopic)); n != 1 {
				t.Errorf("got %d legacy responses, want 1", n)
			}
		})
	}
}

func TestDoor_HandleCommandWithoutModuleID(t *testing.T) {
	pub := moduletest.NewPublisher()
	d := New(moduletest.Env(pub), "", Config{})
	defer d.Stop()

	d.HandleCommand(protocol.NewCommand("stop", nil))

	if n := len(pub.ByTopic(deviceAckTopic)); n != 1 {
		t.Errorf("device acks = %d, want 1", n)
	}
	for _, m := range pub.Published() {
		if m.Topic == "smartcoop/42/modules//command_ack" {
			t.Error("module ack published for a door without module id")
		}
	}
	ack := pub.Last(t, deviceAckTopic)
	if ack["commandId"] != nil || ack["requestId"] != nil {
		t.Errorf("correlation = %v/%v, want null", ack["commandId"], ack["requestId"])
	}
	if _, ok := ack["commandId"]; !ok {
		t.Error("commandId omitted, want explicit null")
	}
	// Without a module id the status goes to the device topic.
	if n := len(pub.ByTopic("smartcoop/42/status")); n != 1 {
		t.Errorf("device status count = %d, want 1", n)
	}
	resp := pub.Last(t, responseTopic)
	if id, _ := resp["requestId"].(string); len(id) < 5 || id[:4] != "req_" {
		t.Errorf("legacy requestId = %v, want req_<ms>", resp["requestId"])
	}
}

func TestDoor_UpdateSettingsPersists(t *testing.T) {
	pub := moduletest.NewPublisher()
	env := moduletest.Env(pub)
	d := New(env, DefaultModuleID, Config{})
	defer d.Stop()

	d.UpdateSettings(map[string]any{
		"mode":        "timer",
		"openTime":    "07:15",
		"closeTime":   "20:30",
		"openOffset":  float64(10),
		"closeOffset": float64(-5),
		"enabled":     true,
	})

	s := d.Settings()
	if s.Mode != ModeTimer || s.OpenTime != "07:15" || s.CloseTime != "20:30" || s.OpenOffset != 10 || s.CloseOffset != -5 {
		t.Errorf("settings = %+v", s)
	}
	status := pub.Last(t, statusTopic)
	if status["event"] != "settings_applied" {
		t.Errorf("event = %v, want settings_applied", status["event"])
	}
	if status["lastSettingsSync"] == nil {
		t.Error("lastSettingsSync not set")
	}

	// A new door on the same store picks the settings up.
	reloaded := New(env, DefaultModuleID, Config{})
	defer reloaded.Stop()
	if got := reloaded.Settings(); got.Mode != ModeTimer || got.OpenTime != "07:15" {
		t.Errorf("reloaded settings = %+v", got)
	}
}

func TestDoor_UpdateSettingsRejectsBadValues(t *testing.T) {
	d, _ := newTestDoor(t)
	d.UpdateSettings(map[string]any{"mode": "moon", "openTime": "25:99"})

	s := d.Settings()
	if s.Mode != ModeSun || s.OpenTime != "06:00" {
		t.Errorf("settings changed by invalid values: %+v", s)
	}
}

func TestDoor_SetAutoMode(t *testing.T) {
	d, pub := newTestDoor(t)
	d.SetAutoMode(true)
	if got := pub.Last(t, statusTopic)["doorAutoMode"]; got != true {
		t.Errorf("doorAutoMode = %v, want true", got)
	}
}

func TestDoor_CheckScheduleFiresDueAction(t *testing.T) {
	d, _ := newTestDoor(t)
	now := time.Date(2026, 3, 10, 5, 59, 30, 0, time.Local)
	d.now = func() time.Time { return now }
	d.UpdateSettings(map[string]any{"mode": "timer", "openTime": "06:00", "closeTime": "21:00"})

	if next := d.NextAction(); next == nil || next.Action != ActionOpen {
		t.Fatalf("next action = %+v, want open", next)
	}

	now = time.Date(2026, 3, 10, 6, 0, 5, 0, time.Local)
	d.checkSchedule()
	waitForState(t, d, StateOpen)

	next := d.NextAction()
	if next == nil || next.Action != ActionClose || next.Time != "21:00" {
		t.Errorf("next action after firing = %+v, want close at 21:00", next)
	}
}

func TestDoor_CheckScheduleDisabled(t *testing.T) {
	d, pub := newTestDoor(t)
	d.UpdateSettings(map[string]any{"enabled": false})
	pub.Clear()

	d.checkSchedule()
	if d.NextAction() != nil {
		t.Error("disabled schedule has a next action")
	}
	if n := len(pub.Published()); n != 0 {
		t.Errorf("disabled schedule published %d messages", n)
	}
}

func TestDoor_StartStopScheduler(t *testing.T) {
	d, _ := newTestDoor(t)
	d.Start()
	d.Start()
	d.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.schedulerDone != nil || d.motionDone != nil {
		t.Error("timers still registered after Stop")
	}
}

func TestDoor_DisconnectedPublishesNothing(t *testing.T) {
	d, pub := newTestDoor(t)
	pub.SetConnected(false)

	d.HandleCommand(protocol.NewCommand("stop", nil))

	if n := len(pub.Published()); n != 0 {
		t.Errorf("published %d messages while disconnected", n)
	}
	if s, _ := d.State(); s != StateClosed {
		t.Errorf("state = %s, want closed", s)
	}
}
