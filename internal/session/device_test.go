package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smartcoop/coop-simulator/internal/infrastructure/config"
	"github.com/smartcoop/coop-simulator/internal/management"
	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/module/moduletest"
	"github.com/smartcoop/coop-simulator/internal/protocol"
)

func testSimulation() config.SimulationConfig {
	return config.SimulationConfig{
		HeartbeatInterval: time.Hour,
		StatusStagger:     time.Millisecond,
		DoorStepInterval:  time.Millisecond,
		DispenseDelay:     5 * time.Millisecond,
		ScheduleInterval:  time.Hour,
		RestartDelay:      10 * time.Millisecond,
		SensorInterval:    time.Hour,
	}
}

func newTestDevice(t *testing.T, modules ...module.Info) (*Device, *moduletest.Publisher) {
	t.Helper()
	pub := moduletest.NewPublisher()
	dev, err := NewDevice(moduletest.Env(pub), DeviceConfig{
		Modules:    modules,
		Simulation: testSimulation(),
	})
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	t.Cleanup(dev.StopModules)
	return dev, pub
}

// fakeBackend implements ManagementAPI.
type fakeBackend struct {
	token     bool
	device    management.Device
	deviceErr error
	chickens  []map[string]any
	sunTimes  []map[string]any
	sunErr    error
	created   []management.NewChicken
	createID  string
}

func (f *fakeBackend) HasToken() bool { return f.token }

func (f *fakeBackend) Device(context.Context, string) (management.Device, error) {
	return f.device, f.deviceErr
}

func (f *fakeBackend) ChickensByCoop(context.Context, string) ([]map[string]any, error) {
	return f.chickens, nil
}

func (f *fakeBackend) SunTimes(context.Context, string) ([]map[string]any, error) {
	return f.sunTimes, f.sunErr
}

func (f *fakeBackend) CreateChicken(_ context.Context, ch management.NewChicken) (string, error) {
	f.created = append(f.created, ch)
	return f.createID, nil
}

func TestNewDevice_DefaultPrimaries(t *testing.T) {
	dev, _ := newTestDevice(t)

	want := map[string]string{
		"door":        "door",
		"feeder-sim":  "feeder",
		"camera-sim":  "camera",
		"rfid-sn-001": "rfid",
		"egg-sn-001":  "counter",
		"sensors":     "sensor",
	}
	inv := dev.Inventory()
	if len(inv) != len(want) {
		t.Fatalf("inventory has %d modules, want %d: %v", len(inv), len(want), inv)
	}
	for _, e := range inv {
		if want[e.ID] != e.Type || !e.Supported {
			t.Errorf("entry %+v unexpected", e)
		}
	}
	if dev.Door() == nil || dev.Feeder() == nil || dev.Camera() == nil ||
		dev.Gate() == nil || dev.Counter() == nil || dev.Sensors() == nil {
		t.Fatal("a primary module is missing")
	}
}

func TestNewDevice_ConfiguredModules(t *testing.T) {
	dev, _ := newTestDevice(t,
		module.Info{ID: "door-01", Type: "smart-door"},
		module.Info{ID: "rfid-7", Type: "rfid-reader"},
		module.Info{ID: "heater-1", Type: "heater"},
	)

	if got := dev.Door().ID(); got != "door-01" {
		t.Errorf("primary door = %q, want door-01", got)
	}
	if got := dev.Gate().ID(); got != "rfid-7" {
		t.Errorf("primary gate = %q, want rfid-7", got)
	}
	if got := dev.gateID(); got != "rfid-7" {
		t.Errorf("counter gate id = %q, want rfid-7", got)
	}
	if _, _, ok := dev.Module("door"); ok {
		t.Error("default door added although door-01 is configured")
	}
	info, h, ok := dev.Module("heater-1")
	if !ok || h != nil || info.Type != "heater" {
		t.Errorf("Module(heater-1) = %+v, %v, %v; want unsupported entry", info, h, ok)
	}
}

func TestNewDevice_DefaultIDTakenByOtherType(t *testing.T) {
	dev, _ := newTestDevice(t, module.Info{ID: "door", Type: "feeder"})

	if dev.Feeder().ID() != "door" {
		t.Errorf("feeder id = %q, want door", dev.Feeder().ID())
	}
	if got := dev.Door().ID(); got != "door-door" {
		t.Errorf("door id = %q, want door-door", got)
	}
}

func TestDevice_AddModule(t *testing.T) {
	dev, _ := newTestDevice(t)

	if err := dev.AddModule(module.Info{ID: "  "}); err == nil {
		t.Error("AddModule() with empty id should fail")
	}
	if err := dev.AddModule(module.Info{ID: "feeder-2", Type: "automatic-feeder"}); err != nil {
		t.Fatalf("AddModule() error = %v", err)
	}
	if err := dev.AddModule(module.Info{ID: "feeder-2", Type: "camera"}); err != nil {
		t.Fatalf("AddModule() duplicate error = %v", err)
	}
	_, h, _ := dev.Module("feeder-2")
	if h == nil || h.Type() != module.TypeFeeder {
		t.Errorf("feeder-2 handler = %v, want feeder", h)
	}
	if dev.Feeder().ID() != "feeder-sim" {
		t.Error("second feeder must not replace the primary")
	}
}

func TestDevice_AdoptDoorID(t *testing.T) {
	dev, _ := newTestDevice(t)

	if !dev.AdoptDoorID("coop-door-3") {
		t.Fatal("AdoptDoorID() = false for default door")
	}
	if dev.Door().ID() != "coop-door-3" {
		t.Errorf("door id = %q", dev.Door().ID())
	}
	if _, _, ok := dev.Module("door"); ok {
		t.Error("old door id still in inventory")
	}
	if _, h, ok := dev.Module("coop-door-3"); !ok || h != module.Handler(dev.Door()) {
		t.Error("door not reachable under its new id")
	}
	if dev.AdoptDoorID("feeder-sim") {
		t.Error("door adopted a non-door id after being renamed")
	}
	if !dev.AdoptDoorID("coop-door-3") {
		t.Error("AdoptDoorID() of the current id should report true")
	}
}

func TestDevice_ConfigFingerprint(t *testing.T) {
	dev, _ := newTestDevice(t)

	first := dev.ConfigFingerprint()
	if len(first) != 16 {
		t.Fatalf("fingerprint %q is not 16 hex digits", first)
	}
	if !dev.LastModified().IsZero() {
		t.Error("LastModified set before any change")
	}
	if dev.ConfigFingerprint() != first {
		t.Error("fingerprint not stable")
	}

	dev.Door().UpdateSettings(map[string]any{"openTime": "05:30"})
	second := dev.ConfigFingerprint()
	if second == first {
		t.Error("fingerprint unchanged after door settings change")
	}
	if dev.LastModified().IsZero() {
		t.Error("LastModified not set after change")
	}
}

func TestDevice_PublishOnline(t *testing.T) {
	dev, pub := newTestDevice(t, module.Info{ID: "heater-1", Type: "heater"})

	dev.PublishOnline("heater-1")

	msg := pub.Last(t, "smartcoop/42/modules/heater-1/status")
	if msg["moduleId"] != "heater-1" || msg["deviceId"] != "42" || msg["status"] != "online" || msg["type"] != "heater" {
		t.Errorf("online status = %v", msg)
	}
}

func TestDevice_PublishModuleStatus(t *testing.T) {
	dev, pub := newTestDevice(t,
		module.Info{ID: "heater-1", Type: "heater"},
		module.Info{ID: "feeder-2", Type: "feeder"},
	)
	// feeder-2 is the primary feeder here; add a secondary.
	if err := dev.AddModule(module.Info{ID: "feeder-3", Type: "feeder"}); err != nil {
		t.Fatal(err)
	}

	dev.PublishModuleStatus()

	if len(pub.ByTopic("smartcoop/42/modules/heater-1/status")) != 1 {
		t.Error("unsupported module status not published")
	}
	if len(pub.ByTopic("smartcoop/42/modules/feeder-3/status")) != 1 {
		t.Error("secondary feeder status not published")
	}
	if len(pub.ByTopic("smartcoop/42/modules/feeder-2/status")) != 0 {
		t.Error("primary feeder published by module step")
	}
}

func TestDevice_Hydrate(t *testing.T) {
	dev, _ := newTestDevice(t)
	api := &fakeBackend{
		token: true,
		device: management.Device{
			CoopID: "7",
			MQTTModules: []management.RemoteModule{
				{ModuleID: "cam-9", Type: "camera"},
			},
			Modules: []management.RemoteModule{
				{ModuleID: "heater-1", Type: "heater", ConnectionType: "via_device"},
				{ModuleID: "wifi-cam", Type: "camera", ConnectionType: "via_device", HasWifi: true},
			},
		},
		chickens: []map[string]any{
			{"id": float64(11), "name": "Berta", "assignedTagId": "TAG-11"},
		},
		sunTimes: []map[string]any{
			{"d": "2026-10-16", "sr": "07:12", "ss": "18:05"},
		},
	}

	if err := dev.Hydrate(context.Background(), api); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}

	if _, _, ok := dev.Module("cam-9"); !ok {
		t.Error("mqtt module not added")
	}
	if _, _, ok := dev.Module("heater-1"); !ok {
		t.Error("via_device module not added")
	}
	if _, _, ok := dev.Module("wifi-cam"); ok {
		t.Error("module with its own wifi must not be added")
	}
	if dev.Flock().CoopID() != "7" {
		t.Errorf("flock coop = %q, want 7", dev.Flock().CoopID())
	}
	if c, ok := dev.Flock().ByTag("TAG-11"); !ok || c.ID != "server_11" {
		t.Errorf("server chicken = %+v, %v", c, ok)
	}
	if len(dev.Door().Settings().SunTimesTable) != 1 {
		t.Error("sun times not imported")
	}
	if dev.LastSync().IsZero() {
		t.Error("LastSync not recorded")
	}
}

func TestDevice_Hydrate_PartialFailure(t *testing.T) {
	dev, _ := newTestDevice(t)
	api := &fakeBackend{
		token:     true,
		deviceErr: errors.New("boom"),
		sunErr:    errors.New("no table"),
	}
	dev.cfg.CoopID = "7"

	err := dev.Hydrate(context.Background(), api)
	if err == nil {
		t.Fatal("Hydrate() expected joined error")
	}
	if dev.LastSync().IsZero() {
		t.Error("chickens call succeeded, LastSync should be set")
	}
}

func TestDevice_Hydrate_NoToken(t *testing.T) {
	dev, _ := newTestDevice(t)
	if err := dev.Hydrate(context.Background(), &fakeBackend{}); err != nil {
		t.Errorf("Hydrate() without token error = %v", err)
	}
	if !dev.LastSync().IsZero() {
		t.Error("LastSync set without backend access")
	}
}

func TestDevice_RegisterChicken(t *testing.T) {
	dev, pub := newTestDevice(t)
	dev.cfg.CoopID = "7"
	api := &fakeBackend{token: true, createID: "99"}

	c, err := dev.RegisterChicken(context.Background(), api, "Kvočna", "TAG-1")
	if err != nil {
		t.Fatalf("RegisterChicken() error = %v", err)
	}
	if !c.Synced || c.ServerID != "99" {
		t.Errorf("chicken = %+v, want synced with server id 99", c)
	}
	if len(api.created) != 1 || api.created[0].CoopID != "7" || api.created[0].AssignedTagID != "TAG-1" {
		t.Errorf("backend received %+v", api.created)
	}
	if len(pub.ByTopic("smartcoop/42/chicken_added")) != 1 {
		t.Error("chicken_added not published")
	}

	if _, err := dev.RegisterChicken(context.Background(), api, "Dup", "TAG-1"); err == nil {
		t.Error("duplicate tag accepted")
	}
}

func TestDevice_Command(t *testing.T) {
	dev, pub := newTestDevice(t, module.Info{ID: "heater-1", Type: "heater"})

	if err := dev.Command("nope", protocol.NewCommand("heat", nil)); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("Command(nope) error = %v, want ErrUnknownModule", err)
	}
	if err := dev.Command("heater-1", protocol.NewCommand("heat", nil)); !errors.Is(err, module.ErrUnsupportedModule) {
		t.Errorf("Command(heater-1) error = %v, want ErrUnsupportedModule", err)
	}
	ack := pub.Last(t, "smartcoop/42/modules/heater-1/command_ack")
	if ack["status"] != "unsupported_module" {
		t.Errorf("ack = %v", ack)
	}
}
