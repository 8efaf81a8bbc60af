package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smartcoop/coop-simulator/internal/gateway"
	"github.com/smartcoop/coop-simulator/internal/infrastructure/config"
	"github.com/smartcoop/coop-simulator/internal/management"
	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/module/camera"
	"github.com/smartcoop/coop-simulator/internal/module/chickens"
	"github.com/smartcoop/coop-simulator/internal/module/counter"
	"github.com/smartcoop/coop-simulator/internal/module/door"
	"github.com/smartcoop/coop-simulator/internal/module/feeder"
	"github.com/smartcoop/coop-simulator/internal/module/sensors"
	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

// hydrateTimeout bounds each management API call made by Hydrate.
const hydrateTimeout = 15 * time.Second

// ManagementAPI is the part of the management backend the device reads
// its inventory, flock and sun times from.
type ManagementAPI interface {
	HasToken() bool
	Device(ctx context.Context, deviceID string) (management.Device, error)
	ChickensByCoop(ctx context.Context, coopID string) ([]map[string]any, error)
	SunTimes(ctx context.Context, coopID string) ([]map[string]any, error)
	CreateChicken(ctx context.Context, ch management.NewChicken) (string, error)
}

// DeviceConfig describes the simulated controller.
type DeviceConfig struct {
	Firmware    string
	NetworkMode string
	WifiDirect  bool
	CoopID      string

	// Modules is the inventory declared in configuration. Primary door,
	// feeder, camera, gate, counter and sensors are added with their
	// default ids when absent.
	Modules []module.Info

	Simulation config.SimulationConfig
}

// ModuleEntry is one inventory slot. Supported is false when no handler
// exists for the declared type.
type ModuleEntry struct {
	module.Info
	Supported bool `json:"supported"`
}

type slot struct {
	info    module.Info
	handler module.Handler
}

// Device is the simulated coop controller and its modules.
//
// All methods are thread-safe.
type Device struct {
	env      *module.Env
	cfg      DeviceConfig
	registry *module.Registry
	flock    *chickens.Registry
	receiver *gateway.Receiver

	mu           sync.RWMutex
	slots        map[string]*slot
	order        []string
	door         *door.Door
	feeder       *feeder.Feeder
	camera       *camera.Camera
	gate         *chickens.Gate
	counter      *counter.Counter
	sensors      *sensors.Sensors
	lastSync     time.Time
	fingerprint  string
	lastModified time.Time
}

// NewDevice builds the inventory from cfg.Modules and fills in the
// primary modules.
func NewDevice(env *module.Env, cfg DeviceConfig) (*Device, error) {
	if cfg.Firmware == "" {
		cfg.Firmware = "v1.2.5"
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "wifi"
	}
	d := &Device{
		env:   env,
		cfg:   cfg,
		flock: chickens.NewRegistry(env),
		slots: make(map[string]*slot),
	}
	d.receiver = gateway.NewReceiver(env, gateway.ReceiverConfig{AutoApprove: cfg.Simulation.AutoApprovePairing})
	d.registry = d.buildRegistry()

	for _, info := range cfg.Modules {
		if err := d.AddModule(info); err != nil {
			return nil, err
		}
	}

	defaults := []module.Info{
		{ID: door.DefaultModuleID, Type: string(module.TypeDoor), Name: "Door"},
		{ID: feeder.DefaultModuleID, Type: string(module.TypeFeeder), Name: "Feeder"},
		{ID: camera.DefaultModuleID, Type: string(module.TypeCamera), Name: "Camera"},
		{ID: chickens.DefaultModuleID, Type: string(module.TypeRFID), Name: "RFID gate"},
		{ID: counter.DefaultModuleID, Type: string(module.TypeCounter), Name: "Egg counter"},
		{ID: sensors.DefaultModuleID, Type: string(module.TypeSensor), Name: "Sensors"},
	}
	for _, info := range defaults {
		t, _ := module.NormalizeType(info.Type)
		if d.hasPrimary(t) {
			continue
		}
		if _, _, taken := d.Module(info.ID); taken {
			info.ID += "-" + string(t)
		}
		if err := d.AddModule(info); err != nil {
			return nil, err
		}
	}

	d.sensors.SetAutoMode(cfg.Simulation.SensorAutoMode)
	d.gate.SetAutoMode(cfg.Simulation.ChickenAutoMode)
	d.receiver.SetTarget(d.camera)
	d.fingerprint = d.computeFingerprint()
	return d, nil
}

func (d *Device) buildRegistry() *module.Registry {
	sim := d.cfg.Simulation
	r := module.NewRegistry()
	r.Register(module.TypeDoor, door.Factory(door.Config{
		StepInterval:     sim.DoorStepInterval,
		ScheduleInterval: sim.ScheduleInterval,
	}))
	r.Register(module.TypeFeeder, feeder.Factory(feeder.Config{
		DispenseDelay:    sim.DispenseDelay,
		ScheduleInterval: sim.ScheduleInterval,
	}))
	r.Register(module.TypeCamera, camera.Factory())
	r.Register(module.TypeRFID, chickens.Factory(d.flock, chickens.Config{
		AutoInterval: sim.ChickenAutoInterval,
	}))
	r.Register(module.TypeCounter, counter.Factory(d.flock, d.gateID))
	r.Register(module.TypeSensor, sensors.Factory(sensors.Config{DriftInterval: sim.SensorInterval}))
	return r
}

// gateID names the RFID module reported by the egg counter.
func (d *Device) gateID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.gate == nil {
		return chickens.DefaultModuleID
	}
	return d.gate.ID()
}

func (d *Device) hasPrimary(t module.Type) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch t {
	case module.TypeDoor:
		return d.door != nil
	case module.TypeFeeder:
		return d.feeder != nil
	case module.TypeCamera:
		return d.camera != nil
	case module.TypeRFID:
		return d.gate != nil
	case module.TypeCounter:
		return d.counter != nil
	case module.TypeSensor:
		return d.sensors != nil
	}
	return false
}

// AddModule adds info to the inventory. Known ids are left untouched.
// A type without a handler is recorded as unsupported so commands for it
// can be acknowledged with unsupported_module.
func (d *Device) AddModule(info module.Info) error {
	info.ID = strings.TrimSpace(info.ID)
	if info.ID == "" {
		return fmt.Errorf("adding module: empty module id")
	}
	d.mu.RLock()
	_, exists := d.slots[info.ID]
	d.mu.RUnlock()
	if exists {
		return nil
	}

	h, err := d.registry.Create(d.env, info)
	if err != nil && !errors.Is(err, module.ErrUnsupportedModule) {
		return err
	}
	if h == nil {
		d.env.Logger.Warn("module type has no handler", "module_id", info.ID, "type", info.Type)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.slots[info.ID]; exists {
		return nil
	}
	d.slots[info.ID] = &slot{info: info, handler: h}
	d.order = append(d.order, info.ID)
	d.adoptPrimaryLocked(h)
	return nil
}

// adoptPrimaryLocked makes h the primary handler of its type if none is set.
func (d *Device) adoptPrimaryLocked(h module.Handler) {
	switch m := h.(type) {
	case *door.Door:
		if d.door == nil {
			d.door = m
		}
	case *feeder.Feeder:
		if d.feeder == nil {
			d.feeder = m
		}
	case *camera.Camera:
		if d.camera == nil {
			d.camera = m
		}
	case *chickens.Gate:
		if d.gate == nil {
			d.gate = m
		}
	case *counter.Counter:
		if d.counter == nil {
			d.counter = m
		}
	case *sensors.Sensors:
		if d.sensors == nil {
			d.sensors = m
		}
	}
}

// Env returns the module environment shared by every handler.
func (d *Device) Env() *module.Env { return d.env }

// ID returns the device id.
func (d *Device) ID() string { return d.env.DeviceID }

// Door returns the primary door.
func (d *Device) Door() *door.Door {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.door
}

// Feeder returns the primary feeder.
func (d *Device) Feeder() *feeder.Feeder {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.feeder
}

// Camera returns the primary camera module.
func (d *Device) Camera() *camera.Camera {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.camera
}

// Gate returns the primary RFID gate.
func (d *Device) Gate() *chickens.Gate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gate
}

// Counter returns the primary egg counter.
func (d *Device) Counter() *counter.Counter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.counter
}

// Sensors returns the environment sensor block.
func (d *Device) Sensors() *sensors.Sensors {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sensors
}

// Flock returns the chicken registry shared by the gate and the counter.
func (d *Device) Flock() *chickens.Registry { return d.flock }

// Receiver returns the gateway side of camera pairing.
func (d *Device) Receiver() *gateway.Receiver { return d.receiver }

// Module looks up an inventory entry. The handler is nil for unsupported types.
func (d *Device) Module(id string) (module.Info, module.Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.slots[id]
	if !ok {
		return module.Info{}, nil, false
	}
	return s.info, s.handler, true
}

// Inventory lists every module in insertion order.
func (d *Device) Inventory() []ModuleEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ModuleEntry, 0, len(d.order))
	for _, id := range d.order {
		s := d.slots[id]
		out = append(out, ModuleEntry{Info: s.info, Supported: s.handler != nil})
	}
	return out
}

// AdoptDoorID rebinds the primary door to moduleID when the door still
// carries its default id, or when moduleID names a door. It reports
// whether the door now answers to moduleID.
func (d *Device) AdoptDoorID(moduleID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.door == nil || moduleID == "" {
		return false
	}
	current := d.door.ID()
	if current == moduleID {
		return true
	}
	if current != door.DefaultModuleID && current != "" && !strings.Contains(moduleID, "door") {
		return false
	}
	if other, ok := d.slots[moduleID]; ok && other.handler != module.Handler(d.door) {
		return false
	}

	s, ok := d.slots[current]
	if !ok {
		s = &slot{info: module.Info{Type: string(module.TypeDoor)}, handler: d.door}
	} else {
		delete(d.slots, current)
	}
	s.info.ID = moduleID
	d.slots[moduleID] = s
	for i, id := range d.order {
		if id == current {
			d.order[i] = moduleID
		}
	}
	d.door.SetID(moduleID)
	d.env.Logger.Info("door adopted module id", "from", current, "to", moduleID)
	return true
}

// handlers returns each distinct handler once, in inventory order.
func (d *Device) handlers() []module.Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]module.Handler, 0, len(d.order))
	for _, id := range d.order {
		if h := d.slots[id].handler; h != nil {
			out = append(out, h)
		}
	}
	return out
}

// StartModules starts the periodic work of every handler.
func (d *Device) StartModules() {
	for _, h := range d.handlers() {
		h.Start()
	}
}

// StopModules cancels every module timer.
func (d *Device) StopModules() {
	for _, h := range d.handlers() {
		h.Stop()
	}
}

func (d *Device) isPrimaryLocked(h module.Handler) bool {
	switch h {
	case module.Handler(d.door), module.Handler(d.feeder), module.Handler(d.camera),
		module.Handler(d.gate), module.Handler(d.counter), module.Handler(d.sensors):
		return true
	}
	return false
}

// PublishModuleStatus publishes every secondary module: handlers other
// than the primaries publish their own status, unsupported entries get
// the minimal online record.
func (d *Device) PublishModuleStatus() {
	d.mu.RLock()
	type pending struct {
		id string
		h  module.Handler
	}
	var todo []pending
	for _, id := range d.order {
		s := d.slots[id]
		if s.handler != nil && d.isPrimaryLocked(s.handler) {
			continue
		}
		todo = append(todo, pending{id: id, h: s.handler})
	}
	d.mu.RUnlock()

	for _, p := range todo {
		if p.h != nil {
			p.h.PublishStatus(nil)
			continue
		}
		d.PublishOnline(p.id)
	}
}

// PublishOnline answers a status_request with the minimal module record.
func (d *Device) PublishOnline(moduleID string) {
	info, _, _ := d.Module(moduleID)
	d.env.PublishJSON(d.env.ModuleTopic(moduleID, topic.Status), map[string]any{
		"moduleId":  moduleID,
		"deviceId":  d.env.DeviceID,
		"type":      info.Type,
		"status":    "online",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// ConfigFingerprint returns a 16 hex digit hash of the device
// configuration: network mode, door schedule and module inventory.
// LastModified moves whenever the fingerprint changes.
func (d *Device) ConfigFingerprint() string {
	fp := d.computeFingerprint()
	d.mu.Lock()
	defer d.mu.Unlock()
	if fp != d.fingerprint {
		d.fingerprint = fp
		d.lastModified = time.Now()
	}
	return fp
}

func (d *Device) computeFingerprint() string {
	parts := []string{d.cfg.NetworkMode, strconv.FormatBool(d.cfg.WifiDirect)}
	if dr := d.Door(); dr != nil {
		s := dr.Settings()
		parts = append(parts, s.OpenTime, s.CloseTime, string(s.Mode),
			strconv.Itoa(s.OpenOffset), strconv.Itoa(s.CloseOffset), strconv.FormatBool(s.Enabled))
	}
	mods := d.Inventory()
	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })
	for _, m := range mods {
		parts = append(parts, m.ID+":"+m.Type)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%016x", h.Sum64())
}

// LastModified is when the configuration fingerprint last changed. It is
// zero until the first change after startup.
func (d *Device) LastModified() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastModified
}

// LastSync is when Hydrate last reached the management backend.
func (d *Device) LastSync() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSync
}

// CoopID returns the configured coop, falling back to the flock's coop.
func (d *Device) CoopID() string {
	if d.cfg.CoopID != "" {
		return d.cfg.CoopID
	}
	return d.flock.CoopID()
}

// Hydrate pulls the backend view of the device: extra modules, the flock
// of its coop and the sun-times table for the door. Every step runs even
// when an earlier one fails; the failures are joined.
func (d *Device) Hydrate(ctx context.Context, api ManagementAPI) error {
	if api == nil || !api.HasToken() {
		d.env.Logger.Info("management token not configured, skipping hydration")
		return nil
	}
	var errs []error
	reached := false

	coopID := d.cfg.CoopID
	callCtx, cancel := context.WithTimeout(ctx, hydrateTimeout)
	remote, err := api.Device(callCtx, d.env.DeviceID)
	cancel()
	if err != nil {
		errs = append(errs, fmt.Errorf("loading device: %w", err))
	} else {
		reached = true
		mods := append(append([]management.RemoteModule(nil), remote.MQTTModules...), remote.ViaDevice()...)
		for _, m := range mods {
			if err := d.AddModule(module.Info{ID: m.ModuleID, Type: m.Type, Name: m.Name}); err != nil {
				errs = append(errs, err)
			}
		}
		if coopID == "" {
			coopID = string(remote.CoopID)
		}
		d.env.Logger.Info("device loaded from backend", "modules", len(mods), "coop_id", coopID)
	}

	if coopID == "" {
		coopID = d.flock.CoopID()
	}
	if coopID == "" {
		d.env.Logger.Warn("no coop id known, flock and sun times not synced")
		return errors.Join(errs...)
	}

	callCtx, cancel = context.WithTimeout(ctx, hydrateTimeout)
	list, err := api.ChickensByCoop(callCtx, coopID)
	cancel()
	if err != nil {
		errs = append(errs, fmt.Errorf("loading chickens: %w", err))
	} else {
		reached = true
		merged := d.flock.Merge(list, coopID)
		d.env.Logger.Info("flock merged", "server", len(list), "total", len(merged))
	}

	callCtx, cancel = context.WithTimeout(ctx, hydrateTimeout)
	times, err := api.SunTimes(callCtx, coopID)
	cancel()
	if err != nil {
		errs = append(errs, fmt.Errorf("loading sun times: %w", err))
	} else {
		reached = true
		if dr := d.Door(); dr != nil && len(times) > 0 {
			dr.ImportSunTimes(door.ParseSunTimes(times))
		}
	}

	if reached {
		d.mu.Lock()
		d.lastSync = time.Now()
		d.mu.Unlock()
	}
	return errors.Join(errs...)
}

// RegisterChicken adds a chicken locally and, when the backend is
// reachable, registers it there and records the server id.
func (d *Device) RegisterChicken(ctx context.Context, api ManagementAPI, name, tagID string) (chickens.Chicken, error) {
	c, err := d.flock.Add(name, tagID)
	if err != nil {
		return chickens.Chicken{}, err
	}
	if api == nil || !api.HasToken() {
		return c, nil
	}
	coopID := d.CoopID()
	if coopID == "" {
		return c, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, hydrateTimeout)
	defer cancel()
	serverID, err := api.CreateChicken(callCtx, management.NewChicken{
		Name:          c.Name,
		CoopID:        coopID,
		AssignedTagID: c.TagID,
		Location:      c.Location,
	})
	if err != nil {
		d.env.Logger.Warn("chicken kept local, backend registration failed", "tag_id", c.TagID, "error", err)
		return c, nil
	}
	synced, err := d.flock.MarkSynced(c.ID, serverID)
	if err != nil {
		return c, nil
	}
	return synced, nil
}

// Command injects a locally built command as if it arrived on the module
// command topic.
func (d *Device) Command(moduleID string, cmd protocol.Command) error {
	_, h, ok := d.Module(moduleID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, moduleID)
	}
	if h == nil {
		d.env.AckModule(moduleID, cmd, false, protocol.AckUnsupportedModule)
		return fmt.Errorf("%w: %s", module.ErrUnsupportedModule, moduleID)
	}
	h.HandleCommand(cmd)
	return nil
}
