package door

import (
	"sync"
	"time"

	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

// State is the door position state.
type State string

const (
	StateClosed  State = "closed"
	StateOpening State = "opening"
	StateOpen    State = "open"
	StateClosing State = "closing"
)

const (
	// DefaultModuleID is used when the inventory has no door entry.
	DefaultModuleID = "door"

	// stepSize is the actuator travel per step, in percent.
	stepSize = 5

	settingsName = "door_settings"
)

// Config tunes the simulated actuator and scheduler.
type Config struct {
	// StepInterval is the time between actuator steps. Default: 100ms.
	StepInterval time.Duration

	// ScheduleInterval is how often the schedule is checked. Default: 1 minute.
	ScheduleInterval time.Duration
}

// Door is the simulated door module.
//
// All methods are thread-safe. State is mutated under mu and published
// after the lock is released.
type Door struct {
	env              *module.Env
	stepInterval     time.Duration
	scheduleInterval time.Duration
	now              func() time.Time

	mu               sync.Mutex
	id               string
	state            State
	position         int
	autoMode         bool
	lastUpdate       time.Time
	lastSettingsSync time.Time
	settings         Settings
	next             *ScheduledAction

	motionDone    chan struct{}
	schedulerDone chan struct{}
}

// New creates a closed door and loads persisted settings.
func New(env *module.Env, moduleID string, cfg Config) *Door {
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = 100 * time.Millisecond
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = time.Minute
	}
	d := &Door{
		env:              env,
		id:               moduleID,
		stepInterval:     cfg.StepInterval,
		scheduleInterval: cfg.ScheduleInterval,
		now:              time.Now,
		state:            StateClosed,
		settings:         DefaultSettings(),
	}
	d.loadSettings()
	d.next = d.settings.NextAction(d.now())
	return d
}

// Factory adapts New to module.Factory.
func Factory(cfg Config) module.Factory {
	return func(env *module.Env, info module.Info) (module.Handler, error) {
		return New(env, info.ID, cfg), nil
	}
}

// ID returns the module id. It may be empty for device-level doors.
func (d *Door) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// SetID rebinds the door to another module id.
func (d *Door) SetID(id string) {
	d.mu.Lock()
	d.id = id
	d.mu.Unlock()
}

// Type returns module.TypeDoor.
func (d *Door) Type() module.Type { return module.TypeDoor }

// State returns the current state and position.
func (d *Door) State() (State, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.position
}

// Settings returns a copy of the schedule settings.
func (d *Door) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.settings
	s.SunTimesTable = append([]SunTime(nil), d.settings.SunTimesTable...)
	return s
}

// NextAction returns the next scheduled movement, or nil.
func (d *Door) NextAction() *ScheduledAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next == nil {
		return nil
	}
	n := *d.next
	return &n
}

// Open starts opening. It is a no-op when the door is already open.
func (d *Door) Open() {
	d.move(StateOpen, StateOpening, stepSize)
}

// Close starts closing. It is a no-op when the door is already closed.
func (d *Door) Close() {
	d.move(StateClosed, StateClosing, -stepSize)
}

// Toggle opens a closed or closing door and closes anything else.
func (d *Door) Toggle() {
	d.mu.Lock()
	opening := d.state == StateClosed || d.state == StateClosing
	d.mu.Unlock()
	if opening {
		d.Open()
	} else {
		d.Close()
	}
}

// StopMotion freezes the actuator. The door settles to open when more
// than half open, closed otherwise.
func (d *Door) StopMotion() {
	d.mu.Lock()
	d.stopMotionLocked()
	if d.position > 50 {
		d.state = StateOpen
	} else {
		d.state = StateClosed
	}
	d.lastUpdate = d.now()
	d.mu.Unlock()

	d.env.Logger.Warn("door stopped", "module_id", d.ID())
	d.PublishStatus(nil)
}

func (d *Door) move(terminal, moving State, delta int) {
	d.mu.Lock()
	if d.state == terminal {
		d.mu.Unlock()
		return
	}
	d.stopMotionLocked()
	d.state = moving
	d.lastUpdate = d.now()
	done := make(chan struct{})
	d.motionDone = done
	d.mu.Unlock()

	d.env.Logger.Info("door moving", "module_id", d.ID(), "state", moving)
	go d.runMotion(delta, done)
}

// runMotion advances the actuator until it reaches a bound or is cancelled.
func (d *Door) runMotion(delta int, done chan struct{}) {
	ticker := time.NewTicker(d.stepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if finished := d.step(delta, done); finished {
				return
			}
		}
	}
}

// step moves the actuator once. It reports whether motion has ended.
func (d *Door) step(delta int, done chan struct{}) bool {
	d.mu.Lock()
	if d.motionDone != done {
		d.mu.Unlock()
		return true
	}
	d.position += delta
	finished := false
	switch {
	case d.position >= 100:
		d.position, d.state, finished = 100, StateOpen, true
	case d.position <= 0:
		d.position, d.state, finished = 0, StateClosed, true
	}
	if finished {
		d.motionDone = nil
		d.lastUpdate = d.now()
	}
	status := d.statusLocked(nil)
	d.mu.Unlock()

	d.publish(status)
	if finished {
		d.env.Logger.Info("door movement finished", "module_id", status["moduleId"], "state", status["doorStatus"])
		d.env.Emit("door.state", status)
	}
	return finished
}

func (d *Door) stopMotionLocked() {
	if d.motionDone != nil {
		close(d.motionDone)
		d.motionDone = nil
	}
}

// SetAutoMode records the device-level automatic mode flag.
func (d *Door) SetAutoMode(enabled bool) {
	d.mu.Lock()
	d.autoMode = enabled
	d.lastUpdate = d.now()
	d.mu.Unlock()
	d.env.Logger.Info("door auto mode changed", "enabled", enabled)
	d.PublishStatus(nil)
}

// UpdateSettings applies the schedule fields present in fields, persists
// them and recomputes the next action.
func (d *Door) UpdateSettings(fields map[string]any) {
	d.mu.Lock()
	s := d.settings
	if m, ok := fields["mode"].(string); ok {
		switch Mode(m) {
		case ModeTimer, ModeSun:
			s.Mode = Mode(m)
		default:
			d.env.Logger.Warn("ignoring unknown door mode", "mode", m)
		}
	}
	if t, ok := fields["openTime"].(string); ok && t != "" {
		if _, err := parseClock(t); err == nil {
			s.OpenTime = t
		}
	}
	if t, ok := fields["closeTime"].(string); ok && t != "" {
		if _, err := parseClock(t); err == nil {
			s.CloseTime = t
		}
	}
	if _, ok := fields["openOffset"]; ok {
		s.OpenOffset = int(protocol.FloatField(fields, "openOffset", float64(s.OpenOffset)))
	}
	if _, ok := fields["closeOffset"]; ok {
		s.CloseOffset = int(protocol.FloatField(fields, "closeOffset", float64(s.CloseOffset)))
	}
	if e, ok := fields["enabled"].(bool); ok {
		s.Enabled = e
	}
	now := d.now()
	d.settings = s
	d.next = s.NextAction(now)
	d.lastSettingsSync = now
	d.lastUpdate = now
	d.mu.Unlock()

	d.env.SaveSettings(d.env.SettingsKey(settingsName), s)
	d.env.Logger.Info("door settings updated", "mode", s.Mode, "enabled", s.Enabled)
	d.PublishStatus(map[string]any{"event": "settings_applied"})
}

// ImportSunTimes replaces the sunrise/sunset table.
func (d *Door) ImportSunTimes(table []SunTime) {
	d.mu.Lock()
	d.settings.SunTimesTable = append([]SunTime(nil), table...)
	now := d.now()
	d.next = d.settings.NextAction(now)
	d.lastSettingsSync = now
	d.lastUpdate = now
	s := d.settings
	d.mu.Unlock()

	d.env.SaveSettings(d.env.SettingsKey(settingsName), s)
	d.env.Logger.Info("sun times imported", "entries", len(table))
	d.PublishStatus(map[string]any{"event": "settings_saved"})
}

// HandleCommand applies a door command and acknowledges it on the
// device ack topic, the module ack topic and the legacy response topic.
func (d *Door) HandleCommand(cmd protocol.Command) {
	d.env.Logger.Info("door command received", "action", cmd.Action)
	success := true
	switch cmd.Action {
	case "open":
		d.Open()
	case "close":
		d.Close()
	case "stop":
		d.StopMotion()
	case "toggle":
		d.Toggle()
	case "updateSettings":
		d.UpdateSettings(cmd.Fields)
	default:
		d.env.Logger.Warn("unknown door command", "action", cmd.Action)
		success = false
	}

	d.env.AckDevice(cmd, success, "")
	if id := d.ID(); id != "" {
		d.env.AckModule(id, cmd, success, "")
	}
	d.env.LegacyResponse(cmd)
}

// PublishStatus publishes the door shadow merged with extra.
func (d *Door) PublishStatus(extra map[string]any) {
	d.mu.Lock()
	status := d.statusLocked(extra)
	d.mu.Unlock()
	d.publish(status)
}

// Snapshot returns the status payload without publishing it.
func (d *Door) Snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked(nil)
}

func (d *Door) publish(status map[string]any) {
	id, _ := status["moduleId"].(string)
	t := d.env.DeviceTopic(topic.Status)
	if id != "" {
		t = d.env.ModuleTopic(id, topic.Status)
	}
	d.env.PublishJSON(t, status)
	if pos, ok := status["doorPosition"].(int); ok {
		d.env.Metric(id, "position", float64(pos))
	}
}

func (d *Door) statusLocked(extra map[string]any) map[string]any {
	status := map[string]any{
		"moduleId":     d.id,
		"deviceId":     d.env.DeviceID,
		"doorStatus":   string(d.state),
		"doorPosition": d.position,
		"doorAutoMode": d.autoMode,
		"doorControl": map[string]any{
			"mode":        string(d.settings.Mode),
			"enabled":     d.settings.Enabled,
			"openTime":    d.settings.OpenTime,
			"closeTime":   d.settings.CloseTime,
			"openOffset":  d.settings.OpenOffset,
			"closeOffset": d.settings.CloseOffset,
		},
		"lastUpdate":       isoOrNil(d.lastUpdate),
		"lastSettingsSync": isoOrNil(d.lastSettingsSync),
		"timestamp":        d.now().UnixMilli(),
		"action":           string(d.state),
		"status":           string(d.state),
	}
	if d.next != nil {
		status["nextScheduledAction"] = map[string]any{"action": string(d.next.Action), "time": d.next.Time}
	}
	return module.Merge(status, extra)
}

func isoOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Start begins the schedule check loop. A running loop is replaced.
func (d *Door) Start() {
	d.mu.Lock()
	if d.schedulerDone != nil {
		close(d.schedulerDone)
	}
	done := make(chan struct{})
	d.schedulerDone = done
	d.next = d.settings.NextAction(d.now())
	d.mu.Unlock()

	go d.runScheduler(done)
}

// Stop cancels the scheduler and any running actuator movement.
func (d *Door) Stop() {
	d.mu.Lock()
	d.stopMotionLocked()
	if d.schedulerDone != nil {
		close(d.schedulerDone)
		d.schedulerDone = nil
	}
	d.mu.Unlock()
}

func (d *Door) runScheduler(done chan struct{}) {
	ticker := time.NewTicker(d.scheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.checkSchedule()
		}
	}
}

// checkSchedule runs the next action when its minute has come.
func (d *Door) checkSchedule() {
	now := d.now()
	d.mu.Lock()
	if !d.settings.Enabled || d.next == nil || d.next.Time != ClockOf(now) {
		d.mu.Unlock()
		return
	}
	action := d.next.Action
	// Recompute from just past the fired minute so it moves to the next slot.
	d.next = d.settings.NextAction(now.Add(time.Second))
	d.mu.Unlock()

	d.env.Logger.Info("running scheduled door action", "action", action)
	if action == ActionOpen {
		d.Open()
	} else {
		d.Close()
	}
}

func (d *Door) loadSettings() {
	var s Settings
	if !d.env.LoadSettings(d.env.SettingsKey(settingsName), &s) {
		return
	}
	def := DefaultSettings()
	if s.Mode == "" {
		s.Mode = def.Mode
	}
	if s.OpenTime == "" {
		s.OpenTime = def.OpenTime
	}
	if s.CloseTime == "" {
		s.CloseTime = def.CloseTime
	}
	d.settings = s
}
