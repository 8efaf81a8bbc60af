// Package feeder simulates the automatic feeder: a hopper of fixed
// capacity, simulated-latency dispensing and a list of daily feeding times.
package feeder

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

const (
	// DefaultModuleID is used when the inventory has no feeder entry.
	DefaultModuleID = "feeder-sim"

	// HopperCapacity is the hopper size in grams.
	HopperCapacity = 200

	// DefaultAmount is dispensed when a feed command carries no amount.
	DefaultAmount = 25

	defaultScheduleAmount = 20
)

var (
	// ErrAlreadyDispensing is returned while a dispense cycle is in flight.
	ErrAlreadyDispensing = errors.New("feeder: dispense already in progress")

	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("feeder: amount must be positive")
)

// Schedule is one daily feeding time.
type Schedule struct {
	ID      string `json:"id"`
	Time    string `json:"time"`
	Amount  int    `json:"amount"`
	Enabled bool   `json:"enabled"`
}

// DefaultSchedules returns the factory feeding plan.
func DefaultSchedules() []Schedule {
	return []Schedule{
		{ID: "sch-1", Time: "07:00", Amount: 50, Enabled: true},
		{ID: "sch-2", Time: "12:00", Amount: 30, Enabled: true},
		{ID: "sch-3", Time: "18:00", Amount: 50, Enabled: true},
	}
}

// Config tunes the simulated feeder timing.
type Config struct {
	// DispenseDelay is how long one dispense cycle takes. Default: 1s.
	DispenseDelay time.Duration

	// ScheduleInterval is how often feeding times are checked. Default: 1 minute.
	ScheduleInterval time.Duration
}

// Feeder is the simulated feeder module.
//
// All methods are thread-safe.
type Feeder struct {
	env              *module.Env
	id               string
	dispenseDelay    time.Duration
	scheduleInterval time.Duration
	now              func() time.Time

	mu                  sync.Mutex
	foodLevel           int
	totalDispensedToday int
	lastFeedAt          time.Time
	lastSettingsSync    time.Time
	lastUpdate          time.Time
	schedules           []Schedule
	dispensing          bool
	dispenseSeq         uint64
	dispenseTimer       *time.Timer
	lastFired           string
	day                 string

	schedulerDone chan struct{}
}

// New creates a feeder with the factory level and schedules.
func New(env *module.Env, moduleID string, cfg Config) *Feeder {
	if moduleID == "" {
		moduleID = DefaultModuleID
	}
	if cfg.DispenseDelay <= 0 {
		cfg.DispenseDelay = time.Second
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = time.Minute
	}
	f := &Feeder{
		env:                 env,
		id:                  moduleID,
		dispenseDelay:       cfg.DispenseDelay,
		scheduleInterval:    cfg.ScheduleInterval,
		now:                 time.Now,
		foodLevel:           75,
		totalDispensedToday: 130,
		schedules:           DefaultSchedules(),
	}
	f.day = f.now().Format("2006-01-02")
	return f
}

// Factory adapts New to module.Factory.
func Factory(cfg Config) module.Factory {
	return func(env *module.Env, info module.Info) (module.Handler, error) {
		return New(env, info.ID, cfg), nil
	}
}

// ID returns the module id.
func (f *Feeder) ID() string { return f.id }

// Type returns module.TypeFeeder.
func (f *Feeder) Type() module.Type { return module.TypeFeeder }

// FoodLevel returns the hopper level in percent.
func (f *Feeder) FoodLevel() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.foodLevel
}

// TotalDispensedToday returns grams dispensed since midnight.
func (f *Feeder) TotalDispensedToday() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalDispensedToday
}

// IsDispensing reports whether a dispense cycle is in flight.
func (f *Feeder) IsDispensing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispensing
}

// Schedules returns a copy of the feeding plan.
func (f *Feeder) Schedules() []Schedule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Schedule(nil), f.schedules...)
}

// HopperContent returns the grams left in the hopper.
func (f *Feeder) HopperContent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hopperContentLocked()
}

func (f *Feeder) hopperContentLocked() int {
	return int(math.Round(float64(f.foodLevel) / 100 * HopperCapacity))
}

// Dispense starts a dispense cycle of amount grams. The hopper is
// debited when the cycle completes. Only one cycle may run at a time.
func (f *Feeder) Dispense(amount int, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	f.mu.Lock()
	if f.dispensing {
		f.mu.Unlock()
		return ErrAlreadyDispensing
	}
	if amount > f.hopperContentLocked() {
		f.env.Logger.Warn("not enough food in hopper", "amount", amount, "content", f.hopperContentLocked())
	}
	f.dispensing = true
	f.dispenseSeq++
	seq := f.dispenseSeq
	f.dispenseTimer = time.AfterFunc(f.dispenseDelay, func() { f.completeDispense(seq, amount, reason) })
	f.mu.Unlock()
	return nil
}

func (f *Feeder) completeDispense(seq uint64, amount int, reason string) {
	f.mu.Lock()
	if !f.dispensing || f.dispenseSeq != seq {
		f.mu.Unlock()
		return
	}
	left := f.hopperContentLocked() - amount
	if left < 0 {
		left = 0
	}
	f.foodLevel = int(math.Round(float64(left) / HopperCapacity * 100))
	f.totalDispensedToday += amount
	now := f.now()
	f.lastFeedAt = now
	f.lastUpdate = now
	f.dispensing = false
	f.dispenseTimer = nil
	status := f.statusLocked(map[string]any{"event": "manual_feed", "amount": amount})
	f.mu.Unlock()

	f.env.Logger.Info("food dispensed", "module_id", f.id, "amount", amount, "reason", reason)
	f.publish(status)
	f.env.Emit("feeder.dispensed", status)
}

// Refill fills the hopper to 100%.
func (f *Feeder) Refill() {
	f.mu.Lock()
	f.foodLevel = 100
	f.lastUpdate = f.now()
	f.mu.Unlock()
	f.env.Logger.Info("hopper refilled", "module_id", f.id)
	f.PublishStatus(map[string]any{"event": "refill"})
}

// SetFoodLevel sets the hopper level, clamped to 0..100.
func (f *Feeder) SetFoodLevel(level int) {
	f.mu.Lock()
	f.foodLevel = min(100, max(0, level))
	f.lastUpdate = f.now()
	f.mu.Unlock()
	f.PublishStatus(map[string]any{"event": "level_adjusted"})
}

// SimulateJam reports an auger jam.
func (f *Feeder) SimulateJam() {
	f.env.Logger.Warn("simulated feeder jam", "module_id", f.id)
	f.PublishStatus(map[string]any{"event": "jam_detected"})
}

// ReplaceSchedules installs a new feeding plan from raw command items.
func (f *Feeder) ReplaceSchedules(items []any) {
	schedules := make([]Schedule, 0, len(items))
	for i, raw := range items {
		item, _ := raw.(map[string]any)
		if item == nil {
			item = map[string]any{}
		}
		amount := int(protocol.FloatField(item, "amount", 0))
		if amount <= 0 {
			amount = defaultScheduleAmount
		}
		enabled := true
		if e, ok := item["enabled"].(bool); ok && !e {
			enabled = false
		}
		schedules = append(schedules, Schedule{
			ID:      protocol.StringField(item, "id", fmt.Sprintf("sch-%d", i)),
			Time:    protocol.StringField(item, "time", "00:00"),
			Amount:  amount,
			Enabled: enabled,
		})
	}

	f.mu.Lock()
	f.schedules = schedules
	now := f.now()
	f.lastSettingsSync = now
	f.lastUpdate = now
	f.mu.Unlock()

	f.env.Logger.Info("feeding schedule updated", "module_id", f.id, "count", len(schedules))
	f.PublishStatus(map[string]any{"event": "schedule_applied"})
}

// HandleCommand applies a feeder command and publishes one module ack.
//
// A recognised command is acknowledged as successful even when the
// feeder refuses it (dispense in flight); the refusal is logged.
func (f *Feeder) HandleCommand(cmd protocol.Command) {
	success := true
	switch cmd.Action {
	case "manual_feed", "feed":
		amount := int(cmd.Float("amount", 0))
		if amount <= 0 {
			amount = DefaultAmount
		}
		if err := f.Dispense(amount, "mqtt command"); err != nil {
			f.env.Logger.Warn("dispense rejected", "module_id", f.id, "error", err)
		}
	case "refill":
		f.Refill()
	case "set_food_level":
		f.SetFoodLevel(int(cmd.Float("level", float64(f.FoodLevel()))))
	case "simulate_jam":
		f.SimulateJam()
	case "schedule_update":
		if items, ok := cmd.Fields["schedules"].([]any); ok {
			f.ReplaceSchedules(items)
		}
	default:
		f.env.Logger.Info("unknown feeder command", "action", cmd.Action)
		success = false
	}
	f.env.AckModule(f.id, cmd, success, "")
}

// PublishStatus publishes the feeder state merged with extra.
func (f *Feeder) PublishStatus(extra map[string]any) {
	f.mu.Lock()
	status := f.statusLocked(extra)
	f.mu.Unlock()
	f.publish(status)
}

// Snapshot returns the status payload without publishing it.
func (f *Feeder) Snapshot() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusLocked(nil)
}

func (f *Feeder) publish(status map[string]any) {
	f.env.PublishJSON(f.env.ModuleTopic(f.id, topic.Status), status)
	f.env.Metric(f.id, "food_level", float64(status["foodLevel"].(int)))
	f.env.Metric(f.id, "dispensed_today", float64(status["totalDispensedToday"].(int)))
}

func (f *Feeder) statusLocked(extra map[string]any) map[string]any {
	state := "offline"
	if f.env.Connected() {
		state = "online"
	}
	schedules := make([]Schedule, len(f.schedules))
	copy(schedules, f.schedules)
	status := map[string]any{
		"moduleId":            f.id,
		"deviceId":            f.env.DeviceID,
		"type":                "feeder",
		"status":              state,
		"foodLevel":           f.foodLevel,
		"totalDispensedToday": f.totalDispensedToday,
		"isDispensing":        f.dispensing,
		"lastFeedAt":          isoOrNil(f.lastFeedAt),
		"lastSettingsSync":    isoOrNil(f.lastSettingsSync),
		"schedules":           schedules,
		"timestamp":           f.now().UTC().Format(time.RFC3339Nano),
	}
	return module.Merge(status, extra)
}

func isoOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Start begins checking the feeding plan. A running loop is replaced.
func (f *Feeder) Start() {
	f.mu.Lock()
	if f.schedulerDone != nil {
		close(f.schedulerDone)
	}
	done := make(chan struct{})
	f.schedulerDone = done
	f.mu.Unlock()

	go func() {
		ticker := time.NewTicker(f.scheduleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				f.checkSchedules()
			}
		}
	}()
}

// Stop cancels the schedule loop and any in-flight dispense.
func (f *Feeder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.schedulerDone != nil {
		close(f.schedulerDone)
		f.schedulerDone = nil
	}
	if f.dispenseTimer != nil {
		f.dispenseTimer.Stop()
		f.dispenseTimer = nil
	}
	f.dispensing = false
}

// checkSchedules resets the daily total after midnight and dispenses
// every enabled schedule due this minute.
func (f *Feeder) checkSchedules() {
	now := f.now()
	clock := now.Format("15:04")
	stamp := now.Format("2006-01-02 15:04")

	f.mu.Lock()
	if day := now.Format("2006-01-02"); day != f.day {
		f.day = day
		f.totalDispensedToday = 0
		f.env.Logger.Info("daily feed total reset", "module_id", f.id)
	}
	if f.lastFired == stamp {
		f.mu.Unlock()
		return
	}
	var due []Schedule
	for _, s := range f.schedules {
		if s.Enabled && s.Time == clock {
			due = append(due, s)
		}
	}
	if len(due) > 0 {
		f.lastFired = stamp
	}
	f.mu.Unlock()

	for _, s := range due {
		if err := f.Dispense(s.Amount, "schedule "+s.ID); err != nil {
			f.env.Logger.Warn("scheduled feeding skipped", "schedule", s.ID, "error", err)
		}
	}
}
