// Package counter simulates the smart egg counter. Each egg is attributed
// to a chicken of the shared flock and reported through the RFID gate
// and the egg sensor module topics.
package counter

import (
	"time"

	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/module/chickens"
	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

const (
	// DefaultModuleID is used when the inventory has no counter entry.
	DefaultModuleID = "egg-sn-001"

	// DefaultGateID is the gate reported as reading the laying hen's tag.
	DefaultGateID = chickens.DefaultModuleID
)

// Counter is the simulated smart egg counter.
type Counter struct {
	env *module.Env
	reg *chickens.Registry
	id  string

	// gateID returns the RFID module reported in egg_laying scans.
	gateID func() string
}

// New creates a counter over the shared flock. gateID may be nil.
func New(env *module.Env, reg *chickens.Registry, moduleID string, gateID func() string) *Counter {
	if moduleID == "" {
		moduleID = DefaultModuleID
	}
	if gateID == nil {
		gateID = func() string { return DefaultGateID }
	}
	return &Counter{env: env, reg: reg, id: moduleID, gateID: gateID}
}

// Factory adapts New to module.Factory.
func Factory(reg *chickens.Registry, gateID func() string) module.Factory {
	return func(env *module.Env, info module.Info) (module.Handler, error) {
		return New(env, reg, info.ID, gateID), nil
	}
}

// ID returns the module id.
func (c *Counter) ID() string { return c.id }

// Type returns module.TypeCounter.
func (c *Counter) Type() module.Type { return module.TypeCounter }

// AddEggForChicken records one egg laid by the chicken with chickenID.
//
// It publishes an egg_laying rfid_scan on the gate module and then an
// egg_detected event on the counter module.
func (c *Counter) AddEggForChicken(chickenID string) (chickens.Chicken, error) {
	if _, ok := c.reg.ByID(chickenID); !ok {
		c.env.Logger.Warn("egg for unknown chicken", "chicken_id", chickenID)
		return chickens.Chicken{}, chickens.ErrNotFound
	}
	if !c.env.Connected() {
		c.env.Logger.Warn("egg not recorded, device not connected", "chicken_id", chickenID)
		return chickens.Chicken{}, module.ErrNotConnected
	}
	hen, err := c.reg.IncrementEggs(chickenID)
	if err != nil {
		return chickens.Chicken{}, err
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	gate := c.gateID()
	c.env.PublishJSON(c.env.ModuleTopic(gate, topic.RFIDScan), map[string]any{
		"type":        topic.RFIDScan,
		"moduleId":    gate,
		"deviceId":    c.env.DeviceID,
		"tagId":       hen.TagID,
		"timestamp":   ts,
		"chickenName": hen.Name,
		"chickenId":   hen.WireID(),
		"context":     "egg_laying",
	})
	event := map[string]any{
		"type":        topic.EggDetected,
		"moduleId":    c.id,
		"deviceId":    c.env.DeviceID,
		"timestamp":   ts,
		"chickenId":   hen.WireID(),
		"chickenName": hen.Name,
		"tagId":       hen.TagID,
		"eggsToday":   hen.EggsToday,
	}
	c.env.PublishJSON(c.env.ModuleTopic(c.id, topic.EggDetected), event)
	c.env.Metric(c.id, "eggs_today", float64(c.totalEggs()))
	c.env.Emit("counter.egg", event)
	return hen, nil
}

func (c *Counter) totalEggs() int {
	total := 0
	for _, hen := range c.reg.List() {
		total += hen.EggsToday
	}
	return total
}

// HandleCommand applies a counter command and sends one module ack.
func (c *Counter) HandleCommand(cmd protocol.Command) {
	success := true
	switch cmd.Action {
	case "record_egg":
		if _, err := c.AddEggForChicken(cmd.String("chickenId", "")); err != nil {
			c.env.Logger.Warn("record_egg failed", "error", err)
		}
	default:
		c.env.Logger.Warn("unknown counter command", "action", cmd.Action)
		success = false
	}
	c.env.AckModule(c.id, cmd, success, "")
}

// PublishStatus publishes the module status merged with extra.
func (c *Counter) PublishStatus(extra map[string]any) {
	c.env.PublishJSON(c.env.ModuleTopic(c.id, topic.Status), module.Merge(c.Snapshot(), extra))
}

// Snapshot returns the module status without publishing it.
func (c *Counter) Snapshot() map[string]any {
	return map[string]any{
		"moduleId":  c.id,
		"deviceId":  c.env.DeviceID,
		"type":      string(module.TypeCounter),
		"status":    "online",
		"eggsToday": c.totalEggs(),
		"timestamp": protocol.NowMillis(),
	}
}

// Start is a no-op; the counter only reacts to commands.
func (c *Counter) Start() {}

// Stop is a no-op.
func (c *Counter) Stop() {}
