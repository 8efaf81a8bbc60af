package chickens

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

// DefaultModuleID is used when the inventory has no RFID gate entry.
const DefaultModuleID = "rfid-sn-001"

// Direction of a gate pass.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	// ErrUnknownTag is returned when no chicken carries the scanned tag.
	ErrUnknownTag = errors.New("chickens: unknown tag")

	// ErrWrongSide is returned when a chicken is already where it was sent.
	ErrWrongSide = errors.New("chickens: chicken already on that side")
)

// Config tunes the simulated gate.
type Config struct {
	// PairingDelay is how long a remote pairing waits before the tag is
	// "read". Default: 2s.
	PairingDelay time.Duration

	// AutoInterval is the period of automatic random passes. Default: 15s.
	AutoInterval time.Duration

	// ResetInterval is how often the midnight egg reset is checked.
	// Default: 1 minute.
	ResetInterval time.Duration
}

// Gate is the simulated RFID gate module.
type Gate struct {
	env          *module.Env
	reg          *Registry
	pairingDelay time.Duration
	autoInterval time.Duration
	resetEvery   time.Duration

	mu           sync.Mutex
	id           string
	autoMode     bool
	authorized   map[string]struct{}
	pairingSeq   uint64
	pairingTimer *time.Timer
	pairingTag   string
	done         chan struct{}
}

// New creates a gate over the shared registry.
func New(env *module.Env, reg *Registry, moduleID string, cfg Config) *Gate {
	if moduleID == "" {
		moduleID = DefaultModuleID
	}
	if cfg.PairingDelay <= 0 {
		cfg.PairingDelay = 2 * time.Second
	}
	if cfg.AutoInterval <= 0 {
		cfg.AutoInterval = 15 * time.Second
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = time.Minute
	}
	return &Gate{
		env:          env,
		reg:          reg,
		id:           moduleID,
		pairingDelay: cfg.PairingDelay,
		autoInterval: cfg.AutoInterval,
		resetEvery:   cfg.ResetInterval,
		authorized:   make(map[string]struct{}),
	}
}

// Factory adapts New to module.Factory. Every gate shares reg.
func Factory(reg *Registry, cfg Config) module.Factory {
	return func(env *module.Env, info module.Info) (module.Handler, error) {
		return New(env, reg, info.ID, cfg), nil
	}
}

// ID returns the module id.
func (g *Gate) ID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.id
}

// Type returns module.TypeRFID.
func (g *Gate) Type() module.Type { return module.TypeRFID }

// Registry returns the flock the gate reports on.
func (g *Gate) Registry() *Registry { return g.reg }

// SimulateEnter reports tagID passing into the coop.
func (g *Gate) SimulateEnter(tagID string) error {
	return g.pass(tagID, DirectionIn)
}

// SimulateExit reports tagID passing out of the coop.
func (g *Gate) SimulateExit(tagID string) error {
	return g.pass(tagID, DirectionOut)
}

func (g *Gate) pass(tagID, direction string) error {
	if _, ok := g.reg.ByTag(tagID); !ok {
		g.env.Logger.Warn("gate read unknown tag", "tag_id", tagID)
		return ErrUnknownTag
	}

	var (
		c  Chicken
		ok bool
	)
	if direction == DirectionIn {
		c, ok = g.reg.enter(tagID)
	} else {
		c, ok = g.reg.exit(tagID)
	}
	if !ok {
		g.env.Logger.Warn("chicken already on that side", "tag_id", tagID, "direction", direction)
		return ErrWrongSide
	}

	id := g.ID()
	scan := map[string]any{
		"type":        topic.RFIDScan,
		"moduleId":    id,
		"deviceId":    g.env.DeviceID,
		"tagId":       tagID,
		"direction":   direction,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"chickenName": c.Name,
		"chickenId":   c.WireID(),
		"authorized":  g.IsAuthorized(tagID),
	}
	g.env.Logger.Info("chicken passed gate", "chicken", c.Name, "direction", direction)
	g.env.PublishJSON(g.env.ModuleTopic(id, topic.RFIDScan), scan)
	g.env.Emit("chickens.scan", scan)
	g.PublishDeviceStatus()
	return nil
}

// EnterRandom sends a random outside chicken in. It reports whether one moved.
func (g *Gate) EnterRandom() bool {
	c, ok := g.reg.pickRandom(false)
	return ok && g.SimulateEnter(c.TagID) == nil
}

// ExitRandom sends a random inside chicken out. It reports whether one moved.
func (g *Gate) ExitRandom() bool {
	c, ok := g.reg.pickRandom(true)
	return ok && g.SimulateExit(c.TagID) == nil
}

// StartRemotePairing begins a pairing for moduleID and returns the tag
// that will be read once the pairing delay elapses. A pending pairing
// is replaced.
func (g *Gate) StartRemotePairing(moduleID string) string {
	if moduleID == "" {
		moduleID = g.ID()
	}
	tag := RandomTag()

	g.mu.Lock()
	g.cancelPairingLocked()
	g.pairingSeq++
	seq := g.pairingSeq
	g.pairingTag = tag
	g.pairingTimer = time.AfterFunc(g.pairingDelay, func() { g.completePairing(seq, moduleID, tag) })
	g.mu.Unlock()

	g.env.Logger.Info("remote tag pairing started", "module_id", moduleID, "tag_id", tag)
	return tag
}

func (g *Gate) completePairing(seq uint64, moduleID, tag string) {
	g.mu.Lock()
	if seq != g.pairingSeq || g.pairingTimer == nil {
		g.mu.Unlock()
		return
	}
	g.pairingTimer = nil
	g.pairingTag = ""
	g.mu.Unlock()

	g.env.PublishJSON(g.env.ModuleTopic(moduleID, topic.RFIDScan), map[string]any{
		"type":      topic.RFIDScan,
		"moduleId":  moduleID,
		"deviceId":  g.env.DeviceID,
		"tagId":     tag,
		"direction": DirectionIn,
		"context":   "pairing",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	g.env.Logger.Info("pairing tag read", "module_id", moduleID, "tag_id", tag)
}

// CancelRemotePairing drops a pending pairing. It reports whether one was pending.
func (g *Gate) CancelRemotePairing() bool {
	g.mu.Lock()
	pending := g.pairingTimer != nil
	g.cancelPairingLocked()
	g.mu.Unlock()
	if pending {
		g.env.Logger.Info("remote tag pairing cancelled")
	}
	return pending
}

// PairingPending reports whether a remote pairing is waiting for its tag.
func (g *Gate) PairingPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pairingTimer != nil
}

func (g *Gate) cancelPairingLocked() {
	if g.pairingTimer != nil {
		g.pairingTimer.Stop()
		g.pairingTimer = nil
	}
	g.pairingTag = ""
	g.pairingSeq++
}

// AddAuthorizedTag records tagID as allowed through the gate.
func (g *Gate) AddAuthorizedTag(tagID string) {
	g.mu.Lock()
	g.authorized[tagID] = struct{}{}
	g.mu.Unlock()
	g.env.Logger.Info("authorized tag added", "tag_id", tagID)
}

// IsAuthorized reports whether tagID was added with AddAuthorizedTag.
func (g *Gate) IsAuthorized(tagID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.authorized[tagID]
	return ok
}

// SetAutoMode turns automatic random passes on or off.
func (g *Gate) SetAutoMode(enabled bool) {
	g.mu.Lock()
	g.autoMode = enabled
	g.mu.Unlock()
	g.env.Logger.Info("gate auto mode changed", "enabled", enabled)
}

// AutoMode reports whether automatic passes are enabled.
func (g *Gate) AutoMode() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.autoMode
}

// HandleCommand applies a gate command and sends one module ack.
func (g *Gate) HandleCommand(cmd protocol.Command) {
	id := g.ID()
	success := true
	switch cmd.Action {
	case "start_pairing":
		g.StartRemotePairing(cmd.String("moduleId", id))
	case "stop_pairing":
		g.CancelRemotePairing()
	case "add_authorized_tag":
		tag := protocol.StringField(cmd.Nested("payload"), "tag", "")
		if tag == "" {
			tag = cmd.String("tag", "")
		}
		if tag == "" {
			g.env.Logger.Warn("add_authorized_tag without tag")
		} else {
			g.AddAuthorizedTag(tag)
		}
	default:
		g.env.Logger.Warn("unknown gate command", "action", cmd.Action)
		success = false
	}
	g.env.AckModule(id, cmd, success, "")
}

// PublishStatus publishes the module status merged with extra.
func (g *Gate) PublishStatus(extra map[string]any) {
	status := g.Snapshot()
	g.env.PublishJSON(g.env.ModuleTopic(g.ID(), topic.Status), module.Merge(status, extra))
}

// PublishDeviceStatus publishes the flock counts on the device status topic.
func (g *Gate) PublishDeviceStatus() {
	counts := g.reg.Counts()
	g.env.PublishJSON(g.env.DeviceTopic(topic.Status), map[string]any{
		"chickensInCoop":  counts.Inside,
		"chickensOutside": counts.Outside,
		"totalChickens":   counts.Total,
		"timestamp":       protocol.NowMillis(),
	})
	g.env.Metric(g.ID(), "chickens_inside", float64(counts.Inside))
}

// Snapshot returns the module status without publishing it.
func (g *Gate) Snapshot() map[string]any {
	counts := g.reg.Counts()
	return map[string]any{
		"moduleId":        g.ID(),
		"deviceId":        g.env.DeviceID,
		"type":            string(module.TypeRFID),
		"status":          "online",
		"chickensInCoop":  counts.Inside,
		"chickensOutside": counts.Outside,
		"totalChickens":   counts.Total,
		"authorizedTags":  g.authorizedCount(),
		"timestamp":       protocol.NowMillis(),
	}
}

func (g *Gate) authorizedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.authorized)
}

// Start runs the auto-mode loop and the daily egg reset check. A running
// loop is replaced.
func (g *Gate) Start() {
	g.mu.Lock()
	if g.done != nil {
		close(g.done)
	}
	done := make(chan struct{})
	g.done = done
	g.mu.Unlock()

	go g.run(done)
}

// Stop ends the background loops and any pending pairing.
func (g *Gate) Stop() {
	g.mu.Lock()
	if g.done != nil {
		close(g.done)
		g.done = nil
	}
	g.cancelPairingLocked()
	g.mu.Unlock()
}

func (g *Gate) run(done chan struct{}) {
	auto := time.NewTicker(g.autoInterval)
	defer auto.Stop()
	reset := time.NewTicker(g.resetEvery)
	defer reset.Stop()
	for {
		select {
		case <-done:
			return
		case <-auto.C:
			if g.AutoMode() {
				g.autoStep()
			}
		case <-reset.C:
			g.reg.ResetIfNewDay()
		}
	}
}

// autoStep randomly sends one chicken in or out.
func (g *Gate) autoStep() {
	counts := g.reg.Counts()
	if rand.Float64() > 0.5 {
		if counts.Outside > 0 && rand.Float64() > 0.3 {
			g.EnterRandom()
		}
	} else if counts.Inside > 0 && rand.Float64() > 0.3 {
		g.ExitRandom()
	}
}
