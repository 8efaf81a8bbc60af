// Package sensors simulates the coop's environment sensors. Readings
// drift randomly while auto mode is on and are published on the device
// status topic.
package sensors

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

// DefaultModuleID names the sensor block in logs and telemetry.
const DefaultModuleID = "sensors"

// Reading bounds.
const (
	MinTemperature, MaxTemperature = 15.0, 35.0
	MinHumidity, MaxHumidity       = 30.0, 90.0
	MinLight, MaxLight             = 0.0, 1000.0
)

// Reading is one set of environment values.
type Reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Light       float64 `json:"light"`
}

// Config tunes the drift loop.
type Config struct {
	// DriftInterval is the period of random drift. Default: 5s.
	DriftInterval time.Duration
}

// Sensors is the simulated sensor block.
type Sensors struct {
	env      *module.Env
	id       string
	interval time.Duration

	mu       sync.Mutex
	reading  Reading
	autoMode bool
	done     chan struct{}
}

// New returns sensors at 22°C, 65% humidity and light 450 with auto mode on.
func New(env *module.Env, moduleID string, cfg Config) *Sensors {
	if moduleID == "" {
		moduleID = DefaultModuleID
	}
	if cfg.DriftInterval <= 0 {
		cfg.DriftInterval = 5 * time.Second
	}
	return &Sensors{
		env:      env,
		id:       moduleID,
		interval: cfg.DriftInterval,
		reading:  Reading{Temperature: 22, Humidity: 65, Light: 450},
		autoMode: true,
	}
}

// Factory adapts New to module.Factory.
func Factory(cfg Config) module.Factory {
	return func(env *module.Env, info module.Info) (module.Handler, error) {
		return New(env, info.ID, cfg), nil
	}
}

// ID returns the module id.
func (s *Sensors) ID() string { return s.id }

// Type returns module.TypeSensor.
func (s *Sensors) Type() module.Type { return module.TypeSensor }

// Reading returns the current values.
func (s *Sensors) Reading() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// SetTemperature overrides the temperature and publishes.
func (s *Sensors) SetTemperature(v float64) {
	s.set(func(r *Reading) { r.Temperature = v })
}

// SetHumidity overrides the humidity and publishes.
func (s *Sensors) SetHumidity(v float64) {
	s.set(func(r *Reading) { r.Humidity = v })
}

// SetLight overrides the light level and publishes.
func (s *Sensors) SetLight(v float64) {
	s.set(func(r *Reading) { r.Light = v })
}

func (s *Sensors) set(apply func(*Reading)) {
	s.mu.Lock()
	apply(&s.reading)
	s.mu.Unlock()
	s.PublishStatus(nil)
}

// AutoMode reports whether readings drift on their own.
func (s *Sensors) AutoMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoMode
}

// SetAutoMode turns drift on or off.
func (s *Sensors) SetAutoMode(enabled bool) {
	s.mu.Lock()
	s.autoMode = enabled
	s.mu.Unlock()
	s.env.Logger.Info("sensor auto mode changed", "enabled", enabled)
}

// Drift applies one random step to every reading, clamped to its bounds.
func (s *Sensors) Drift() {
	s.mu.Lock()
	r := &s.reading
	r.Temperature = clamp(r.Temperature+(rand.Float64()-0.5)*0.5, MinTemperature, MaxTemperature)
	r.Humidity = clamp(r.Humidity+(rand.Float64()-0.5)*2, MinHumidity, MaxHumidity)
	r.Light = clamp(r.Light+(rand.Float64()-0.5)*20, MinLight, MaxLight)
	s.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// HandleCommand accepts no commands; every action is acked unknown_command.
func (s *Sensors) HandleCommand(cmd protocol.Command) {
	s.env.Logger.Warn("unknown sensor command", "action", cmd.Action)
	s.env.AckModule(s.id, cmd, false, "")
}

// PublishStatus publishes the environment block on the device status topic.
// It is skipped silently while disconnected.
func (s *Sensors) PublishStatus(extra map[string]any) {
	if !s.env.Connected() {
		return
	}
	status := module.Merge(s.Snapshot(), extra)
	s.env.PublishJSON(s.env.DeviceTopic(topic.Status), status)

	r := s.Reading()
	s.env.Metric(s.id, "temperature", r.Temperature)
	s.env.Metric(s.id, "humidity", r.Humidity)
	s.env.Metric(s.id, "light", r.Light)
}

// Snapshot returns the status payload without publishing it.
func (s *Sensors) Snapshot() map[string]any {
	r := s.Reading()
	return map[string]any{
		"environment": map[string]any{
			"temperature": math.Round(r.Temperature*10) / 10,
			"humidity":    int(r.Humidity),
			"light":       int(r.Light),
		},
		"timestamp": protocol.NowMillis(),
	}
}

// Start runs the drift loop. A running loop is replaced.
func (s *Sensors) Start() {
	s.mu.Lock()
	if s.done != nil {
		close(s.done)
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if s.AutoMode() {
					s.Drift()
					s.PublishStatus(nil)
				}
			}
		}
	}()
}

// Stop ends the drift loop.
func (s *Sensors) Stop() {
	s.mu.Lock()
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.mu.Unlock()
}
