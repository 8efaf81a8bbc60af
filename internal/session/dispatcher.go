package session

import (
	"fmt"

	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

// System is the device-level control surface driven by the system topic.
type System interface {
	PublishAllStatus()
	Restart()
}

// Device command action sets. Anything else goes to the door, which
// acknowledges it as unknown_command.
var (
	doorActions = actionSet("open", "close", "stop", "toggle", "updateSettings")

	feederActions = actionSet("manual_feed", "feed", "refill", "schedule_update",
		"set_food_level", "simulate_jam")

	cameraActions = actionSet("capture", "photo", "take_photo",
		"start_recording", "record_start", "record",
		"stop_recording", "record_stop", "stream_on", "stream_off",
		"fetch_latest", "get_latest_photo", "delete_snapshot")

	gateActions = actionSet("start_pairing", "stop_pairing", "add_authorized_tag")
)

func actionSet(actions ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		m[a] = struct{}{}
	}
	return m
}

func in(set map[string]struct{}, action string) bool {
	_, ok := set[action]
	return ok
}

// Dispatcher routes inbound messages to the device's handlers.
type Dispatcher struct {
	dev    *Device
	system System
}

// NewDispatcher creates a dispatcher. system may be nil, in which case
// system commands are acknowledged but have no effect.
func NewDispatcher(dev *Device, system System) *Dispatcher {
	return &Dispatcher{dev: dev, system: system}
}

// Dispatch handles one inbound message. It matches mqtt.MessageHandler.
//
// Unrecognised topics and messages addressed to other devices are logged
// and dropped.
func (r *Dispatcher) Dispatch(topicName string, payload []byte) error {
	env := r.dev.Env()
	t := topic.Parse(topicName)

	switch t.Kind {
	case topic.DeviceScoped:
		if t.DeviceID != env.DeviceID {
			return nil
		}
		r.handleDevice(t.Action, protocol.DecodeCommand(payload))
	case topic.ModuleScoped:
		if t.DeviceID != env.DeviceID {
			return nil
		}
		r.handleModule(t.ModuleID, t.Action, payload)
	case topic.AppCommand:
		r.handleApp(t.ModuleID, protocol.DecodeCommand(payload))
	case topic.GatewayCameraScoped:
		r.dev.Receiver().HandleMessage(t, payload)
	case topic.DirectCamera:
		env.Logger.Debug("direct camera message ignored", "topic", topicName)
	default:
		env.Logger.Warn("unrecognized topic dropped", "topic", topicName)
		return fmt.Errorf("%w: %q", ErrUnrecognizedTopic, topicName)
	}
	return nil
}

func (r *Dispatcher) handleDevice(category string, cmd protocol.Command) {
	env := r.dev.Env()
	switch category {
	case topic.Commands:
		r.routeDeviceCommand(cmd)
	case topic.System:
		r.handleSystem(cmd)
	case topic.Config:
		r.handleConfig(cmd)
	default:
		env.Logger.Debug("device message ignored", "category", category)
	}
}

func (r *Dispatcher) routeDeviceCommand(cmd protocol.Command) {
	env := r.dev.Env()
	env.Logger.Info("device command received", "action", cmd.Action)
	switch {
	case in(feederActions, cmd.Action):
		r.dev.Feeder().HandleCommand(cmd)
	case in(cameraActions, cmd.Action):
		r.dev.Camera().HandleCommand(cmd)
	default:
		r.dev.Door().HandleCommand(cmd)
	}
}

func (r *Dispatcher) handleSystem(cmd protocol.Command) {
	env := r.dev.Env()
	success := true
	switch cmd.Action {
	case "get_status":
		if r.system != nil {
			r.system.PublishAllStatus()
		}
	case "restart":
		env.Logger.Warn("restart requested")
		if r.system != nil {
			r.system.Restart()
		}
	case "set_rtc":
		env.Logger.Info("rtc set", "time", cmd.String("time", cmd.String("timestamp", "")))
	default:
		env.Logger.Warn("unknown system command", "action", cmd.Action)
		success = false
	}
	env.AckDevice(cmd, success, "")
}

func (r *Dispatcher) handleConfig(cmd protocol.Command) {
	env := r.dev.Env()
	applied := false
	if v, ok := cmd.Bool("doorAutoMode"); ok {
		r.dev.Door().SetAutoMode(v)
		applied = true
	}
	if v, ok := cmd.Bool("sensorAutoMode"); ok {
		r.dev.Sensors().SetAutoMode(v)
		applied = true
	}
	if v, ok := cmd.Bool("chickenAutoMode"); ok {
		r.dev.Gate().SetAutoMode(v)
		applied = true
	}
	if !applied {
		env.Logger.Debug("config message without known keys")
	}
}

// handleApp routes a direct app command. Gate pairing actions go to the
// primary gate; door actions go to the door, which adopts the module id;
// everything else is a module command.
func (r *Dispatcher) handleApp(moduleID string, cmd protocol.Command) {
	env := r.dev.Env()
	env.Logger.Info("app command received", "module_id", moduleID, "action", cmd.Action)

	switch {
	case in(gateActions, cmd.Action):
		if _, h, ok := r.dev.Module(moduleID); ok && h != nil && h.Type() == module.TypeRFID {
			h.HandleCommand(cmd)
			return
		}
		r.dev.Gate().HandleCommand(cmd)
	case in(doorActions, cmd.Action) && r.dev.AdoptDoorID(moduleID):
		r.dev.Door().HandleCommand(cmd)
	default:
		r.handleModuleCommand(moduleID, cmd)
	}
}

func (r *Dispatcher) handleModule(moduleID, action string, payload []byte) {
	env := r.dev.Env()
	switch action {
	case topic.StatusRequest:
		if _, _, ok := r.dev.Module(moduleID); !ok {
			env.Logger.Warn("status request for unknown module", "module_id", moduleID)
			return
		}
		r.dev.PublishOnline(moduleID)
	case topic.ConfigUpdate:
		env.Logger.Info("module config update received", "module_id", moduleID, "bytes", len(payload))
	case topic.Command:
		r.handleModuleCommand(moduleID, protocol.DecodeCommand(payload))
	default:
		// Our own status, ack and event publishes echo back here.
	}
}

// handleModuleCommand dispatches by the module's type. Unknown ids and
// types without a handler are acknowledged as unsupported_module.
func (r *Dispatcher) handleModuleCommand(moduleID string, cmd protocol.Command) {
	env := r.dev.Env()
	info, h, ok := r.dev.Module(moduleID)
	if !ok || h == nil {
		env.Logger.Warn("command for unsupported module", "module_id", moduleID, "type", info.Type, "action", cmd.Action)
		env.AckModule(moduleID, cmd, false, protocol.AckUnsupportedModule)
		return
	}
	env.Logger.Info("module command received", "module_id", moduleID, "type", h.Type(), "action", cmd.Action)
	h.HandleCommand(cmd)
}
