// Package module defines the contract shared by the simulated coop modules
// (door, feeder, camera, RFID gate, smart counter, sensors) and the registry
// the session uses to build them from the device's module inventory.
//
// Each module owns its state and its timers. It receives commands through
// HandleCommand, answers every command with exactly one acknowledgment, and
// republishes its state through PublishStatus. Everything it sends goes
// through an Env, which carries the device identity and the session's
// publish capability; modules never hold the MQTT client themselves.
//
// Lifecycle: Start begins periodic work (schedulers, auto modes); Stop
// cancels every timer the module owns. The session calls Stop on disconnect
// and Start again on the next connect, so no timer survives a reconnect.
package module
