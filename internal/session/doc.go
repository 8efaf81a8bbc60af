// Package session runs one simulated coop controller against the broker.
//
// A Device owns the module inventory: the typed handlers built through the
// module registry, the shared flock, and the gateway receiver for cameras
// that pair through this controller. The Dispatcher routes every inbound
// topic to the handler that owns it. The Manager owns the broker
// connection: it resolves credentials, subscribes on every (re)connect,
// starts module timers, the heartbeat and the staggered status burst, and
// tears all of them down again when the link drops.
//
// Topic ownership:
//
//	{ns}/{id}/commands                  device command, routed by action
//	{ns}/{id}/system                    get_status, restart, set_rtc
//	{ns}/{id}/config                    doorAutoMode and friends
//	{ns}/{id}/modules/+/command         module command, routed by type
//	{ns}/{id}/modules/+/status_request  minimal online status
//	app/commands/+                      direct app command
//	{ns}/{id}/camera/#                  gateway side of camera pairing
package session
