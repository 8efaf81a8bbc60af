// Package api implements the operator HTTP API and WebSocket event stream
// of the coop simulator.
//
// This package provides:
//   - REST endpoints to inspect the device, its modules and the flock
//   - Command injection through the same handlers MQTT commands use
//   - Camera pairing approval for the gateway role
//   - WebSocket hub fanning out module events to operator clients
//   - JWT bearer authentication with ticket-based WebSocket auth
//
// # Graceful Degradation
//
// The server works without a broker session. Reads and WebSocket
// connections keep working; operations that must publish, like status
// bursts and egg reports, answer 503 until the session is back.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
