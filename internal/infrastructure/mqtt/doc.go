// Package mqtt provides MQTT client connectivity for the coop simulator.
//
// This package manages:
//   - Connection to the broker over TCP or WebSocket with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Presence and Last Will on the device heartbeat topic
//   - Classification of refused logins (IsAuthError)
//
// # Architecture
//
// Every simulated device owns exactly one Client for the lifetime of a
// session. Module state machines never touch it directly; the session hands
// them a publish capability and stops them when the client goes away.
//
//	Session ↔ mqtt.Client ↔ Broker ↔ Backend / other simulators
//
// # Security Considerations
//
//   - Devices log in as device_<id> with credentials issued by the backend
//   - A refused login is not retried; the caller must re-authorise
//   - TLS is available for both tcp (ssl://) and ws (wss://) transports
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Identity{
//	    ClientID:      "device_42_1718000000000",
//	    Username:      "device_42",
//	    Password:      password,
//	    PresenceTopic: "smartcoop/42/heartbeat",
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
