// Package camerasim simulates a standalone coop camera (an ESP32-CAM in the
// field) talking to the broker either directly or through a coop device
// acting as its gateway.
//
// In gateway mode the camera is the sending side of pairing: on every
// connect it announces itself with a handshake and waits for the gateway's
// ack; the operator can also send a pair request asking the gateway for
// broker credentials. The pairing state machine lives in the gateway
// package; this package drives it from MQTT traffic.
//
// In direct mode the camera talks to the backend on smartcoop/camera/{id}/...
// and counts as paired as soon as it is connected.
package camerasim
