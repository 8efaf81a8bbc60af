// Package gateway implements pairing of cameras that reach the broker
// through a gateway device instead of connecting directly.
//
// Two roles exist:
//
//   - Pairing is the camera (sender) side. It sends a handshake or pair
//     request and waits for the gateway's acknowledgment. A pairing that
//     is not confirmed before its timeout fails, and a failed pairing
//     invalidates any cached credentials for the camera.
//   - Receiver is the gateway side. It auto-accepts handshakes, holds
//     pair requests until an operator approves or rejects them, and feeds
//     camera status reports and snapshots into the local camera module.
//
// All traffic lives under {namespace}/{gatewayId}/camera/{cameraId}/{action}.
package gateway
