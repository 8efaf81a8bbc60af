package gateway

import "time"

// Ack status values.
const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
)

// Handshake is sent by a camera on .../handshake.
type Handshake struct {
	CameraID   string `json:"cameraId"`
	CameraName string `json:"cameraName,omitempty"`
	GatewayID  string `json:"gatewayId"`
	Action     string `json:"action"`
	Timestamp  string `json:"timestamp"`
}

// HandshakeAck answers a handshake on .../handshake/ack.
type HandshakeAck struct {
	CameraID  string `json:"cameraId"`
	GatewayID string `json:"gatewayId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// PairRequest is sent by a camera on .../pair.
type PairRequest struct {
	Action       string `json:"action"`
	CameraID     string `json:"cameraId"`
	CameraName   string `json:"cameraName"`
	GatewayID    string `json:"gatewayId"`
	MQTTUsername string `json:"mqttUsername"`
	MQTTPassword string `json:"mqttPassword"`
	Timestamp    string `json:"timestamp"`
}

// PairAck answers a pair request on .../pair/ack.
type PairAck struct {
	CameraID     string `json:"cameraId"`
	GatewayID    string `json:"gatewayId"`
	Status       string `json:"status"`
	MQTTUsername string `json:"mqttUsername,omitempty"`
	MQTTPassword string `json:"mqttPassword,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Credentials are broker credentials issued to a paired camera.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
