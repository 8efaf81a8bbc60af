package gateway

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/module/camera"
	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

var (
	// ErrNoPendingRequest is returned when approving or rejecting a camera
	// that has no pair request waiting.
	ErrNoPendingRequest = errors.New("gateway: no pending pair request")

	// ErrUnknownCamera is returned when unpairing a camera the gateway
	// has never seen.
	ErrUnknownCamera = errors.New("gateway: unknown camera")
)

// CameraTarget is the local camera module fed by paired cameras.
type CameraTarget interface {
	SetGatewayPairing(p camera.Pairing)
	UpdateStatusFromGateway(cameraID string, payload map[string]any)
	AddSnapshotFromGateway(cameraID, gatewayID string, payload map[string]any) (camera.Snapshot, error)
	ClearPairing(cameraID string) bool
}

// PairedCamera is the gateway's record of a camera talking through it.
type PairedCamera struct {
	ModuleID       string    `json:"moduleId"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	ConnectionType string    `json:"connectionType"`
	GatewayID      string    `json:"gatewayId"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// PendingPair is a pair request waiting for the operator.
type PendingPair struct {
	Request    PairRequest `json:"request"`
	GatewayID  string      `json:"gatewayId"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// AutoApprove accepts pair requests without waiting for the operator.
	AutoApprove bool
}

// Receiver is the gateway side of camera pairing.
//
// All methods are thread-safe.
type Receiver struct {
	env         *module.Env
	autoApprove bool

	mu      sync.Mutex
	target  CameraTarget
	paired  map[string]*PairedCamera
	pending map[string]PendingPair
}

// NewReceiver creates a receiver publishing through env. The device id of
// env is the gateway id.
func NewReceiver(env *module.Env, cfg ReceiverConfig) *Receiver {
	return &Receiver{
		env:         env,
		autoApprove: cfg.AutoApprove,
		paired:      make(map[string]*PairedCamera),
		pending:     make(map[string]PendingPair),
	}
}

// SetTarget attaches the camera module. It may be nil.
func (r *Receiver) SetTarget(t CameraTarget) {
	r.mu.Lock()
	r.target = t
	r.mu.Unlock()
}

func (r *Receiver) cameraTarget() CameraTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// HandleMessage processes one inbound gateway camera message. Acks and
// messages for other gateways are ignored.
func (r *Receiver) HandleMessage(t topic.Topic, payload []byte) {
	if t.Kind != topic.GatewayCameraScoped || t.DeviceID != r.env.DeviceID {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		fields = map[string]any{}
	}

	switch t.Action {
	case topic.Handshake:
		r.handleHandshake(t.ModuleID, fields)
	case topic.Pair:
		var req PairRequest
		_ = json.Unmarshal(payload, &req)
		r.handlePair(t.ModuleID, req)
	case topic.Status:
		r.handleStatus(t.ModuleID, fields)
	case topic.Snapshot:
		r.handleSnapshot(t.ModuleID, fields)
	default:
		r.env.Logger.Debug("gateway camera message ignored", "camera_id", t.ModuleID, "action", t.Action)
	}
}

func (r *Receiver) handleHandshake(cameraID string, fields map[string]any) {
	pc := r.record(cameraID, protocol.StringField(fields, "cameraName", ""), "online")

	r.env.PublishJSON(r.topic(cameraID, topic.HandshakeAck), HandshakeAck{
		CameraID:  cameraID,
		GatewayID: r.env.DeviceID,
		Status:    StatusOK,
		Timestamp: isoNow(),
	})
	r.env.Logger.Info("camera handshake accepted", "camera_id", cameraID)
	r.env.Emit("gateway.handshake", pc)

	if target := r.cameraTarget(); target != nil {
		target.SetGatewayPairing(camera.Pairing{ModuleID: cameraID, Name: pc.Name, GatewayID: r.env.DeviceID})
	}
}

func (r *Receiver) handlePair(cameraID string, req PairRequest) {
	req.CameraID = cameraID
	r.mu.Lock()
	r.pending[cameraID] = PendingPair{Request: req, GatewayID: r.env.DeviceID, ReceivedAt: time.Now()}
	r.mu.Unlock()

	r.env.Logger.Info("camera pair request received", "camera_id", cameraID, "name", req.CameraName)
	r.env.Emit("gateway.pair_request", req)

	if r.autoApprove {
		if _, err := r.Approve(cameraID); err != nil {
			r.env.Logger.Warn("auto-approve failed", "camera_id", cameraID, "error", err)
		}
	}
}

func (r *Receiver) handleStatus(cameraID string, fields map[string]any) {
	r.record(cameraID, protocol.StringField(fields, "cameraName", ""), protocol.StringField(fields, "status", "online"))
	if target := r.cameraTarget(); target != nil {
		target.UpdateStatusFromGateway(cameraID, fields)
	}
}

func (r *Receiver) handleSnapshot(cameraID string, fields map[string]any) {
	target := r.cameraTarget()
	if target == nil {
		r.env.Logger.Warn("snapshot dropped, no camera module", "camera_id", cameraID)
		return
	}
	if _, err := target.AddSnapshotFromGateway(cameraID, r.env.DeviceID, fields); err != nil {
		r.env.Logger.Warn("snapshot rejected", "camera_id", cameraID, "error", err)
	}
}

// record creates or refreshes the paired camera entry.
func (r *Receiver) record(cameraID, name, status string) PairedCamera {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.paired[cameraID]
	if !ok {
		pc = &PairedCamera{
			ModuleID:       cameraID,
			Name:           "Camera " + cameraID,
			Type:           string(module.TypeCamera),
			ConnectionType: "gateway",
			GatewayID:      r.env.DeviceID,
		}
		r.paired[cameraID] = pc
	}
	if name != "" {
		pc.Name = name
	}
	pc.Status = status
	pc.UpdatedAt = time.Now()
	return *pc
}

// Approve accepts the pending pair request of cameraID and sends the
// issued credentials on .../pair/ack.
func (r *Receiver) Approve(cameraID string) (PairAck, error) {
	p, ok := r.takePending(cameraID)
	if !ok {
		return PairAck{}, ErrNoPendingRequest
	}
	creds := IssueCredentials(p.Request, r.env.DeviceID)
	pc := r.record(cameraID, p.Request.CameraName, "online")

	ack := PairAck{
		CameraID:     cameraID,
		GatewayID:    r.env.DeviceID,
		Status:       StatusOK,
		MQTTUsername: creds.Username,
		MQTTPassword: creds.Password,
		Timestamp:    isoNow(),
	}
	r.env.PublishJSON(r.topic(cameraID, topic.PairAck), ack)
	r.env.Logger.Info("camera pairing approved", "camera_id", cameraID)
	r.env.Emit("gateway.paired", pc)

	if target := r.cameraTarget(); target != nil {
		target.SetGatewayPairing(camera.Pairing{ModuleID: cameraID, Name: pc.Name, GatewayID: r.env.DeviceID})
	}
	return ack, nil
}

// Reject refuses the pending pair request of cameraID.
func (r *Receiver) Reject(cameraID string) (PairAck, error) {
	if _, ok := r.takePending(cameraID); !ok {
		return PairAck{}, ErrNoPendingRequest
	}
	ack := PairAck{
		CameraID:  cameraID,
		GatewayID: r.env.DeviceID,
		Status:    StatusRejected,
		Timestamp: isoNow(),
	}
	r.env.PublishJSON(r.topic(cameraID, topic.PairAck), ack)
	r.env.Logger.Warn("camera pairing rejected", "camera_id", cameraID)
	return ack, nil
}

// Unpair forgets cameraID and detaches it from the camera module. The
// camera has to handshake or pair again.
func (r *Receiver) Unpair(cameraID string) error {
	r.mu.Lock()
	_, ok := r.paired[cameraID]
	delete(r.paired, cameraID)
	delete(r.pending, cameraID)
	target := r.target
	r.mu.Unlock()
	if !ok {
		return ErrUnknownCamera
	}

	if target != nil {
		target.ClearPairing(cameraID)
	}
	r.env.Logger.Info("camera unpaired from gateway", "camera_id", cameraID)
	r.env.Emit("gateway.unpaired", map[string]any{"cameraId": cameraID, "gatewayId": r.env.DeviceID})
	return nil
}

func (r *Receiver) takePending(cameraID string) (PendingPair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[cameraID]
	if ok {
		delete(r.pending, cameraID)
	}
	return p, ok
}

// Pending lists pair requests waiting for the operator, oldest first.
func (r *Receiver) Pending() []PendingPair {
	r.mu.Lock()
	out := make([]PendingPair, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// Paired lists known cameras sorted by id.
func (r *Receiver) Paired() []PairedCamera {
	r.mu.Lock()
	out := make([]PairedCamera, 0, len(r.paired))
	for _, pc := range r.paired {
		out = append(out, *pc)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// HasPaired reports whether any camera has talked to the gateway.
func (r *Receiver) HasPaired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paired) > 0
}

// Reset forgets pending requests. Paired cameras are kept.
func (r *Receiver) Reset() {
	r.mu.Lock()
	r.pending = make(map[string]PendingPair)
	r.mu.Unlock()
}

func (r *Receiver) topic(cameraID, action string) string {
	return topic.GatewayCamera(r.env.Namespace, r.env.DeviceID, cameraID, action).String()
}

// IssueCredentials returns the broker credentials granted for req. The
// username defaults to module_camera_{cameraId}_{gatewayId}; a fresh
// random password is generated when the request carried none.
func IssueCredentials(req PairRequest, gatewayID string) Credentials {
	c := Credentials{Username: req.MQTTUsername, Password: req.MQTTPassword}
	if c.Username == "" {
		c.Username = "module_camera_" + req.CameraID + "_" + gatewayID
	}
	if c.Password == "" {
		c.Password = uuid.NewString()
	}
	return c
}
