// Package camera simulates the coop camera module as seen from the coop
// controller. The controller does not capture media itself: when a remote
// camera is paired through the gateway, photo and recording actions are
// forwarded to it, and snapshots it sends back are held as pending until
// the operator confirms them.
package camera

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/protocol"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

const (
	// DefaultModuleID is used when the inventory has no camera entry.
	DefaultModuleID = "camera-sim"

	// maxSnapshots bounds the in-memory gallery.
	maxSnapshots = 50

	// statusSnapshots is how many snapshots the status payload lists.
	statusSnapshots = 5
)

// Camera status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

var (
	// ErrNotPaired is returned by media actions when no camera is paired.
	ErrNotPaired = errors.New("camera: no camera paired through the gateway")

	// ErrSnapshotNotFound is returned for unknown snapshot ids.
	ErrSnapshotNotFound = errors.New("camera: snapshot not found")

	// ErrSnapshotNotPending is returned when confirming a confirmed snapshot.
	ErrSnapshotNotPending = errors.New("camera: snapshot is not pending")

	// ErrNoImage is returned for gateway snapshots without image data.
	ErrNoImage = errors.New("camera: snapshot has neither thumbnail nor dataUrl")
)

// Snapshot is one photo or clip received from the paired camera.
type Snapshot struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
	Pending   bool      `json:"pending"`
	CameraID  string    `json:"cameraId,omitempty"`
	GatewayID string    `json:"gatewayId,omitempty"`
}

// Pairing identifies the remote camera paired through the gateway.
type Pairing struct {
	ModuleID  string `json:"moduleId"`
	Name      string `json:"name"`
	GatewayID string `json:"gatewayId,omitempty"`
}

// Camera is the simulated camera module.
//
// All methods are thread-safe.
type Camera struct {
	env *module.Env
	id  string
	now func() time.Time

	mu          sync.Mutex
	status      string
	isRecording bool
	streamURL   string
	snapshots   []Snapshot
	pair        *Pairing
	lastUpdate  time.Time
}

// New creates an offline, unpaired camera.
func New(env *module.Env, moduleID string) *Camera {
	if moduleID == "" {
		moduleID = DefaultModuleID
	}
	return &Camera{
		env:    env,
		id:     moduleID,
		now:    time.Now,
		status: StatusOffline,
	}
}

// Factory adapts New to module.Factory.
func Factory() module.Factory {
	return func(env *module.Env, info module.Info) (module.Handler, error) {
		return New(env, info.ID), nil
	}
}

// ID returns the module id.
func (c *Camera) ID() string { return c.id }

// Type returns module.TypeCamera.
func (c *Camera) Type() module.Type { return module.TypeCamera }

// Start is a no-op; the camera owns no periodic work.
func (c *Camera) Start() {}

// Stop is a no-op; the camera owns no timers.
func (c *Camera) Stop() {}

// Status returns the camera status and recording flag.
func (c *Camera) Status() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.isRecording
}

// Pairing returns the paired camera, or nil.
func (c *Camera) Pairing() *Pairing {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pair == nil {
		return nil
	}
	p := *c.pair
	return &p
}

// Snapshots returns the gallery, newest first.
func (c *Camera) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Snapshot(nil), c.snapshots...)
}

// SetGatewayPairing records the camera paired through the gateway and
// marks the module online.
func (c *Camera) SetGatewayPairing(p Pairing) {
	c.mu.Lock()
	c.pair = &p
	c.mu.Unlock()
	c.env.Logger.Info("camera paired through gateway", "camera_id", p.ModuleID, "gateway_id", p.GatewayID)
	c.SetStatus(StatusOnline)
}

// ClearPairing forgets the paired camera when it is cameraID and marks
// the module offline. It reports whether a pairing was cleared.
func (c *Camera) ClearPairing(cameraID string) bool {
	c.mu.Lock()
	if c.pair == nil || c.pair.ModuleID != cameraID {
		c.mu.Unlock()
		return false
	}
	c.pair = nil
	c.mu.Unlock()
	c.env.Logger.Info("camera unpaired", "camera_id", cameraID)
	c.SetStatus(StatusOffline)
	return true
}

// UpdateStatusFromGateway applies a status report from the paired camera.
// Reports from other cameras are ignored once a camera is paired.
func (c *Camera) UpdateStatusFromGateway(cameraID string, payload map[string]any) {
	c.mu.Lock()
	if c.pair != nil && c.pair.ModuleID != cameraID {
		c.mu.Unlock()
		return
	}
	if c.pair == nil {
		c.pair = &Pairing{
			ModuleID: cameraID,
			Name:     protocol.StringField(payload, "cameraName", "Camera "+cameraID),
		}
	}
	c.mu.Unlock()

	c.SetStatus(protocol.StringField(payload, "status", StatusOnline))
	if url := protocol.StringField(payload, "streamUrl", ""); url != "" {
		c.SetStreamURL(url)
	}
}

// AddSnapshotFromGateway stores a snapshot sent by a remote camera as
// pending. It is not acknowledged until ConfirmSnapshot.
func (c *Camera) AddSnapshotFromGateway(cameraID, gatewayID string, payload map[string]any) (Snapshot, error) {
	url := protocol.StringField(payload, "thumbnail", "")
	if url == "" {
		url = protocol.StringField(payload, "dataUrl", "")
	}
	if url == "" {
		c.env.Logger.Warn("snapshot without image data", "camera_id", cameraID)
		return Snapshot{}, ErrNoImage
	}
	now := c.now()
	snap := Snapshot{
		ID:        protocol.StringField(payload, "snapshotId", fmt.Sprintf("snap_%d", now.UnixMilli())),
		Type:      protocol.StringField(payload, "type", "photo"),
		Timestamp: parseTimestamp(payload["timestamp"], now),
		URL:       url,
		Pending:   true,
		CameraID:  cameraID,
		GatewayID: gatewayID,
	}

	c.mu.Lock()
	c.snapshots = append([]Snapshot{snap}, c.snapshots...)
	if len(c.snapshots) > maxSnapshots {
		c.snapshots = c.snapshots[:maxSnapshots]
	}
	c.mu.Unlock()

	c.env.Logger.Info("snapshot received", "camera_id", cameraID, "gateway_id", gatewayID, "snapshot_id", snap.ID)
	c.env.Emit("camera.snapshot", snap)
	return snap, nil
}

// ConfirmSnapshot marks a pending snapshot confirmed and acknowledges it
// to the camera on the gateway snapshot/ack topic.
func (c *Camera) ConfirmSnapshot(id string) error {
	c.mu.Lock()
	idx := c.indexLocked(id)
	if idx < 0 {
		c.mu.Unlock()
		return ErrSnapshotNotFound
	}
	if !c.snapshots[idx].Pending {
		c.mu.Unlock()
		return ErrSnapshotNotPending
	}
	c.snapshots[idx].Pending = false
	snap := c.snapshots[idx]
	cameraID := snap.CameraID
	if cameraID == "" && c.pair != nil {
		cameraID = c.pair.ModuleID
	}
	if cameraID == "" {
		cameraID = DefaultModuleID
	}
	c.mu.Unlock()

	ackTopic := topic.GatewayCamera(c.env.Namespace, c.env.DeviceID, cameraID, topic.SnapshotAck).String()
	c.env.PublishJSON(ackTopic, map[string]any{
		"snapshotId": snap.ID,
		"cameraId":   cameraID,
		"gatewayId":  c.env.DeviceID,
		"status":     "ok",
		"timestamp":  c.now().UTC().Format(time.RFC3339Nano),
	})
	c.env.Logger.Info("snapshot confirmed", "snapshot_id", snap.ID, "camera_id", cameraID)
	return nil
}

// DeleteSnapshot removes a snapshot. It reports whether one was removed.
func (c *Camera) DeleteSnapshot(id string) bool {
	c.mu.Lock()
	idx := c.indexLocked(id)
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.snapshots = append(c.snapshots[:idx], c.snapshots[idx+1:]...)
	c.mu.Unlock()

	c.PublishStatus(map[string]any{"event": "snapshot_deleted"})
	return true
}

func (c *Camera) indexLocked(id string) int {
	for i, s := range c.snapshots {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// TakePhoto confirms the newest pending snapshot if there is one,
// otherwise asks the paired camera to capture.
func (c *Camera) TakePhoto() error {
	c.mu.Lock()
	var pendingID string
	for _, s := range c.snapshots {
		if s.Pending {
			pendingID = s.ID
			break
		}
	}
	c.mu.Unlock()
	if pendingID != "" {
		return c.ConfirmSnapshot(pendingID)
	}
	return c.sendToPaired("capture", nil)
}

// FetchLatestPhoto asks the paired camera to resend its latest photo.
func (c *Camera) FetchLatestPhoto() error {
	return c.sendToPaired("capture", map[string]any{"requestLatest": true})
}

// StartRecording starts recording on the paired camera. It is a no-op
// while already recording.
func (c *Camera) StartRecording() error {
	c.mu.Lock()
	if c.isRecording {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.sendToPaired("start_recording", nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.isRecording = true
	c.mu.Unlock()
	c.PublishStatus(map[string]any{"event": "recording_started"})
	return nil
}

// StopRecording stops recording. It is a no-op when not recording.
func (c *Camera) StopRecording() error {
	c.mu.Lock()
	if !c.isRecording {
		c.mu.Unlock()
		return nil
	}
	c.isRecording = false
	paired := c.pair != nil
	c.mu.Unlock()

	if paired {
		if err := c.sendToPaired("stop_recording", nil); err != nil {
			c.env.Logger.Warn("failed to forward stop_recording", "error", err)
		}
	}
	c.PublishStatus(map[string]any{"event": "recording_stopped"})
	return nil
}

// sendToPaired publishes a command on the paired camera's gateway topic.
func (c *Camera) sendToPaired(action string, extra map[string]any) error {
	c.mu.Lock()
	if c.pair == nil {
		c.mu.Unlock()
		c.env.Logger.Error("camera action needs a paired camera", "action", action)
		c.env.Emit("camera.error", map[string]any{"action": action, "error": ErrNotPaired.Error()})
		return ErrNotPaired
	}
	cameraID := c.pair.ModuleID
	c.mu.Unlock()

	payload := module.Merge(map[string]any{
		"action":    action,
		"timestamp": c.now().UTC().Format(time.RFC3339Nano),
	}, extra)
	t := topic.GatewayCamera(c.env.Namespace, c.env.DeviceID, cameraID, topic.Command).String()
	if !c.env.PublishJSON(t, payload) {
		return module.ErrNotConnected
	}
	c.env.Logger.Info("camera command forwarded", "action", action, "camera_id", cameraID)
	return nil
}

// SetStatus sets online/offline. Going offline stops a running recording.
func (c *Camera) SetStatus(status string) {
	c.mu.Lock()
	c.status = status
	c.lastUpdate = c.now()
	recording := c.isRecording
	c.mu.Unlock()

	c.PublishStatus(nil)
	if status != StatusOnline && recording {
		_ = c.StopRecording()
	}
}

// SetStreamURL records the live stream address.
func (c *Camera) SetStreamURL(url string) {
	c.mu.Lock()
	c.streamURL = url
	c.mu.Unlock()
	c.PublishStatus(nil)
}

// HandleCommand applies a camera command and publishes one module ack.
// Success reflects whether the action is known; refused actions are
// logged and reported to the operator stream.
func (c *Camera) HandleCommand(cmd protocol.Command) {
	success := true
	var err error
	switch cmd.Action {
	case "capture", "photo", "take_photo":
		err = c.TakePhoto()
	case "start_recording", "record_start", "record":
		err = c.StartRecording()
	case "stop_recording", "record_stop":
		err = c.StopRecording()
	case "fetch_latest", "get_latest_photo":
		err = c.FetchLatestPhoto()
	case "delete_snapshot":
		if !c.DeleteSnapshot(cmd.String("snapshotId", "")) {
			err = ErrSnapshotNotFound
		}
	case "stream_on":
		c.SetStatus(StatusOnline)
		if url := cmd.String("streamUrl", ""); url != "" {
			c.SetStreamURL(url)
		}
	case "stream_off":
		c.SetStatus(StatusOffline)
	default:
		c.env.Logger.Info("unknown camera command", "action", cmd.Action)
		success = false
	}
	if err != nil {
		c.env.Logger.Warn("camera command failed", "action", cmd.Action, "error", err)
	}
	c.env.AckModule(c.id, cmd, success, "")
}

// PublishStatus publishes the camera state merged with extra.
func (c *Camera) PublishStatus(extra map[string]any) {
	c.mu.Lock()
	status := c.statusLocked(extra)
	c.mu.Unlock()
	c.env.PublishJSON(c.env.ModuleTopic(c.id, topic.Status), status)
}

// Snapshot returns the status payload without publishing it.
func (c *Camera) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(nil)
}

func (c *Camera) statusLocked(extra map[string]any) map[string]any {
	recent := make([]map[string]any, 0, statusSnapshots)
	for i, s := range c.snapshots {
		if i == statusSnapshots {
			break
		}
		recent = append(recent, map[string]any{
			"id":   s.ID,
			"type": s.Type,
			"time": s.Timestamp.Format("15:04"),
		})
	}
	var lastSnapshotAt any
	if len(c.snapshots) > 0 {
		lastSnapshotAt = c.snapshots[0].Timestamp.UTC().Format(time.RFC3339Nano)
	}
	status := map[string]any{
		"moduleId":       c.id,
		"deviceId":       c.env.DeviceID,
		"type":           "camera",
		"status":         c.status,
		"isRecording":    c.isRecording,
		"streamUrl":      c.streamURL,
		"snapshots":      recent,
		"snapshotsCount": len(c.snapshots),
		"lastSnapshotAt": lastSnapshotAt,
		"timestamp":      c.now().UTC().Format(time.RFC3339Nano),
	}
	if c.pair != nil {
		status["gatewayPair"] = map[string]any{"moduleId": c.pair.ModuleID, "gatewayId": c.pair.GatewayID}
	}
	return module.Merge(status, extra)
}

// parseTimestamp accepts unix milliseconds or an RFC 3339 string.
func parseTimestamp(v any, def time.Time) time.Time {
	switch ts := v.(type) {
	case float64:
		return time.UnixMilli(int64(ts))
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
	}
	return def
}
