package module

import (
	"strings"

	"github.com/smartcoop/coop-simulator/internal/protocol"
)

// Type is the canonical module kind.
type Type string

// Module types.
const (
	TypeDoor    Type = "door"
	TypeFeeder  Type = "feeder"
	TypeCamera  Type = "camera"
	TypeRFID    Type = "rfid"
	TypeCounter Type = "counter"
	TypeSensor  Type = "sensor"
)

// typeAliases maps the type names used by the backend to canonical types.
var typeAliases = map[string]Type{
	"door":             TypeDoor,
	"smart-door":       TypeDoor,
	"feeder":           TypeFeeder,
	"smart-feeder":     TypeFeeder,
	"automatic-feeder": TypeFeeder,
	"camera":           TypeCamera,
	"rfid":             TypeRFID,
	"rfid-gate":        TypeRFID,
	"rfid-reader":      TypeRFID,
	"egg-counter":      TypeCounter,
	"smart-counter":    TypeCounter,
	"counter":          TypeCounter,
	"sensor":           TypeSensor,
	"sensors":          TypeSensor,
}

// NormalizeType maps a backend type name to its canonical Type.
func NormalizeType(name string) (Type, bool) {
	t, ok := typeAliases[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Handler is a simulated module attached to the device.
type Handler interface {
	// ID is the module id used in topics.
	ID() string

	// Type is the canonical module type.
	Type() Type

	// HandleCommand applies cmd and publishes exactly one acknowledgment.
	HandleCommand(cmd protocol.Command)

	// PublishStatus republishes the module's state merged with extra.
	PublishStatus(extra map[string]any)

	// Start begins periodic work. Calling Start twice restarts it.
	Start()

	// Stop cancels every timer owned by the module.
	Stop()
}

// Snapshotter is implemented by handlers that can report their state
// without publishing it.
type Snapshotter interface {
	Snapshot() map[string]any
}

// Info describes a module in the device inventory.
type Info struct {
	ID   string `json:"moduleId"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}
