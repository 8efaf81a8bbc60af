// Package topic implements the smart-coop MQTT topic grammar.
//
// Every topic the simulator sends or receives is one of a handful of shapes:
//
//	{ns}/{deviceId}/{category}                          device scoped
//	{ns}/{deviceId}/modules/{moduleId}/{action}         module scoped
//	{ns}/{gatewayId}/camera/{cameraId}/{action}[/ack]   gateway camera
//	app/commands/{moduleId}                             direct app command
//	{ns}/camera/{cameraId}/{action}                     direct camera
//
// Parse matches a topic structurally against these shapes and returns a
// tagged Topic; String renders it back. For every recognised topic in a
// namespace accepted by ValidNamespace, Parse(t.String()) == t. The "app"
// namespace is reserved: app/commands/x is always an app command.
package topic

import "strings"

// DefaultNamespace is the first segment of every smart-coop topic.
const DefaultNamespace = "smartcoop"

// ValidNamespace reports whether ns can prefix device, module and camera
// topics without colliding with app command topics.
func ValidNamespace(ns string) bool {
	return validSegment(ns) && !strings.Contains(ns, "/") && ns != appSegment
}

// Kind tags which shape a Topic has.
type Kind int

// Topic kinds.
const (
	Unrecognized Kind = iota
	DeviceScoped
	ModuleScoped
	GatewayCameraScoped
	AppCommand
	DirectCamera
)

// String returns the kind's name for logs.
func (k Kind) String() string {
	switch k {
	case DeviceScoped:
		return "device"
	case ModuleScoped:
		return "module"
	case GatewayCameraScoped:
		return "gateway_camera"
	case AppCommand:
		return "app_command"
	case DirectCamera:
		return "direct_camera"
	default:
		return "unrecognized"
	}
}

// Device-scoped categories.
const (
	Commands     = "commands"
	System       = "system"
	Config       = "config"
	Status       = "status"
	Heartbeat    = "heartbeat"
	CommandAck   = "command_ack"
	Response     = "response"
	ChickenAdded = "chicken_added"
)

// Module-scoped actions. Status and CommandAck are shared with device scope.
const (
	Command       = "command"
	StatusRequest = "status_request"
	RFIDScan      = "rfid_scan"
	EggDetected   = "egg_detected"
	ConfigUpdate  = "config_update"
)

// Gateway camera actions. Status and Command are shared with the scopes above.
const (
	Handshake    = "handshake"
	HandshakeAck = "handshake/ack"
	Snapshot     = "snapshot"
	SnapshotAck  = "snapshot/ack"
	Pair         = "pair"
	PairAck      = "pair/ack"
	CameraConfig = "config"
)

const (
	modulesSegment  = "modules"
	cameraSegment   = "camera"
	appSegment      = "app"
	commandsSegment = "commands"
	ackSuffix       = "ack"
)

var deviceCategories = set(Commands, System, Config, Status, Heartbeat, CommandAck, Response, ChickenAdded)

var moduleActions = set(Command, Status, CommandAck, StatusRequest, RFIDScan, EggDetected, ConfigUpdate)

var gatewayCameraActions = set(Handshake, HandshakeAck, Status, Snapshot, SnapshotAck, Pair, PairAck, Command, CameraConfig)

var directCameraActions = set(Command, CameraConfig, Status, Snapshot)

func set(values ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

// Topic is a parsed smart-coop topic.
//
// DeviceID holds the gateway id for GatewayCameraScoped topics and is empty
// for DirectCamera. ModuleID holds the camera id for both camera kinds.
// Action holds the device category for DeviceScoped. AppCommand topics live
// outside the namespace and carry only ModuleID.
type Topic struct {
	Kind      Kind
	Namespace string
	DeviceID  string
	ModuleID  string
	Action    string
}

// Device builds a device-scoped topic.
func Device(ns, deviceID, category string) Topic {
	return Topic{Kind: DeviceScoped, Namespace: ns, DeviceID: deviceID, Action: category}
}

// Module builds a module-scoped topic.
func Module(ns, deviceID, moduleID, action string) Topic {
	return Topic{Kind: ModuleScoped, Namespace: ns, DeviceID: deviceID, ModuleID: moduleID, Action: action}
}

// GatewayCamera builds a gateway camera topic.
func GatewayCamera(ns, gatewayID, cameraID, action string) Topic {
	return Topic{Kind: GatewayCameraScoped, Namespace: ns, DeviceID: gatewayID, ModuleID: cameraID, Action: action}
}

// App builds a direct app command topic.
func App(moduleID string) Topic {
	return Topic{Kind: AppCommand, ModuleID: moduleID}
}

// Camera builds a direct camera topic.
func Camera(ns, cameraID, action string) Topic {
	return Topic{Kind: DirectCamera, Namespace: ns, ModuleID: cameraID, Action: action}
}

// String renders the topic. An Unrecognized topic renders as "".
func (t Topic) String() string {
	switch t.Kind {
	case DeviceScoped:
		return join(t.Namespace, t.DeviceID, t.Action)
	case ModuleScoped:
		return join(t.Namespace, t.DeviceID, modulesSegment, t.ModuleID, t.Action)
	case GatewayCameraScoped:
		return join(t.Namespace, t.DeviceID, cameraSegment, t.ModuleID, t.Action)
	case AppCommand:
		return join(appSegment, commandsSegment, t.ModuleID)
	case DirectCamera:
		return join(t.Namespace, cameraSegment, t.ModuleID, t.Action)
	default:
		return ""
	}
}

// Valid reports whether the topic was recognised.
func (t Topic) Valid() bool {
	return t.Kind != Unrecognized
}

func join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Parse matches s against the topic grammar.
//
// Anything that does not fit a shape exactly, including wildcard filters and
// empty segments, is returned as Unrecognized with no other fields set.
func Parse(s string) Topic {
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if !validSegment(p) {
			return Topic{}
		}
	}

	switch len(parts) {
	case 3:
		if parts[0] == appSegment && parts[1] == commandsSegment {
			return App(parts[2])
		}
		if _, ok := deviceCategories[parts[2]]; ok {
			return Device(parts[0], parts[1], parts[2])
		}
	case 4:
		if parts[1] == cameraSegment {
			if _, ok := directCameraActions[parts[3]]; ok {
				return Camera(parts[0], parts[2], parts[3])
			}
		}
	case 5:
		switch parts[2] {
		case modulesSegment:
			if _, ok := moduleActions[parts[4]]; ok {
				return Module(parts[0], parts[1], parts[3], parts[4])
			}
		case cameraSegment:
			if _, ok := gatewayCameraActions[parts[4]]; ok {
				return GatewayCamera(parts[0], parts[1], parts[3], parts[4])
			}
		}
	case 6:
		if parts[2] == cameraSegment && parts[5] == ackSuffix {
			action := parts[4] + "/" + ackSuffix
			if _, ok := gatewayCameraActions[action]; ok {
				return GatewayCamera(parts[0], parts[1], parts[3], action)
			}
		}
	}
	return Topic{}
}

// validSegment rejects empty segments and MQTT wildcards.
func validSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "+#")
}
