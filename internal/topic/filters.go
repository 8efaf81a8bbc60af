package topic

// Subscription filters. These contain wildcards and therefore never Parse.

// AllModules matches one module action across every module of a device.
//
// Example: smartcoop/42/modules/+/command
func AllModules(ns, deviceID, action string) string {
	return join(ns, deviceID, modulesSegment, "+", action)
}

// AllAppCommands matches direct app commands for every module.
//
// Example: app/commands/+
func AllAppCommands() string {
	return join(appSegment, commandsSegment, "+")
}

// AllGatewayCameras matches all camera traffic routed through a gateway.
//
// Example: smartcoop/42/camera/#
func AllGatewayCameras(ns, gatewayID string) string {
	return join(ns, gatewayID, cameraSegment, "#")
}
