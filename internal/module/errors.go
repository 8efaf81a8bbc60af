package module

import "errors"

var (
	// ErrUnsupportedModule is returned when no handler exists for a module type.
	ErrUnsupportedModule = errors.New("module: unsupported module type")

	// ErrNotConnected is returned by operations that must reach the broker.
	ErrNotConnected = errors.New("module: device not connected")
)
