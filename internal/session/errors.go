package session

import "errors"

var (
	// ErrUnknownModule is returned for module ids missing from the inventory.
	ErrUnknownModule = errors.New("session: unknown module")

	// ErrNotConnected is returned by operations that need a live broker link.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAlreadyRunning is returned when Run is called on a running manager.
	ErrAlreadyRunning = errors.New("session: manager already running")

	// ErrUnrecognizedTopic is returned by Dispatch for topics outside the grammar.
	ErrUnrecognizedTopic = errors.New("session: unrecognized topic")

	// ErrNoCredentials is returned when no broker login could be resolved.
	ErrNoCredentials = errors.New("session: no broker credentials")
)
