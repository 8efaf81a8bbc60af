package store

import "errors"

// ErrNotFound is returned when no credentials exist for a device.
var ErrNotFound = errors.New("store: not found")
