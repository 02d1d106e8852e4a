package commandlog

import "errors"

// Domain-specific errors for command log operations.
var (
	// ErrInvalidEntry is returned when recording an entry without a device id.
	ErrInvalidEntry = errors.New("commandlog: invalid entry")
)
