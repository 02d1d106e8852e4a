package conductor

import "errors"

// Domain-specific errors for conductor operations.
var (
	// ErrResolutionFailed wraps an error returned by the resolver. The
	// previous device states are kept and resolution is retried.
	ErrResolutionFailed = errors.New("conductor: resolution failed")

	// ErrDeviceNotFound is returned for an unknown device id.
	ErrDeviceNotFound = errors.New("conductor: device not found")

	// ErrDeviceExists is returned when registering a duplicate device id.
	ErrDeviceExists = errors.New("conductor: device already registered")

	// ErrInvalidDevice is returned for a nil adapter or an empty id.
	ErrInvalidDevice = errors.New("conductor: invalid device")

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("conductor: already running")

	// ErrTerminated is returned after Terminate.
	ErrTerminated = errors.New("conductor: terminated")
)
