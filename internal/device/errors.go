package device

import (
	"errors"
	"fmt"
)

// Domain-specific errors for device adapters.
var (
	// ErrCommandFailed marks a command the device did not accept.
	ErrCommandFailed = errors.New("device: command failed")

	// ErrConnectionLost is returned when sending while disconnected.
	ErrConnectionLost = errors.New("device: connection lost")

	// ErrNotInitialised is returned when using an adapter before Init.
	ErrNotInitialised = errors.New("device: not initialised")

	// ErrStateType is returned when a cached device state has the wrong type.
	ErrStateType = errors.New("device: unexpected device state type")

	// ErrUnsupportedContent is returned when a layer carries content for
	// another device family.
	ErrUnsupportedContent = errors.New("device: unsupported content")
)

// CommandError is a failed SendCommand. It carries the command so callers
// can log where the command came from.
type CommandError struct {
	DeviceID string
	Command  Command
	Err      error
}

// Error implements error.
func (e *CommandError) Error() string {
	return fmt.Sprintf("device %s: command %q (object %s) failed: %v",
		e.DeviceID, e.Command.Context, e.Command.TimelineObjectID, e.Err)
}

// Unwrap exposes both ErrCommandFailed and the cause to errors.Is/As.
func (e *CommandError) Unwrap() []error {
	return []error{ErrCommandFailed, e.Err}
}

// NewCommandError wraps err with the command it belongs to. A nil err
// returns nil; an existing CommandError is returned unchanged.
func NewCommandError(deviceID string, cmd Command, err error) error {
	if err == nil {
		return nil
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return err
	}
	return &CommandError{DeviceID: deviceID, Command: cmd, Err: err}
}
