package device

import (
	"context"
	"fmt"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

// Lifecycle is the part of the contract that does not depend on the device
// state type.
type Lifecycle interface {
	// ID returns the configured device id.
	ID() string

	// Type returns the integration family.
	Type() timeline.DeviceType

	// Init connects to the device. A device that is configured but
	// unreachable returns nil and reports its state through events; an
	// error means the device can never work (bad options).
	Init(ctx context.Context) error

	// Terminate releases all resources. No events are emitted afterwards.
	Terminate(ctx context.Context) error

	// Connected reports the current connection state.
	Connected() bool

	// Status reports device health.
	Status() Status

	// SendCommand performs the I/O for one command. A failure must be
	// returned as a *CommandError wrapping cmd.
	SendCommand(ctx context.Context, cmd Command) error

	// Events returns the adapter's event channel, closed after Terminate.
	Events() <-chan Event
}

// State is an erased integration device state.
type State any

// Adapter is what the conductor holds for every device.
type Adapter interface {
	Lifecycle

	ConvertState(state timeline.State, mappings timeline.Mappings) (State, error)
	DiffStates(old State, next State, mappings timeline.Mappings, at int64) ([]Command, error)
}

// Integration is implemented once per device family with its own state type.
type Integration[S any] interface {
	Lifecycle

	// ConvertState must be a pure function of its inputs.
	ConvertState(state timeline.State, mappings timeline.Mappings) (S, error)

	// DiffStates returns commands in send order. old is nil when the
	// device state is unknown and a full resync is needed.
	DiffStates(old *S, next S, mappings timeline.Mappings, at int64) ([]Command, error)
}

// Adapt erases an integration's state type.
func Adapt[S any](in Integration[S]) Adapter {
	return &typedAdapter[S]{Lifecycle: in, in: in}
}

type typedAdapter[S any] struct {
	Lifecycle
	in Integration[S]
}

func (a *typedAdapter[S]) ConvertState(state timeline.State, mappings timeline.Mappings) (State, error) {
	s, err := a.in.ConvertState(state, mappings)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *typedAdapter[S]) DiffStates(old State, next State, mappings timeline.Mappings, at int64) ([]Command, error) {
	n, ok := next.(S)
	if !ok {
		return nil, fmt.Errorf("%w: next state is %T", ErrStateType, next)
	}

	var prev *S
	if old != nil {
		o, ok := old.(S)
		if !ok {
			return nil, fmt.Errorf("%w: old state is %T", ErrStateType, old)
		}
		prev = &o
	}
	return a.in.DiffStates(prev, n, mappings, at)
}
