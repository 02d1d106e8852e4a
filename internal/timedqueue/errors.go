package timedqueue

import "errors"

// Domain-specific errors for queue operations.
var (
	// ErrInvalidArgument is returned when an action is scheduled with a
	// non-positive time or without an action function.
	ErrInvalidArgument = errors.New("timedqueue: invalid argument")

	// ErrClosed is returned when scheduling on a closed queue.
	ErrClosed = errors.New("timedqueue: queue closed")

	// ErrActionPanicked wraps a panic recovered from an action.
	ErrActionPanicked = errors.New("timedqueue: action panicked")
)
