package device

import (
	"sync"
)

// EventType names an event raised by an adapter.
type EventType string

// Adapter event types.
const (
	EventConnectionChanged EventType = "connection_changed"
	EventCommandError      EventType = "command_error"
	EventResetResolver     EventType = "reset_resolver"
	EventResyncStates      EventType = "resync_states"
	EventStateDrift        EventType = "state_drift"
	EventSlowCommand       EventType = "slow_command"
	EventDebug             EventType = "debug"
	EventInfo              EventType = "info"
	EventWarning           EventType = "warning"
)

// SlowCommand describes a command that started later than planned.
type SlowCommand struct {
	PlannedTime    int64  `json:"plannedTime"`
	ActualSendTime int64  `json:"actualSendTime"`
	QueueID        string `json:"queueId"`
}

// Event is raised by an adapter. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	DeviceID string

	// Connected and Status accompany EventConnectionChanged.
	Connected bool
	Status    Status

	// Command and Err accompany EventCommandError.
	Command *Command
	Err     error

	// Address accompanies EventStateDrift.
	Address string

	// Slow accompanies EventSlowCommand.
	Slow *SlowCommand

	Message string
}

// defaultEventBuffer is the Emitter channel capacity.
const defaultEventBuffer = 64

// Emitter delivers events from an integration without ever blocking it.
// Events that find the buffer full are dropped and logged at Warn.
//
// Thread Safety: Emit may be called from any goroutine, including after
// Close (the event is then dropped).
type Emitter struct {
	deviceID string
	ch       chan Event

	mu      sync.Mutex
	closed  bool
	dropped uint64
	logger  Logger
}

// NewEmitter creates an emitter for deviceID. A buffer <= 0 uses the default.
func NewEmitter(deviceID string, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Emitter{
		deviceID: deviceID,
		ch:       make(chan Event, buffer),
		logger:   NoopLogger{},
	}
}

// SetLogger sets the logger that reports dropped events.
func (e *Emitter) SetLogger(logger Logger) {
	if logger == nil {
		logger = NoopLogger{}
	}
	e.mu.Lock()
	e.logger = logger
	e.mu.Unlock()
}

// Events returns the receive side of the channel. It is closed by Close.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit sends ev, filling in DeviceID. It returns false when the event was
// dropped because the buffer is full or the emitter is closed.
func (e *Emitter) Emit(ev Event) bool {
	ev.DeviceID = e.deviceID

	e.mu.Lock()
	if e.closed {
		e.dropped++
		e.mu.Unlock()
		return false
	}
	select {
	case e.ch <- ev:
		e.mu.Unlock()
		return true
	default:
	}
	e.dropped++
	dropped, logger := e.dropped, e.logger
	e.mu.Unlock()

	logger.Warn("device event dropped, buffer full",
		"device_id", e.deviceID,
		"event", string(ev.Type),
		"address", ev.Address,
		"dropped_total", dropped,
	)
	return false
}

// Dropped returns how many events could not be delivered.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// ConnectionChanged emits EventConnectionChanged.
func (e *Emitter) ConnectionChanged(connected bool, status Status) bool {
	return e.Emit(Event{Type: EventConnectionChanged, Connected: connected, Status: status})
}

// ResetResolver asks the conductor to re-resolve with a stale cache.
func (e *Emitter) ResetResolver(reason string) bool {
	return e.Emit(Event{Type: EventResetResolver, Message: reason})
}

// ResyncStates asks the conductor to push the full state again.
func (e *Emitter) ResyncStates(reason string) bool {
	return e.Emit(Event{Type: EventResyncStates, Message: reason})
}

// StateDrift reports an address whose feedback disagrees with its command.
func (e *Emitter) StateDrift(address string) bool {
	return e.Emit(Event{Type: EventStateDrift, Address: address, Message: "state drift on " + address})
}

// Info emits an informational message.
func (e *Emitter) Info(msg string) bool {
	return e.Emit(Event{Type: EventInfo, Message: msg})
}

// Warning emits a warning message.
func (e *Emitter) Warning(msg string) bool {
	return e.Emit(Event{Type: EventWarning, Message: msg})
}

// Debug emits a debug message.
func (e *Emitter) Debug(msg string) bool {
	return e.Emit(Event{Type: EventDebug, Message: msg})
}

// Close closes the event channel. Safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
