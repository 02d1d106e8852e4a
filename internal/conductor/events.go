package conductor

import (
	"errors"
	"fmt"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timedqueue"
)

// Event types raised by the conductor itself. Adapter events are forwarded
// with their device.EventType unchanged.
const (
	// EventCommandReport follows every executed command, failed or not.
	EventCommandReport device.EventType = "command_report"

	// EventResolutionFailed is raised when the resolver returns an error.
	EventResolutionFailed device.EventType = "resolution_failed"

	// EventResolved is raised at the end of every successful cycle.
	EventResolved device.EventType = "resolved"

	// EventDeviceError is raised when converting or diffing a device state
	// fails. The device is resynced on the next cycle.
	EventDeviceError device.EventType = "device_error"
)

// Event is what observers receive.
type Event struct {
	device.Event

	// Time is the clock time the event was raised at.
	Time int64

	// Report accompanies EventCommandReport.
	Report *CommandReport

	// Cycle accompanies EventResolved.
	Cycle *CycleSummary
}

// CommandReport describes one executed command.
type CommandReport struct {
	ActionID         string `json:"actionId"`
	DeviceID         string `json:"deviceId"`
	QueueID          string `json:"queueId"`
	TimelineObjectID string `json:"timelineObjectId"`
	Context          string `json:"context"`
	Payload          any    `json:"payload,omitempty"`

	Planned int64 `json:"planned"`
	Added   int64 `json:"added"`
	Start   int64 `json:"start"`
	End     int64 `json:"end"`

	Err error `json:"-"`
}

// ErrorText returns the error text, "" on success.
func (r CommandReport) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// CycleSummary describes one completed resolve cycle.
type CycleSummary struct {
	// At is the time the cycle resolved from.
	At int64 `json:"at"`

	// States is the number of resolved states inside the lookahead window.
	States int `json:"states"`

	// Commands is the number of commands scheduled across all devices.
	Commands int `json:"commands"`

	// NextResolve is when the next timer-driven cycle is due.
	NextResolve int64 `json:"nextResolve"`

	// DurationMS is how long the cycle took.
	DurationMS int64 `json:"durationMs"`
}

// Observer receives every event. OnEvent is called synchronously from
// conductor and queue goroutines and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// newCommandReport builds a report from a queue report. The queue payload
// is the device.Command that was scheduled.
func newCommandReport(deviceID string, r timedqueue.Report) *CommandReport {
	out := &CommandReport{
		ActionID: r.ID,
		DeviceID: deviceID,
		QueueID:  r.QueueID,
		Planned:  r.Time,
		Added:    r.Added,
		Start:    r.Start,
		End:      r.End,
		Err:      r.Err,
	}
	if cmd, ok := r.Payload.(device.Command); ok {
		out.TimelineObjectID = cmd.TimelineObjectID
		out.Context = cmd.Context
		out.Payload = cmd.Payload
	}
	return out
}

// publish stamps ev and hands it to every observer.
func (c *Conductor) publish(ev Event) {
	ev.Time = c.clock.Now()

	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()

	for _, o := range observers {
		o.OnEvent(ev)
	}
}

// forwardEvents relays adapter events until the adapter closes its channel.
func (c *Conductor) forwardEvents(h *deviceHandle) {
	defer close(h.forwarded)

	events := h.adapter.Events()
	if events == nil {
		return
	}
	for ev := range events {
		c.handleDeviceEvent(h, ev)
	}
}

// handleDeviceEvent reacts to the events that affect resolution and passes
// every event on to observers.
func (c *Conductor) handleDeviceEvent(h *deviceHandle, ev device.Event) {
	id := h.adapter.ID()
	if ev.DeviceID == "" {
		ev.DeviceID = id
	}

	switch ev.Type {
	case device.EventConnectionChanged:
		c.logger.Info("device connection changed",
			"device_id", id,
			"connected", ev.Connected,
			"status", ev.Status.Code.String(),
		)
		if ev.Connected {
			c.markResync(h, "reconnected")
		}
	case device.EventResetResolver:
		c.logger.Info("device requested resolver reset", "device_id", id, "reason", ev.Message)
		c.ResetResolver()
	case device.EventResyncStates:
		c.markResync(h, ev.Message)
	case device.EventStateDrift:
		c.logger.Warn("device state drift", "device_id", id, "address", ev.Address)
		c.markResync(h, "state drift on "+ev.Address)
	case device.EventCommandError:
		c.logger.Warn("device command error", "device_id", id, "error", ev.Err)
	case device.EventWarning:
		c.logger.Warn("device warning", "device_id", id, "message", ev.Message)
	case device.EventInfo:
		c.logger.Info("device info", "device_id", id, "message", ev.Message)
	default:
		c.logger.Debug("device event", "device_id", id, "type", string(ev.Type), "message", ev.Message)
	}

	c.publish(Event{Event: ev})
}

// onReport is the queue callback for every executed command.
func (c *Conductor) onReport(deviceID string, r timedqueue.Report) {
	c.publish(Event{
		Event:  device.Event{Type: EventCommandReport, DeviceID: deviceID},
		Report: newCommandReport(deviceID, r),
	})
}

// onCommandError is the queue callback for a failed command. The failure is
// reported and never retried.
func (c *Conductor) onCommandError(deviceID string, r timedqueue.Report) {
	ev := device.Event{
		Type:     device.EventCommandError,
		DeviceID: deviceID,
		Err:      r.Err,
		Message:  r.Err.Error(),
	}
	var ce *device.CommandError
	if errors.As(r.Err, &ce) {
		cmd := ce.Command
		ev.Command = &cmd
	} else if cmd, ok := r.Payload.(device.Command); ok {
		ev.Command = &cmd
	}

	c.logger.Warn("command failed",
		"device_id", deviceID,
		"queue_id", r.QueueID,
		"planned", r.Time,
		"error", r.Err,
	)
	c.publish(Event{Event: ev})
}

// onSlow is the queue callback for a command that started late.
func (c *Conductor) onSlow(deviceID string, r timedqueue.Report) {
	slow := &device.SlowCommand{
		PlannedTime:    r.Time,
		ActualSendTime: r.Start,
		QueueID:        r.QueueID,
	}
	c.publish(Event{Event: device.Event{
		Type:     device.EventSlowCommand,
		DeviceID: deviceID,
		Slow:     slow,
		Message:  fmt.Sprintf("command started %dms late", r.Start-r.Time),
	}})
}
