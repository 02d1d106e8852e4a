package api

import (
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/conductor"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
)

// EventMessage is the payload of a relayed conductor event. Only the fields
// relevant to the event type are set.
type EventMessage struct {
	DeviceID  string                  `json:"device_id,omitempty"`
	Time      int64                   `json:"time"`
	Connected *bool                   `json:"connected,omitempty"`
	Status    *device.Status          `json:"status,omitempty"`
	Command   *device.Command         `json:"command,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Address   string                  `json:"address,omitempty"`
	Slow      *device.SlowCommand     `json:"slow,omitempty"`
	Report    *CommandReportMessage   `json:"report,omitempty"`
	Cycle     *conductor.CycleSummary `json:"cycle,omitempty"`
	Message   string                  `json:"message,omitempty"`
}

// CommandReportMessage is a command report with its error as text.
type CommandReportMessage struct {
	*conductor.CommandReport
	Error string `json:"error,omitempty"`
}

var _ conductor.Observer = (*Hub)(nil)

// OnEvent implements conductor.Observer. The channel is the event type.
func (h *Hub) OnEvent(ev conductor.Event) {
	h.Broadcast(string(ev.Type), ev.DeviceID, eventMessage(ev))
}

func eventMessage(ev conductor.Event) EventMessage {
	msg := EventMessage{
		DeviceID: ev.DeviceID,
		Time:     ev.Time,
		Command:  ev.Command,
		Address:  ev.Address,
		Slow:     ev.Slow,
		Cycle:    ev.Cycle,
		Message:  ev.Message,
	}
	if ev.Type == device.EventConnectionChanged {
		connected := ev.Connected
		status := ev.Status
		msg.Connected = &connected
		msg.Status = &status
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	if ev.Report != nil {
		msg.Report = &CommandReportMessage{
			CommandReport: ev.Report,
			Error:         ev.Report.ErrorText(),
		}
	}
	return msg
}
