package main

import (
	"time"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/clock"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/conductor"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/influxdb"
)

// telemetryWriter is the InfluxDB surface used for telemetry.
// *influxdb.Client satisfies it.
type telemetryWriter interface {
	WriteCommand(s influxdb.CommandSample)
	WriteCycle(s influxdb.CycleSample)
	WriteConnection(deviceID string, connected bool, status string, at time.Time)
}

// telemetryObserver turns conductor events into InfluxDB points.
type telemetryObserver struct {
	w telemetryWriter
}

func newTelemetryObserver(w telemetryWriter) *telemetryObserver {
	return &telemetryObserver{w: w}
}

// OnEvent implements conductor.Observer.
func (o *telemetryObserver) OnEvent(ev conductor.Event) {
	switch ev.Type {
	case conductor.EventCommandReport:
		if r := ev.Report; r != nil {
			o.w.WriteCommand(influxdb.CommandSample{
				DeviceID:   r.DeviceID,
				QueueID:    r.QueueID,
				LatenessMS: r.Start - r.Planned,
				DurationMS: r.End - r.Start,
				Failed:     r.Err != nil,
				At:         clock.ToTime(r.Start),
			})
		}
	case conductor.EventResolved:
		if c := ev.Cycle; c != nil {
			o.w.WriteCycle(influxdb.CycleSample{
				States:     c.States,
				Commands:   c.Commands,
				DurationMS: c.DurationMS,
				At:         clock.ToTime(c.At),
			})
		}
	case conductor.EventResolutionFailed:
		o.w.WriteCycle(influxdb.CycleSample{Failed: true, At: clock.ToTime(ev.Time)})
	case device.EventConnectionChanged:
		o.w.WriteConnection(ev.DeviceID, ev.Connected, ev.Status.Code.String(), clock.ToTime(ev.Time))
	}
}
