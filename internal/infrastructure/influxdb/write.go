package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementCommand    = "command"
	MeasurementCycle      = "resolve_cycle"
	MeasurementConnection = "device_connection"
)

// CommandSample is the timing of one executed command.
type CommandSample struct {
	DeviceID   string
	QueueID    string
	LatenessMS int64
	DurationMS int64
	Failed     bool
	At         time.Time
}

// CycleSample describes one resolve cycle.
type CycleSample struct {
	States     int
	Commands   int
	DurationMS int64
	Failed     bool
	At         time.Time
}

// WriteCommand records command lateness and duration, tagged by device.
// The write is non-blocking; points are batched.
func (c *Client) WriteCommand(s CommandSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(s))
}

// WriteCycle records a resolve cycle.
func (c *Client) WriteCycle(s CycleSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(cyclePoint(s))
}

// WriteConnection records a device connection change.
//
// Parameters:
//   - deviceID: Device identifier
//   - connected: New connection state
//   - status: Device status code name (GOOD, WARNING, BAD, ...)
//   - at: When the change was reported
func (c *Client) WriteConnection(deviceID string, connected bool, status string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(connectionPoint(deviceID, connected, status, at))
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}

func commandPoint(s CommandSample) *write.Point {
	tags := map[string]string{"device_id": s.DeviceID}
	if s.QueueID != "" {
		tags["queue_id"] = s.QueueID
	}
	return write.NewPoint(
		MeasurementCommand,
		tags,
		map[string]interface{}{
			"lateness_ms": s.LatenessMS,
			"duration_ms": s.DurationMS,
			"failed":      s.Failed,
		},
		s.At,
	)
}

func cyclePoint(s CycleSample) *write.Point {
	return write.NewPoint(
		MeasurementCycle,
		nil,
		map[string]interface{}{
			"states":      s.States,
			"commands":    s.Commands,
			"duration_ms": s.DurationMS,
			"failed":      s.Failed,
		},
		s.At,
	)
}

func connectionPoint(deviceID string, connected bool, status string, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementConnection,
		map[string]string{"device_id": deviceID},
		map[string]interface{}{
			"connected": connected,
			"status":    status,
		},
		at,
	)
}
