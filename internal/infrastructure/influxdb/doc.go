// Package influxdb writes resolver telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//   - command: lateness_ms, duration_ms, failed; tagged device_id, queue_id
//   - resolve_cycle: states, commands, duration_ms, failed
//   - device_connection: connected, status; tagged device_id
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteCommand(influxdb.CommandSample{DeviceID: "atem", LatenessMS: 3, At: time.Now()})
//
// # Error Handling
//
// Writes are non-blocking; batch errors are delivered to the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb
