// Package api implements the operator HTTP API and WebSocket event stream
// for the timeline state resolver.
//
// This package provides:
//   - REST endpoints to inspect devices and their queued commands
//   - Timeline and mapping replacement, resync and resolver reset
//   - Paged access to the command log
//   - A WebSocket hub relaying conductor events to subscribed clients
//   - The Prometheus scrape endpoint when metrics are enabled
//
// # Architecture
//
// The server talks to the conductor through the narrow Controller
// interface. The hub is registered as a conductor observer; it never blocks
// the conductor and drops messages for clients that fall behind.
//
// # WebSocket channels
//
// Clients subscribe to event types by name ("command_report", "resolved",
// "connection_changed", ...) or to "*" for every event.
package api
