// Package tracker decides, per address, whether a device has drifted away
// from the state it was commanded into.
//
// An address is an opaque string naming a sub-part of device state (a mixer
// bus, an MQTT topic, a player channel). For each address the tracker keeps
// the expected state (set when a command is planned), the current state
// (set from device feedback), a blocked flag and an optional control value.
//
// Feedback is debounced: every UpdateState restarts a settle timer, and only
// when the address has been quiet for the settle delay is the current state
// compared with the expected one. A mismatch marks the address blocked and
// calls OnBlocked exactly once until the address converges or is unblocked.
//
// A control value is an opaque token attached to expected states. When a new
// expected state arrives with a different control value, the address is
// unblocked and the next judgment is skipped: someone deliberately took
// control, so the resulting feedback is not a fault.
package tracker
