// Package device defines the contract between the conductor and the
// integrations that talk to real hardware.
//
// An integration is written once per device family against the generic
// Integration[S] interface, where S is its private device state:
//
//	ConvertState(resolved, mappings) → S          pure, no I/O
//	DiffStates(old *S, next S, mappings, at) → []Command   pure, ordered
//	SendCommand(ctx, cmd)                          the only I/O
//
// Adapt erases S so the conductor can hold adapters of every family in one
// map. The conductor owns the per-device state cache; integrations never
// mutate it, they only return new states.
//
// Integrations raise events upward on a channel (see Emitter) rather than
// being polled: connection changes, command errors, reset-resolver and
// resync requests, state drift, slow commands, and debug/info/warning text.
//
// Architecture:
//
//	Conductor ──ConvertState/DiffStates──► Adapter ◄── Adapt(Integration[S])
//	    ▲                                     │
//	    └──────────── Events() ◄──────────────┘  Emitter
package device
