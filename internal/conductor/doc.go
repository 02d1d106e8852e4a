// Package conductor drives devices from a timeline.
//
// The Conductor owns the registered device adapters, the current timeline
// and an immutable mapping snapshot. A single control goroutine (Run) moves
// through the cycle
//
//	Idle ──► Resolving ──► Diffing ──► Scheduling ──► Idle
//
// each time it is triggered: by its own re-arm timer, by a timeline or
// mapping change, by ResetResolver, or by a device asking for a resync.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                    Conductor (conductor.go)                  │
//	│                                                              │
//	│  Resolver ──► states in [now, now+lookahead]                 │
//	│                    │                                         │
//	│                    ▼  per device                             │
//	│  history.base(now) ─► ConvertState ─► DiffStates             │
//	│                    │                                         │
//	│                    ▼                                         │
//	│  cancel replaced entries ─► Schedule(cmd, queueId)           │
//	│                    │                                         │
//	│                    ▼  lane goroutines                        │
//	│  adapter.SendCommand ─► Report / CommandError / slow command │
//	└──────────────────────────────────────────────────────────────┘
//
// The last-known device state of every device (its history) is only read
// and written by the control goroutine. Each history entry remembers the
// queue actions scheduled for it, so a re-resolve keeps whatever has
// already started to go out, including preliminary commands for a state
// that is still in the future. Adapters never see the history; they get
// values and return new ones. A device whose cache is stale (first cycle,
// reconnect, state drift, explicit resync or reset) is diffed against nil,
// which makes its integration emit a full resync.
//
// Device I/O never runs on the control goroutine. Each device has its own
// timedqueue whose lanes call SendCommand; a failed send is reported to
// observers as a command error and never retried.
//
// # Usage
//
//	c := conductor.New(conductor.Options{
//	    Resolver:  timeline.NewAbsoluteResolver(),
//	    Lookahead: 10 * time.Second,
//	    Logger:    log.Component("conductor"),
//	})
//	c.AddObserver(recorder)
//	if err := c.AddDevices(ctx, conductor.DeviceSpec{Adapter: dev}); err != nil {
//	    return err
//	}
//	c.SetMappings(mappings)
//	if err := c.SetTimeline(objects); err != nil {
//	    return err
//	}
//	go c.Run(ctx)
package conductor
