// Package clock provides the single time source shared by the timed queue,
// the state tracker and the conductor.
//
// Times are expressed as int64 milliseconds since the Unix epoch, matching the
// units used by timeline objects. Every component takes a Clock so that tests
// can drive time explicitly with Fake instead of sleeping.
//
// Usage:
//
//	clk := clock.NewSystem()
//	now := clk.Now()
//	t := clk.AfterFunc(50*time.Millisecond, func() { ... })
//	defer t.Stop()
package clock
