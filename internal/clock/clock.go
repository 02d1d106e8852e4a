package clock

import "time"

// Clock is an injectable source of the current time and of one-shot timers.
type Clock interface {
	// Now returns the current time in milliseconds since the Unix epoch.
	Now() int64

	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer has
	// already fired or been stopped.
	Stop() bool
}

// System is the wall-clock implementation of Clock.
type System struct{}

// NewSystem returns a Clock backed by the time package.
func NewSystem() System {
	return System{}
}

// Now implements Clock.
func (System) Now() int64 {
	return time.Now().UnixMilli()
}

// AfterFunc implements Clock.
func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ToTime converts a millisecond timestamp into a time.Time in UTC.
func ToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
