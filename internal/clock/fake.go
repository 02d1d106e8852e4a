package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests.
//
// Time only moves when Set or Advance is called. Timers due within the
// advanced window fire synchronously, in due-time order, with Now reporting
// each timer's due time while its callback runs. Callbacks may schedule
// further timers; those fire too if they fall inside the window.
type Fake struct {
	mu     sync.Mutex
	now    int64
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *Fake
	at      int64
	seq     uint64
	fn      func()
	stopped bool
}

// NewFake returns a Fake clock positioned at start milliseconds.
func NewFake(start int64) *Fake {
	return &Fake{now: start}
}

// Now implements Clock.
func (f *Fake) Now() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc implements Clock.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	t := &fakeTimer{
		clock: f,
		at:    f.now + d.Milliseconds(),
		seq:   f.seq,
		fn:    fn,
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.Now() + d.Milliseconds())
}

// Set moves the clock to ms, firing every timer due at or before ms.
// Moving backwards only changes Now.
func (f *Fake) Set(ms int64) {
	for {
		f.mu.Lock()
		next := f.popDueLocked(ms)
		if next == nil {
			f.now = ms
			f.mu.Unlock()
			return
		}
		if next.at > f.now {
			f.now = next.at
		}
		f.mu.Unlock()

		next.fn()
	}
}

// PendingTimers returns the number of timers that have not fired or been stopped.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// popDueLocked removes and returns the earliest timer due at or before ms.
func (f *Fake) popDueLocked(ms int64) *fakeTimer {
	if len(f.timers) == 0 {
		return nil
	}
	sort.Slice(f.timers, func(i, j int) bool {
		if f.timers[i].at != f.timers[j].at {
			return f.timers[i].at < f.timers[j].at
		}
		return f.timers[i].seq < f.timers[j].seq
	})
	t := f.timers[0]
	if t.at > ms {
		return nil
	}
	f.timers = f.timers[1:]
	t.stopped = true
	return t
}

// Stop implements Timer.
func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	for i, other := range f.timers {
		if other == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			break
		}
	}
	return true
}
