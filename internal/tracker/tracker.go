package tracker

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/clock"
)

// DefaultSettleDelay is the quiet period before feedback is judged.
const DefaultSettleDelay = 200 * time.Millisecond

// Options configures a Tracker.
type Options[S any] struct {
	// Clock is the time source for settle timers. Defaults to the system clock.
	Clock clock.Clock

	// SettleDelay defaults to DefaultSettleDelay.
	SettleDelay time.Duration

	// Equal compares current and expected state. Defaults to reflect.DeepEqual.
	Equal func(a, b S) bool

	// OnBlocked is called once when an address becomes blocked.
	// It runs on the settle timer goroutine without any tracker lock held.
	OnBlocked func(address string)
}

// Tracker tracks expected and reported state per address.
//
// Thread Safety: all methods are safe for concurrent use.
type Tracker[S any] struct {
	clock     clock.Clock
	settle    time.Duration
	equal     func(a, b S) bool
	onBlocked func(address string)

	mu        sync.Mutex
	addresses map[string]*addressState[S]
}

type addressState[S any] struct {
	expected    S
	hasExpected bool
	current     S
	hasCurrent  bool
	blocked     bool

	controlValue string
	suppressNext bool

	timer      clock.Timer
	generation uint64
}

// New creates an empty tracker.
func New[S any](opts Options[S]) *Tracker[S] {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Equal == nil {
		opts.Equal = func(a, b S) bool { return reflect.DeepEqual(a, b) }
	}
	return &Tracker[S]{
		clock:     opts.Clock,
		settle:    opts.SettleDelay,
		equal:     opts.Equal,
		onBlocked: opts.OnBlocked,
		addresses: make(map[string]*addressState[S]),
	}
}

// UpdateExpectedState records the state the address was commanded into.
// An empty controlValue leaves the stored control value unchanged. A
// non-empty value different from the stored one, including the first value
// seen for the address, unblocks it and skips the next judgment.
func (t *Tracker[S]) UpdateExpectedState(address string, state S, controlValue string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.entryLocked(address)
	a.expected = state
	a.hasExpected = true

	if controlValue == "" || controlValue == a.controlValue {
		return
	}
	a.controlValue = controlValue
	a.blocked = false
	a.suppressNext = true
}

// UpdateState records feedback from the device and restarts the settle timer.
func (t *Tracker[S]) UpdateState(address string, state S) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.entryLocked(address)
	a.current = state
	a.hasCurrent = true

	if a.timer != nil {
		a.timer.Stop()
	}
	a.generation++
	gen := a.generation
	a.timer = t.clock.AfterFunc(t.settle, func() { t.judge(address, a, gen) })
}

// judge compares current and expected state once the address settled.
func (t *Tracker[S]) judge(address string, a *addressState[S], gen uint64) {
	t.mu.Lock()
	if t.addresses[address] != a || a.generation != gen {
		t.mu.Unlock()
		return
	}
	a.timer = nil

	if a.suppressNext {
		a.suppressNext = false
		t.mu.Unlock()
		return
	}
	if !a.hasExpected {
		t.mu.Unlock()
		return
	}

	fire := false
	if t.equal(a.current, a.expected) {
		a.blocked = false
	} else if !a.blocked {
		a.blocked = true
		fire = true
	}
	cb := t.onBlocked
	t.mu.Unlock()

	if fire && cb != nil {
		cb(address)
	}
}

// IsBlocked reports whether the address is blocked. Unknown addresses are not.
func (t *Tracker[S]) IsBlocked(address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.addresses[address]
	return ok && a.blocked
}

// GetExpectedState returns the expected state and whether one was set.
func (t *Tracker[S]) GetExpectedState(address string) (S, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero S
	a, ok := t.addresses[address]
	if !ok || !a.hasExpected {
		return zero, false
	}
	return a.expected, true
}

// GetCurrentState returns the last reported state and whether one was received.
func (t *Tracker[S]) GetCurrentState(address string) (S, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero S
	a, ok := t.addresses[address]
	if !ok || !a.hasCurrent {
		return zero, false
	}
	return a.current, true
}

// GetControlValue returns the stored control value ("" when none).
func (t *Tracker[S]) GetControlValue(address string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.addresses[address]; ok {
		return a.controlValue
	}
	return ""
}

// GetAllAddresses returns every known address, sorted.
func (t *Tracker[S]) GetAllAddresses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.addresses))
	for addr := range t.addresses {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// ClearState forgets every address and stops pending settle timers.
func (t *Tracker[S]) ClearState() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, a := range t.addresses {
		if a.timer != nil {
			a.timer.Stop()
		}
	}
	t.addresses = make(map[string]*addressState[S])
}

// entryLocked returns the address entry, creating it on first reference.
func (t *Tracker[S]) entryLocked(address string) *addressState[S] {
	a, ok := t.addresses[address]
	if !ok {
		a = &addressState[S]{}
		t.addresses[address] = a
	}
	return a
}
