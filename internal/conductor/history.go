package conductor

import (
	"sort"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
)

// scheduledAction is a queued command belonging to a history entry.
type scheduledAction struct {
	id string
	at int64
}

// historyEntry is a device state committed for a point in time, with the
// queue actions that bring the device into it.
type historyEntry struct {
	time    int64
	state   device.State
	actions []scheduledAction
}

// dispatched reports whether the device has started receiving the entry by
// now. An entry without commands is dispatched once its time has passed.
func (e historyEntry) dispatched(now int64) bool {
	if len(e.actions) == 0 {
		return e.time <= now
	}
	for _, a := range e.actions {
		if a.at <= now {
			return true
		}
	}
	return false
}

// lastAction is the latest action time, 0 without actions.
func (e historyEntry) lastAction() int64 {
	var last int64
	for _, a := range e.actions {
		last = max(last, a.at)
	}
	return last
}

// stateHistory is a device's committed states ordered by time.
// Only the control goroutine touches it.
type stateHistory struct {
	entries []historyEntry
}

// base returns the latest entry dispatched by now. With preliminary
// commands it may lie in the future.
func (h *stateHistory) base(now int64) (historyEntry, bool) {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].dispatched(now) {
			return h.entries[i], true
		}
	}
	return historyEntry{}, false
}

// commit stores e. An existing entry at the same time takes e's state and
// keeps its actions alongside e's.
func (h *stateHistory) commit(e historyEntry) {
	i := sort.Search(len(h.entries), func(i int) bool { return h.entries[i].time >= e.time })
	if i < len(h.entries) && h.entries[i].time == e.time {
		h.entries[i].state = e.state
		h.entries[i].actions = append(h.entries[i].actions, e.actions...)
		return
	}
	h.entries = append(h.entries, historyEntry{})
	copy(h.entries[i+1:], h.entries[i:])
	h.entries[i] = e
}

// dropAfter removes the entries later than t and returns them.
func (h *stateHistory) dropAfter(t int64) []historyEntry {
	i := sort.Search(len(h.entries), func(i int) bool { return h.entries[i].time > t })
	dropped := append([]historyEntry(nil), h.entries[i:]...)
	for j := i; j < len(h.entries); j++ {
		h.entries[j] = historyEntry{}
	}
	h.entries = h.entries[:i]
	return dropped
}

// prune drops entries older than the latest one at or before t.
func (h *stateHistory) prune(t int64) {
	i := sort.Search(len(h.entries), func(i int) bool { return h.entries[i].time > t })
	if i <= 1 {
		return
	}
	h.entries = append(h.entries[:0], h.entries[i-1:]...)
}

// reset forgets every entry.
func (h *stateHistory) reset() {
	h.entries = nil
}

func (h *stateHistory) len() int {
	return len(h.entries)
}
