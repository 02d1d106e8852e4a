package timedqueue

import (
	"context"
	"sync"
)

// lane is an unbounded FIFO of due actions drained by one goroutine.
//
// Pushing never blocks, so the wake-up loop is never held up by a slow
// device. The goroutine exits once the lane runs dry; the next due action
// for the same key starts a new lane.
type lane struct {
	mu    sync.Mutex
	items []*item
}

func newLane() *lane {
	return &lane{items: make([]*item, 0, 8)}
}

func (l *lane) push(it *item) {
	l.mu.Lock()
	l.items = append(l.items, it)
	l.mu.Unlock()
}

func (l *lane) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items) == 0
}

func (l *lane) tryPop() (*item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.items) == 0 {
		return nil, false
	}
	it := l.items[0]
	l.items[0] = nil
	if len(l.items) == 1 {
		l.items = l.items[:0]
	} else {
		l.items = l.items[1:]
	}
	return it, true
}

// run executes items until finish reports the lane retired. Once ctx is
// cancelled the remaining items are dropped without running; finish is
// called for every item either way.
func (l *lane) run(ctx context.Context, exec func(context.Context, *item), finish func() bool) {
	for {
		it, ok := l.tryPop()
		if !ok {
			return
		}
		if ctx.Err() == nil {
			exec(ctx, it)
		}
		if finish() {
			return
		}
	}
}
