package timedqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/clock"
)

// Queue defaults.
const (
	// DefaultPollCeiling is the longest the wake-up timer ever sleeps.
	DefaultPollCeiling = time.Second

	// DefaultSlowThreshold is how late an action may start before it is
	// reported as slow.
	DefaultSlowThreshold = 40 * time.Millisecond
)

// SendMode selects how due actions of different queue ids are executed.
type SendMode int

const (
	// SendModeBurst runs each queue id on its own lane; lanes run concurrently.
	SendModeBurst SendMode = iota

	// SendModeInOrder runs every action on a single lane.
	SendModeInOrder
)

// String returns the configuration name of the mode.
func (m SendMode) String() string {
	if m == SendModeInOrder {
		return "in_order"
	}
	return "burst"
}

// ParseSendMode converts a configuration value into a SendMode.
func ParseSendMode(s string) (SendMode, error) {
	switch s {
	case "", "burst", "salvo":
		return SendModeBurst, nil
	case "in_order", "sequential":
		return SendModeInOrder, nil
	default:
		return SendModeBurst, fmt.Errorf("%w: unknown send mode %q", ErrInvalidArgument, s)
	}
}

// Action is the work executed when a scheduled entry falls due.
// The context is cancelled when the queue is closed.
type Action func(ctx context.Context) error

// Task describes an action to schedule.
type Task struct {
	// Time is the absolute target time in milliseconds. Must be > 0.
	Time int64

	// QueueID partitions ordering. Empty is a valid queue id.
	QueueID string

	// Payload is opaque to the queue and is returned in List and Report.
	Payload any

	// Action is executed when the task falls due.
	Action Action
}

// Entry is a read-only view of a pending action.
type Entry struct {
	ID      string `json:"id"`
	Time    int64  `json:"time"`
	QueueID string `json:"queue_id"`
	Payload any    `json:"payload,omitempty"`
}

// Report describes one executed action.
type Report struct {
	Entry

	// Added is when the action was scheduled.
	Added int64

	// Start and End bracket the action's execution.
	Start int64
	End   int64

	// Err is the action's error, nil on success.
	Err error
}

// Lateness is how far after its target time the action started.
func (r Report) Lateness() time.Duration {
	return time.Duration(r.Start-r.Time) * time.Millisecond
}

// Duration is how long the action took to execute.
func (r Report) Duration() time.Duration {
	return time.Duration(r.End-r.Start) * time.Millisecond
}

// Logger is the logging surface used by the queue.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Queue.
type Options struct {
	// Clock is the time source. Defaults to the system clock.
	Clock clock.Clock

	// Mode selects burst or in-order execution.
	Mode SendMode

	// PollCeiling caps the wake-up delay. Defaults to DefaultPollCeiling.
	PollCeiling time.Duration

	// SlowThreshold is the lateness above which OnSlow is called.
	// Defaults to DefaultSlowThreshold; negative disables slow reporting.
	SlowThreshold time.Duration

	// OnReport is called after every executed action.
	OnReport func(Report)

	// OnError is called when an action returns an error or panics.
	OnError func(Report)

	// OnSlow is called when an action starts later than SlowThreshold.
	OnSlow func(Report)

	Logger Logger
}

// Queue schedules actions against absolute times.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Callbacks run on lane goroutines and must not block for long.
type Queue struct {
	clock       clock.Clock
	mode        SendMode
	pollCeiling time.Duration
	slow        time.Duration
	onReport    func(Report)
	onError     func(Report)
	onSlow      func(Report)
	logger      Logger

	mu      sync.Mutex
	pending scheduleHeap
	byID    map[string]*item
	seq     uint64
	timer   clock.Timer
	lanes   map[string]*lane
	closed  bool

	// busy counts actions handed to lanes that have not finished.
	busy   int
	idleCh chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	laneWG  sync.WaitGroup
	closeMu sync.Once
}

// item is a pending action in the heap.
type item struct {
	Entry
	seq    uint64
	added  int64
	action Action
	index  int
}

// New creates a queue and arms its wake-up timer.
func New(opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.PollCeiling <= 0 {
		opts.PollCeiling = DefaultPollCeiling
	}
	if opts.SlowThreshold == 0 {
		opts.SlowThreshold = DefaultSlowThreshold
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	q := &Queue{
		clock:       opts.Clock,
		mode:        opts.Mode,
		pollCeiling: opts.PollCeiling,
		slow:        opts.SlowThreshold,
		onReport:    opts.OnReport,
		onError:     opts.OnError,
		onSlow:      opts.OnSlow,
		logger:      opts.Logger,
		byID:        make(map[string]*item),
		lanes:       make(map[string]*lane),
		idleCh:      idle,
		ctx:         ctx,
		cancel:      cancel,
	}

	q.mu.Lock()
	q.rearmLocked(q.clock.Now())
	q.mu.Unlock()

	return q
}

// Schedule queues action to run at time on queue queueID.
//
// Returns:
//   - string: id usable with Cancel
//   - error: ErrInvalidArgument if time <= 0 or action is nil; ErrClosed after Close
func (q *Queue) Schedule(at int64, queueID string, action Action) (string, error) {
	return q.ScheduleTask(Task{Time: at, QueueID: queueID, Action: action})
}

// ScheduleTask queues a task. See Schedule.
func (q *Queue) ScheduleTask(t Task) (string, error) {
	if t.Time <= 0 {
		return "", fmt.Errorf("%w: time must be positive, got %d", ErrInvalidArgument, t.Time)
	}
	if t.Action == nil {
		return "", fmt.Errorf("%w: action is nil", ErrInvalidArgument)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}

	now := q.clock.Now()
	q.seq++
	it := &item{
		Entry: Entry{
			ID:      uuid.New().String(),
			Time:    t.Time,
			QueueID: t.QueueID,
			Payload: t.Payload,
		},
		seq:    q.seq,
		added:  now,
		action: t.Action,
	}
	heap.Push(&q.pending, it)
	q.byID[it.ID] = it
	due := t.Time <= now
	if !due {
		q.rearmLocked(now)
	}
	q.mu.Unlock()

	if due {
		q.Check()
	}
	return it.ID, nil
}

// Cancel removes a pending action and reports whether it was pending.
// Unknown or already fired ids are ignored.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.pending, it.index)
	delete(q.byID, id)
	return true
}

// ClearAfter cancels every pending action whose time is >= t.
// Returns the number of actions removed.
func (q *Queue) ClearAfter(t int64) int {
	return q.clear(func(it *item) bool { return it.Time >= t })
}

// ClearQueueAfter cancels pending actions of one queue id whose time is >= t.
func (q *Queue) ClearQueueAfter(queueID string, t int64) int {
	return q.clear(func(it *item) bool { return it.QueueID == queueID && it.Time >= t })
}

func (q *Queue) clear(match func(*item) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	removed := 0
	for _, it := range q.pending {
		if match(it) {
			delete(q.byID, it.ID)
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	for i, it := range q.pending {
		it.index = i
	}
	heap.Init(&q.pending)
	return removed
}

// List returns the pending actions ordered by time, then scheduling order.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	items := make([]*item, len(q.pending))
	copy(items, q.pending)
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].less(items[j]) })
	entries := make([]Entry, len(items))
	for i, it := range items {
		entries[i] = it.Entry
	}
	return entries
}

// Len returns the number of pending actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Check fires every action whose time has passed and re-arms the wake-up
// timer. It is called by the timer and may be called directly.
func (q *Queue) Check() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	now := q.clock.Now()
	for q.pending.Len() > 0 && q.pending[0].Time <= now {
		it, _ := heap.Pop(&q.pending).(*item) //nolint:errcheck // heap only holds *item
		delete(q.byID, it.ID)
		q.dispatchLocked(it)
	}
	q.rearmLocked(now)
}

// WaitIdle blocks until every action handed to a lane has finished,
// or ctx is done. Pending (not yet due) actions are not waited for.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	ch := q.idleCh
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the wake-up timer, drops pending actions and waits for lanes
// to finish the action they are running. Safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Do(func() {
		q.mu.Lock()
		q.closed = true
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		for _, it := range q.pending {
			delete(q.byID, it.ID)
		}
		q.pending = nil
		q.mu.Unlock()

		q.cancel()
		q.laneWG.Wait()
	})
}

// rearmLocked replaces the wake-up timer. Caller holds q.mu.
func (q *Queue) rearmLocked(now int64) {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if q.closed {
		return
	}

	delay := q.pollCeiling
	if q.pending.Len() > 0 {
		until := time.Duration(q.pending[0].Time-now) * time.Millisecond
		if until < delay {
			delay = max(until, 0)
		}
	}
	q.timer = q.clock.AfterFunc(delay, q.Check)
}

// dispatchLocked hands a due action to its lane. Caller holds q.mu.
func (q *Queue) dispatchLocked(it *item) {
	key := ""
	if q.mode == SendModeBurst {
		key = it.QueueID
	}

	if q.busy == 0 {
		q.idleCh = make(chan struct{})
	}
	q.busy++

	if l, ok := q.lanes[key]; ok {
		l.push(it)
		return
	}
	l := newLane()
	l.push(it)
	q.lanes[key] = l
	q.laneWG.Add(1)
	go func() {
		defer q.laneWG.Done()
		l.run(q.ctx, q.execute, func() bool { return q.finish(key, l) })
	}()
}

// finish marks one dispatched action as done and retires the lane when
// nothing is queued on it. It reports whether the lane was retired.
func (q *Queue) finish(key string, l *lane) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	retired := l.empty()
	if retired {
		delete(q.lanes, key)
	}
	q.busy--
	if q.busy == 0 {
		close(q.idleCh)
	}
	return retired
}

// execute runs one action and reports the outcome.
func (q *Queue) execute(ctx context.Context, it *item) {
	report := Report{
		Entry: it.Entry,
		Added: it.added,
		Start: q.clock.Now(),
	}
	report.Err = runAction(ctx, it.action)
	report.End = q.clock.Now()

	if q.slow >= 0 && report.Lateness() > q.slow {
		q.logger.Warn("slow command",
			"action_id", it.ID,
			"queue_id", it.QueueID,
			"planned", it.Time,
			"started", report.Start,
		)
		if q.onSlow != nil {
			q.onSlow(report)
		}
	}

	if report.Err != nil {
		q.logger.Error("scheduled action failed",
			"action_id", it.ID,
			"queue_id", it.QueueID,
			"error", report.Err,
		)
		if q.onError != nil {
			q.onError(report)
		}
	}

	if q.onReport != nil {
		q.onReport(report)
	}
}

// runAction calls action, converting a panic into an error.
func runAction(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrActionPanicked, r)
		}
	}()
	return action(ctx)
}

func (it *item) less(other *item) bool {
	if it.Time != other.Time {
		return it.Time < other.Time
	}
	return it.seq < other.seq
}

// scheduleHeap implements heap.Interface ordered by (time, seq).
type scheduleHeap []*item

func (h scheduleHeap) Len() int           { return len(h) }
func (h scheduleHeap) Less(i, j int) bool { return h[i].less(h[j]) }

func (h scheduleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduleHeap) Push(x any) {
	it, _ := x.(*item) //nolint:errcheck // only *item is pushed
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
