package conductor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/clock"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timedqueue"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

// Conductor defaults.
const (
	DefaultLookahead           = 10 * time.Second
	DefaultMinResolveDelay     = 20 * time.Millisecond
	DefaultIdleResolveInterval = time.Minute
	DefaultRetryDelay          = time.Second

	// maxStatesPerCycle bounds how many resolver calls one cycle makes.
	maxStatesPerCycle = 256

	// maxConcurrentInit bounds how many adapters connect at once.
	maxConcurrentInit = 8
)

// Phase is the state of the resolve cycle.
type Phase int32

// Cycle phases.
const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseDiffing
	PhaseScheduling
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseResolving:
		return "resolving"
	case PhaseDiffing:
		return "diffing"
	case PhaseScheduling:
		return "scheduling"
	default:
		return "idle"
	}
}

// Logger is the logging surface used by the conductor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Conductor.
type Options struct {
	// Clock defaults to the system clock.
	Clock clock.Clock

	// Resolver defaults to timeline.AbsoluteResolver.
	Resolver timeline.Resolver

	// Lookahead is how far ahead of now commands are prepared.
	Lookahead time.Duration

	// MinResolveDelay is the shortest time between timer-driven cycles.
	MinResolveDelay time.Duration

	// IdleResolveInterval is the longest time between cycles.
	IdleResolveInterval time.Duration

	// RetryDelay is how soon a failed resolution is retried.
	RetryDelay time.Duration

	Logger Logger
}

// DeviceOptions configures the command queue of one device.
type DeviceOptions struct {
	SendMode      timedqueue.SendMode
	PollCeiling   time.Duration
	SlowThreshold time.Duration
}

// DeviceSpec is a device to register.
type DeviceSpec struct {
	Adapter device.Adapter
	Options DeviceOptions
}

// DeviceInfo is a snapshot of a registered device.
type DeviceInfo struct {
	ID            string              `json:"id"`
	Type          timeline.DeviceType `json:"type"`
	Connected     bool                `json:"connected"`
	Status        device.Status       `json:"status"`
	SendMode      string              `json:"sendMode"`
	Queued        int                 `json:"queued"`
	ResyncPending bool                `json:"resyncPending"`
}

// Conductor resolves the timeline and schedules device commands.
//
// Thread Safety: all exported methods are safe for concurrent use. The
// resolve cycle itself only runs on the goroutine calling Run.
type Conductor struct {
	clock        clock.Clock
	resolver     timeline.Resolver
	lookahead    time.Duration
	minDelay     time.Duration
	idleInterval time.Duration
	retryDelay   time.Duration
	logger       Logger

	mu         sync.RWMutex
	devices    map[string]*deviceHandle
	objects    []timeline.Object
	mappings   timeline.Mappings
	observers  []Observer
	terminated bool

	trigger chan struct{}
	running atomic.Bool
	phase   atomic.Int32
	cycles  atomic.Uint64

	timerMu     sync.Mutex
	timer       clock.Timer
	nextResolve int64
}

// deviceHandle is the conductor's view of one device.
type deviceHandle struct {
	adapter device.Adapter
	opts    DeviceOptions
	queue   *timedqueue.Queue

	// history is only touched by the resolve cycle.
	history stateHistory

	// resync makes the next cycle diff against an unknown state.
	resync atomic.Bool

	// forwarded is closed once the adapter's event channel is drained.
	forwarded chan struct{}
}

// New creates a Conductor with no devices, no timeline and no mappings.
func New(opts Options) *Conductor {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Resolver == nil {
		opts.Resolver = timeline.NewAbsoluteResolver()
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}
	if opts.MinResolveDelay <= 0 {
		opts.MinResolveDelay = DefaultMinResolveDelay
	}
	if opts.IdleResolveInterval <= 0 {
		opts.IdleResolveInterval = DefaultIdleResolveInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	return &Conductor{
		clock:        opts.Clock,
		resolver:     opts.Resolver,
		lookahead:    opts.Lookahead,
		minDelay:     opts.MinResolveDelay,
		idleInterval: opts.IdleResolveInterval,
		retryDelay:   opts.RetryDelay,
		logger:       opts.Logger,
		devices:      make(map[string]*deviceHandle),
		mappings:     make(timeline.Mappings),
		trigger:      make(chan struct{}, 1),
	}
}

// AddObserver registers o for every future event.
func (c *Conductor) AddObserver(o Observer) {
	if o == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	observers := make([]Observer, len(c.observers), len(c.observers)+1)
	copy(observers, c.observers)
	c.observers = append(observers, o)
}

// AddDevices registers and initialises devices. Adapters are initialised
// concurrently; a device whose Init fails is terminated and left out.
//
// Parameters:
//   - ctx: bounds the Init calls
//   - specs: adapters and their queue options
//
// Returns:
//   - error: nil when every device registered, otherwise the joined errors
//     (ErrInvalidDevice, ErrDeviceExists, ErrTerminated or Init failures)
func (c *Conductor) AddDevices(ctx context.Context, specs ...DeviceSpec) error {
	var errs []error

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrTerminated
	}
	handles := make([]*deviceHandle, 0, len(specs))
	for _, spec := range specs {
		if spec.Adapter == nil || spec.Adapter.ID() == "" {
			errs = append(errs, ErrInvalidDevice)
			continue
		}
		id := spec.Adapter.ID()
		if _, ok := c.devices[id]; ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDeviceExists, id))
			continue
		}
		h := c.newHandle(spec)
		c.devices[id] = h
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		go c.forwardEvents(h)
	}

	var (
		g      errgroup.Group
		failMu sync.Mutex
		failed []*deviceHandle
	)
	g.SetLimit(maxConcurrentInit)
	for _, h := range handles {
		g.Go(func() error {
			id := h.adapter.ID()
			if err := h.adapter.Init(ctx); err != nil {
				failMu.Lock()
				failed = append(failed, h)
				failMu.Unlock()
				return fmt.Errorf("initialising device %s: %w", id, err)
			}
			c.logger.Info("device added",
				"device_id", id,
				"type", string(h.adapter.Type()),
				"send_mode", h.opts.SendMode.String(),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	for _, h := range failed {
		id := h.adapter.ID()
		c.mu.Lock()
		if c.devices[id] == h {
			delete(c.devices, id)
		}
		c.mu.Unlock()
		if err := c.shutdownDevice(ctx, h); err != nil {
			c.logger.Warn("terminating failed device", "device_id", id, "error", err)
		}
	}

	if len(failed) < len(handles) {
		c.requestResolve()
	}
	return errors.Join(errs...)
}

// RemoveDevice terminates a device and drops its pending commands.
func (c *Conductor) RemoveDevice(ctx context.Context, id string) error {
	c.mu.Lock()
	h, ok := c.devices[id]
	if ok {
		delete(c.devices, id)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	c.logger.Info("device removed", "device_id", id)
	return c.shutdownDevice(ctx, h)
}

// Terminate stops the re-arm timer and terminates every device.
// The conductor cannot be used afterwards.
func (c *Conductor) Terminate(ctx context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil
	}
	c.terminated = true
	handles := make([]*deviceHandle, 0, len(c.devices))
	for _, h := range c.devices {
		handles = append(handles, h)
	}
	c.devices = make(map[string]*deviceHandle)
	c.mu.Unlock()

	c.stopTimer()

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error { return c.shutdownDevice(ctx, h) })
	}
	return g.Wait()
}

// SetTimeline replaces the timeline and triggers a cycle.
func (c *Conductor) SetTimeline(objects []timeline.Object) error {
	if err := timeline.Validate(objects); err != nil {
		return err
	}
	snapshot := make([]timeline.Object, len(objects))
	copy(snapshot, objects)

	c.mu.Lock()
	c.objects = snapshot
	c.mu.Unlock()

	c.logger.Info("timeline updated", "objects", len(snapshot))
	c.requestResolve()
	return nil
}

// Timeline returns a copy of the current timeline.
func (c *Conductor) Timeline() []timeline.Object {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]timeline.Object, len(c.objects))
	copy(out, c.objects)
	return out
}

// SetMappings replaces the mapping snapshot and triggers a cycle.
func (c *Conductor) SetMappings(m timeline.Mappings) {
	snapshot := m.Clone()

	c.mu.Lock()
	c.mappings = snapshot
	c.mu.Unlock()

	c.logger.Info("mappings updated", "layers", len(snapshot))
	c.requestResolve()
}

// Mappings returns a copy of the current mapping snapshot.
func (c *Conductor) Mappings() timeline.Mappings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mappings.Clone()
}

// ResetResolver discards every cached device state and triggers a cycle.
func (c *Conductor) ResetResolver() {
	c.mu.RLock()
	for _, h := range c.devices {
		h.resync.Store(true)
	}
	c.mu.RUnlock()

	c.logger.Info("resolver reset")
	c.requestResolve()
}

// ResyncStates makes the next cycle push the full state of one device.
func (c *Conductor) ResyncStates(id string) error {
	h, err := c.handle(id)
	if err != nil {
		return err
	}
	c.markResync(h, "resync requested")
	return nil
}

// Devices returns every registered device, ordered by id.
func (c *Conductor) Devices() []DeviceInfo {
	handles := c.sortedHandles()
	out := make([]DeviceInfo, len(handles))
	for i, h := range handles {
		out[i] = h.info()
	}
	return out
}

// Device returns one registered device.
func (c *Conductor) Device(id string) (DeviceInfo, error) {
	h, err := c.handle(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	return h.info(), nil
}

// QueuedCommands lists the pending commands of one device in firing order.
func (c *Conductor) QueuedCommands(id string) ([]timedqueue.Entry, error) {
	h, err := c.handle(id)
	if err != nil {
		return nil, err
	}
	return h.queue.List(), nil
}

// Phase returns the current cycle phase.
func (c *Conductor) Phase() Phase {
	return Phase(c.phase.Load())
}

// Cycles returns how many resolve cycles have completed.
func (c *Conductor) Cycles() uint64 {
	return c.cycles.Load()
}

// NextResolve returns when the next timer-driven cycle is due (0 when unarmed).
func (c *Conductor) NextResolve() int64 {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	return c.nextResolve
}

// WaitIdle blocks until no device has a command in flight, or ctx is done.
func (c *Conductor) WaitIdle(ctx context.Context) error {
	for _, h := range c.sortedHandles() {
		if err := h.queue.WaitIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run is the control loop. It performs a cycle immediately and then one per
// trigger until ctx is cancelled.
func (c *Conductor) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.logger.Info("conductor started",
		"lookahead", c.lookahead.String(),
		"idle_resolve_interval", c.idleInterval.String(),
	)
	c.requestResolve()

	for {
		select {
		case <-ctx.Done():
			c.stopTimer()
			c.logger.Info("conductor stopped")
			return nil
		case <-c.trigger:
			c.resolveCycle(ctx)
		}
	}
}

// requestResolve asks the control loop for a cycle. Requests made while one
// is already pending are coalesced.
func (c *Conductor) requestResolve() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// plannedCommand is a command and the time it is scheduled for.
type plannedCommand struct {
	at  int64
	cmd device.Command
}

// plannedState is a converted state and the commands that lead into it.
type plannedState struct {
	time     int64
	state    device.State
	commands []plannedCommand
}

// devicePlan is the result of diffing one device for one cycle. History
// after pivot is replaced by states.
type devicePlan struct {
	handle   *deviceHandle
	pivot    int64
	states   []plannedState
	resynced bool
}

// resolveCycle runs Resolving → Diffing → Scheduling once.
func (c *Conductor) resolveCycle(ctx context.Context) {
	c.phase.Store(int32(PhaseResolving))
	defer c.phase.Store(int32(PhaseIdle))

	c.mu.RLock()
	objects := c.objects
	mappings := c.mappings
	c.mu.RUnlock()
	handles := c.sortedHandles()

	now := c.clock.Now()
	states, next, err := c.resolveWindow(ctx, objects, now)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		err = fmt.Errorf("%w: %w", ErrResolutionFailed, err)
		c.logger.Error("resolving timeline failed", "error", err, "retry_in", c.retryDelay.String())
		c.publish(Event{Event: device.Event{Type: EventResolutionFailed, Err: err, Message: err.Error()}})
		c.arm(now, now+c.retryDelay.Milliseconds())
		return
	}

	c.phase.Store(int32(PhaseDiffing))
	plans := make([]devicePlan, 0, len(handles))
	deviceFailed := false
	for _, h := range handles {
		plan, err := c.planDevice(h, states, mappings, now)
		if err != nil {
			id := h.adapter.ID()
			h.resync.Store(true)
			deviceFailed = true
			c.logger.Error("preparing device commands failed", "device_id", id, "error", err)
			c.publish(Event{Event: device.Event{Type: EventDeviceError, DeviceID: id, Err: err, Message: err.Error()}})
			continue
		}
		plans = append(plans, plan)
	}

	c.phase.Store(int32(PhaseScheduling))
	scheduled := 0
	for _, p := range plans {
		scheduled += c.schedule(p, now)
	}

	nextResolve := c.nextResolveTime(now, next)
	if deviceFailed {
		nextResolve = min(nextResolve, now+c.retryDelay.Milliseconds())
	}
	c.arm(now, nextResolve)
	c.cycles.Add(1)

	summary := &CycleSummary{
		At:          now,
		States:      len(states),
		Commands:    scheduled,
		NextResolve: nextResolve,
		DurationMS:  c.clock.Now() - now,
	}
	c.logger.Debug("resolve cycle complete",
		"at", now,
		"states", summary.States,
		"commands", scheduled,
		"next_resolve", nextResolve,
	)
	c.publish(Event{Event: device.Event{Type: EventResolved}, Cycle: summary})
}

// resolveWindow resolves the timeline at now and at every event inside the
// lookahead window. It returns the states in time order and the first event
// time beyond the window (nil when the timeline has no further events).
func (c *Conductor) resolveWindow(ctx context.Context, objects []timeline.Object, now int64) ([]timeline.State, *int64, error) {
	windowEnd := now + c.lookahead.Milliseconds()

	var states []timeline.State
	at := now
	for {
		res, err := c.resolver.Resolve(ctx, objects, at, c.lookahead)
		if err != nil {
			return nil, nil, err
		}
		if res.State.Time == 0 {
			res.State.Time = at
		}
		states = append(states, res.State)

		next := res.NextEventTime
		if next == nil || *next > windowEnd || len(states) >= maxStatesPerCycle {
			return states, next, nil
		}
		if *next <= at {
			return nil, nil, fmt.Errorf("next event %d is not after %d", *next, at)
		}
		at = *next
	}
}

// planDevice converts and diffs every state for one device. It does not
// touch the device's queue or history.
//
// Diffing starts from the latest history entry whose commands have begun to
// fire. When preliminary commands already went out for a future state, that
// state is the starting point, so they are not sent a second time; resolved
// states before it are superseded and only the one in force at its time is
// diffed against it.
func (c *Conductor) planDevice(h *deviceHandle, states []timeline.State, mappings timeline.Mappings, now int64) (devicePlan, error) {
	own := mappings.ForDevice(h.adapter.ID())
	plan := devicePlan{handle: h, pivot: now, resynced: h.resync.Swap(false)}

	var prev device.State
	notBefore := int64(1)
	if !plan.resynced {
		if b, ok := h.history.base(now); ok {
			prev = b.state
			plan.pivot = max(b.time, now)
			notBefore = max(b.lastAction(), 1)
		}
	}

	first := sort.Search(len(states), func(i int) bool { return states[i].Time > plan.pivot }) - 1
	for _, s := range states[max(first, 0):] {
		next, err := h.adapter.ConvertState(s, own)
		if err != nil {
			return devicePlan{}, fmt.Errorf("converting state at %d: %w", s.Time, err)
		}
		cmds, err := h.adapter.DiffStates(prev, next, own, s.Time)
		if err != nil {
			return devicePlan{}, fmt.Errorf("diffing state at %d: %w", s.Time, err)
		}

		ps := plannedState{time: max(s.Time, plan.pivot), state: next}
		for _, cmd := range cmds {
			at := max(s.Time-cmd.PreliminaryMS, now, notBefore)
			ps.commands = append(ps.commands, plannedCommand{at: at, cmd: cmd})
		}
		plan.states = append(plan.states, ps)
		prev = next
	}
	return plan, nil
}

// schedule replaces a device's history after the plan's pivot, cancelling
// the commands of the replaced entries. It returns the number of commands
// queued.
func (c *Conductor) schedule(p devicePlan, now int64) int {
	h := p.handle
	id := h.adapter.ID()

	removed := 0
	if p.resynced {
		removed = h.queue.ClearAfter(now + 1)
		h.history.reset()
	} else {
		for _, e := range h.history.dropAfter(p.pivot) {
			for _, a := range e.actions {
				if h.queue.Cancel(a.id) {
					removed++
				}
			}
		}
	}
	if removed > 0 {
		c.logger.Debug("cleared stale commands", "device_id", id, "count", removed)
	}

	n := 0
	for _, ps := range p.states {
		entry := historyEntry{time: ps.time, state: ps.state}
		for _, pc := range ps.commands {
			actionID, err := c.enqueue(h, pc)
			if errors.Is(err, timedqueue.ErrClosed) {
				h.history.commit(entry)
				return n
			}
			if err != nil {
				continue
			}
			entry.actions = append(entry.actions, scheduledAction{id: actionID, at: pc.at})
			n++
		}
		h.history.commit(entry)
	}
	h.history.prune(now)
	return n
}

// enqueue schedules one command on the device's queue. Failures other than
// a closed queue are reported as command errors.
func (c *Conductor) enqueue(h *deviceHandle, pc plannedCommand) (string, error) {
	id := h.adapter.ID()
	cmd := pc.cmd
	actionID, err := h.queue.ScheduleTask(timedqueue.Task{
		Time:    pc.at,
		QueueID: cmd.QueueID,
		Payload: cmd,
		Action: func(ctx context.Context) error {
			return device.NewCommandError(id, cmd, h.adapter.SendCommand(ctx, cmd))
		},
	})
	if err != nil && !errors.Is(err, timedqueue.ErrClosed) {
		c.logger.Error("scheduling command failed", "device_id", id, "context", cmd.Context, "error", err)
		c.publish(Event{Event: device.Event{
			Type:     device.EventCommandError,
			DeviceID: id,
			Command:  &cmd,
			Err:      err,
			Message:  err.Error(),
		}})
	}
	return actionID, err
}

// nextResolveTime is when the first event beyond the window enters it,
// bounded by the minimum delay and the idle interval.
func (c *Conductor) nextResolveTime(now int64, next *int64) int64 {
	due := now + c.idleInterval.Milliseconds()
	if next != nil {
		due = min(due, *next-c.lookahead.Milliseconds())
	}
	return max(due, now+c.minDelay.Milliseconds())
}

// arm replaces the re-arm timer so that a cycle is requested at at.
func (c *Conductor) arm(now, at int64) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.nextResolve = at
	c.timer = c.clock.AfterFunc(time.Duration(at-now)*time.Millisecond, c.requestResolve)
}

func (c *Conductor) stopTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.nextResolve = 0
}

// newHandle creates the queue for a device. Caller holds c.mu.
func (c *Conductor) newHandle(spec DeviceSpec) *deviceHandle {
	id := spec.Adapter.ID()
	h := &deviceHandle{
		adapter:   spec.Adapter,
		opts:      spec.Options,
		forwarded: make(chan struct{}),
	}
	h.resync.Store(true)
	h.queue = timedqueue.New(timedqueue.Options{
		Clock:         c.clock,
		Mode:          spec.Options.SendMode,
		PollCeiling:   spec.Options.PollCeiling,
		SlowThreshold: spec.Options.SlowThreshold,
		OnReport:      func(r timedqueue.Report) { c.onReport(id, r) },
		OnError:       func(r timedqueue.Report) { c.onCommandError(id, r) },
		OnSlow:        func(r timedqueue.Report) { c.onSlow(id, r) },
		Logger:        c.logger,
	})
	return h
}

// shutdownDevice closes the device queue, terminates the adapter and waits
// for its event channel to drain.
func (c *Conductor) shutdownDevice(ctx context.Context, h *deviceHandle) error {
	h.queue.Close()
	err := h.adapter.Terminate(ctx)

	select {
	case <-h.forwarded:
	case <-ctx.Done():
	}
	if err != nil {
		return fmt.Errorf("terminating device %s: %w", h.adapter.ID(), err)
	}
	return nil
}

func (c *Conductor) handle(id string) (*deviceHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return h, nil
}

func (c *Conductor) sortedHandles() []*deviceHandle {
	c.mu.RLock()
	handles := make([]*deviceHandle, 0, len(c.devices))
	for _, h := range c.devices {
		handles = append(handles, h)
	}
	c.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].adapter.ID() < handles[j].adapter.ID() })
	return handles
}

func (c *Conductor) markResync(h *deviceHandle, reason string) {
	h.resync.Store(true)
	c.logger.Debug("device resync scheduled", "device_id", h.adapter.ID(), "reason", reason)
	c.requestResolve()
}

func (h *deviceHandle) info() DeviceInfo {
	return DeviceInfo{
		ID:            h.adapter.ID(),
		Type:          h.adapter.Type(),
		Connected:     h.adapter.Connected(),
		Status:        h.adapter.Status(),
		SendMode:      h.opts.SendMode.String(),
		Queued:        h.queue.Len(),
		ResyncPending: h.resync.Load(),
	}
}
