package conductor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/clock"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timedqueue"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

// fakeState maps layer to the active object id.
type fakeState map[string]string

// fakeDevice is an in-memory integration that records what it sends.
type fakeDevice struct {
	id      string
	emitter *device.Emitter

	mu          sync.Mutex
	connected   bool
	terminated  bool
	initErr     error
	convertErr  error
	failObject  string
	preliminary int64
	sent        []device.Command
	fullDiffs   int
}

var _ device.Integration[fakeState] = (*fakeDevice)(nil)

func newFakeDevice(id string) *fakeDevice {
	return &fakeDevice{id: id, emitter: device.NewEmitter(id, 0)}
}

func (d *fakeDevice) ID() string                { return d.id }
func (d *fakeDevice) Type() timeline.DeviceType { return timeline.DeviceTypeAbstract }
func (d *fakeDevice) Events() <-chan device.Event {
	return d.emitter.Events()
}

func (d *fakeDevice) Init(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initErr != nil {
		return d.initErr
	}
	d.connected = true
	return nil
}

func (d *fakeDevice) Terminate(context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.terminated = true
	d.mu.Unlock()
	d.emitter.Close()
	return nil
}

func (d *fakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) Status() device.Status {
	if d.Connected() {
		return device.Status{Code: device.StatusGood}
	}
	return device.Status{Code: device.StatusBad}
}

func (d *fakeDevice) ConvertState(state timeline.State, mappings timeline.Mappings) (fakeState, error) {
	d.mu.Lock()
	err := d.convertErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(fakeState)
	for layer, obj := range state.Layers {
		if _, ok := mappings[layer]; ok {
			out[layer] = obj.ObjectID
		}
	}
	return out, nil
}

func (d *fakeDevice) DiffStates(old *fakeState, next fakeState, _ timeline.Mappings, _ int64) ([]device.Command, error) {
	d.mu.Lock()
	prelim := d.preliminary
	var prev fakeState
	if old == nil {
		d.fullDiffs++
	} else {
		prev = *old
	}
	d.mu.Unlock()

	var cmds []device.Command
	for _, layer := range sortedKeys(next) {
		if prev[layer] != next[layer] {
			cmds = append(cmds, device.Command{
				Payload:          next[layer],
				Context:          "set " + layer + " " + next[layer],
				TimelineObjectID: next[layer],
				QueueID:          layer,
				PreliminaryMS:    prelim,
			})
		}
	}
	for _, layer := range sortedKeys(prev) {
		if _, ok := next[layer]; !ok {
			cmds = append(cmds, device.Command{
				Context:          "clear " + layer,
				TimelineObjectID: prev[layer],
				QueueID:          layer,
			})
		}
	}
	return cmds, nil
}

func (d *fakeDevice) SendCommand(_ context.Context, cmd device.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failObject != "" && cmd.TimelineObjectID == d.failObject {
		return device.NewCommandError(d.id, cmd, errors.New("rejected"))
	}
	d.sent = append(d.sent, cmd)
	return nil
}

func (d *fakeDevice) sentContexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	for i, cmd := range d.sent {
		out[i] = cmd.Context
	}
	return out
}

func (d *fakeDevice) fullDiffCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fullDiffs
}

func sortedKeys(s fakeState) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// recorder collects conductor events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ device.EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// switchableResolver fails while err is set.
type switchableResolver struct {
	mu  sync.Mutex
	err error
}

func (r *switchableResolver) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *switchableResolver) Resolve(ctx context.Context, objects []timeline.Object, at int64, lookahead time.Duration) (timeline.Resolution, error) {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return timeline.Resolution{}, err
	}
	return timeline.NewAbsoluteResolver().Resolve(ctx, objects, at, lookahead)
}

func object(id, layer string, start int64, end *int64) timeline.Object {
	return timeline.Object{
		ID:      id,
		Layer:   layer,
		Enable:  timeline.Enable{Start: start, End: end},
		Content: timeline.AbstractContent{},
	}
}

func ms(v int64) *int64 { return &v }

func mapTo(deviceID string, layers ...string) timeline.Mappings {
	m := make(timeline.Mappings)
	for _, l := range layers {
		m[l] = timeline.Mapping{DeviceID: deviceID}
	}
	return m
}

type fixture struct {
	clk      *clock.Fake
	resolver *switchableResolver
	c        *Conductor
	rec      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clk:      clock.NewFake(1000),
		resolver: &switchableResolver{},
		rec:      &recorder{},
	}
	f.c = New(Options{
		Clock:               f.clk,
		Resolver:            f.resolver,
		Lookahead:           10 * time.Second,
		IdleResolveInterval: time.Minute,
		RetryDelay:          time.Second,
	})
	f.c.AddObserver(f.rec)
	t.Cleanup(func() { f.c.Terminate(context.Background()) }) //nolint:errcheck // Test cleanup
	return f
}

func (f *fixture) addDevice(t *testing.T, d *fakeDevice, opts DeviceOptions) {
	t.Helper()
	if err := f.c.AddDevices(context.Background(), DeviceSpec{Adapter: device.Adapt[fakeState](d), Options: opts}); err != nil {
		t.Fatalf("AddDevices() error = %v", err)
	}
}

func (f *fixture) setTimeline(t *testing.T, objects ...timeline.Object) {
	t.Helper()
	if err := f.c.SetTimeline(objects); err != nil {
		t.Fatalf("SetTimeline() error = %v", err)
	}
}

// advance moves the clock and waits for the fired commands to finish.
func (f *fixture) advance(t *testing.T, to int64) {
	t.Helper()
	f.clk.Set(to)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.c.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
}

func (f *fixture) cycle(t *testing.T) {
	t.Helper()
	f.c.resolveCycle(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.c.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
}

func queuedTimes(t *testing.T, c *Conductor, id string) []int64 {
	t.Helper()
	entries, err := c.QueuedCommands(id)
	if err != nil {
		t.Fatalf("QueuedCommands() error = %v", err)
	}
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Time
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConductor_SchedulesLookaheadWindow(t *testing.T) {
	f := newFixture(t)
	dev := newFakeDevice("dev1")
	f.addDevice(t, dev, DeviceOptions{})
	f.c.SetMappings(mapTo("dev1", "pgm"))
	f.setTimeline(t,
		object("a", "pgm", 2000, ms(5000)),
		object("b", "pgm", 5000, nil),
	)

	f.cycle(t)

	if got := queuedTimes(t, f.c, "dev1"); !equalInts(got, []int64{2000, 5000}) {
		t.Fatalf("queued times = %v, want [2000 5000]", got)
	}
	if got := dev.fullDiffCount(); got != 1 {
		t.Errorf("full diffs = %d, want 1 (first cycle resyncs)", got)
	}
	if got := f.c.NextResolve(); got != 1000+time.Minute.Milliseconds() {
		t.Errorf("NextResolve() = %d, want idle interval", got)
	}

	f.advance(t, 6000)

	want := []string{"set pgm a", "set pgm b"}
	if got := dev.sentContexts(); !equalStrings(got, want) {
		t.Errorf("sent = %v, want %v", got, want)
	}
	if reports := f.rec.ofType(EventCommandReport); len(reports) != 2 {
		t.Errorf("command reports = %d, want 2", len(reports))
	}
	resolved := f.rec.ofType(EventResolved)
	if len(resolved) != 1 || resolved[0].Cycle.States != 3 || resolved[0].Cycle.Commands != 2 {
		t.Errorf("resolved events = %+v, want one cycle with 3 states and 2 commands", resolved)
	}
}

func TestConductor_ReresolveUsesCachedState(t *testing.T) {
	f := newFixture(t)
	dev := newFakeDevice("dev1")
	f.addDevice(t, dev, DeviceOptions{})
	f.c.SetMappings(mapTo("dev1", "pgm"))
	f.setTimeline(t,
		object("a", "pgm", 2000, ms(5000)),
		object("b", "pgm", 5000, nil),
	)

	f.cycle(t)
	f.advance(t, 2500)
	f.cycle(t)

	if got := queuedTimes(t, f.c, "dev1"); !equalInts(got, []int64{5000}) {
		t.Errorf("queued times = %v, want [5000]", got)
	}
	if got := dev.sentContexts(); !equalStrings(got, []string{"set pgm a"}) {
		t.Errorf("sent = %v, want only the first command", got)
	}
	if got := dev.fullDiffCount(); got != 1 {
		t.Errorf("full diffs = %d, want 1", got)
	}

	t.Run("resync diffs against unknown state", func(t *testing.T) {
		if err := f.c.ResyncStates("dev1"); err != nil {
			t.Fatalf("ResyncStates() error = %v", err)
		}
		if info, _ := f.c.Device("dev1"); !info.ResyncPending {
			t.Error("ResyncPending = false after ResyncStates")
		}
		f.cycle(t)

		if got := dev.fullDiffCount(); got != 2 {
			t.Errorf("full diffs = %d, want 2", got)
		}
		want := []string{"set pgm a", "set pgm a"}
		if got := dev.sentContexts(); !equalStrings(got, want) {
			t.Errorf("sent = %v, want %v", got, want)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		if err := f.c.ResyncStates("nope"); !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("ResyncStates() error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestConductor_ResetResolverResyncsEveryDevice(t *testing.T) {
	f := newFixture(t)
	d1 := newFakeDevice("dev1")
	d2 := newFakeDevice("dev2")
	f.addDevice(t, d1, DeviceOptions{})
	f.addDevice(t, d2, DeviceOptions{})
	m := mapTo("dev1", "a")
	m["b"] = timeline.Mapping{DeviceID: "dev2"}
	f.c.SetMappings(m)
	f.setTimeline(t, object("x", "a", 500, nil), object("y", "b", 500, nil))

	f.cycle(t)
	f.c.ResetResolver()
	f.cycle(t)

	for _, d := range []*fakeDevice{d1, d2} {
		if got := d.fullDiffCount(); got != 2 {
			t.Errorf("%s full diffs = %d, want 2", d.id, got)
		}
		if got := len(d.sentContexts()); got != 2 {
			t.Errorf("%s sent %d commands, want 2", d.id, got)
		}
	}
}

func TestConductor_MappingChangeRemovesLayer(t *testing.T) {
	f := newFixture(t)
	dev := newFakeDevice("dev1")
	f.addDevice(t, dev, DeviceOptions{})
	f.c.SetMappings(mapTo("dev1", "pgm"))
	f.setTimeline(t, object("a", "pgm", 500, nil))

	f.cycle(t)
	f.c.SetMappings(timeline.Mappings{})
	f.cycle(t)

	want := []string{"set pgm a", "clear pgm"}
	if got := dev.sentContexts(); !equalStrings(got, want) {
		t.Errorf("sent = %v, want %v", got, want)
	}
	if got := dev.fullDiffCount(); got != 1 {
		t.Errorf("full diffs = %d, want 1 (mapping change keeps the cache)", got)
	}
}

func TestConductor_PreliminaryCommands(t *testing.T) {
	tests := []struct {
		name      string
		start     int64
		want      int64
		immediate bool
	}{
		{name: "moved earlier", start: 3000, want: 2500},
		{name: "never before now", start: 1200, want: 1000, immediate: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			dev := newFakeDevice("dev1")
			dev.preliminary = 500
			f.addDevice(t, dev, DeviceOptions{})
			f.c.SetMappings(mapTo("dev1", "pgm"))
			f.setTimeline(t, object("a", "pgm", tt.start, nil))

			f.cycle(t)

			if !tt.immediate {
				if got := queuedTimes(t, f.c, "dev1"); !equalInts(got, []int64{tt.want}) {
					t.Errorf("queued times = %v, want [%d]", got, tt.want)
				}
				return
			}
			reports := f.rec.ofType(EventCommandReport)
			if len(reports) != 1 {
				t.Fatalf("reports = %d, want 1", len(reports))
			}
			if got := reports[0].Report.Planned; got != tt.want {
				t.Errorf("planned = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConductor_ReresolveInsidePreliminaryWindow(t *testing.T) {
	setup := func(t *testing.T) (*fixture, *fakeDevice) {
		t.Helper()
		f := newFixture(t)
		dev := newFakeDevice("dev1")
		dev.preliminary = 500
		f.addDevice(t, dev, DeviceOptions{})
		f.c.SetMappings(mapTo("dev1", "pgm"))
		f.setTimeline(t, object("a", "pgm", 3000, nil))
		f.cycle(t)
		f.advance(t, 2600)
		return f, dev
	}

	t.Run("unchanged timeline sends once", func(t *testing.T) {
		f, dev := setup(t)
		f.cycle(t)
		f.advance(t, 3100)

		if got := dev.sentContexts(); !equalStrings(got, []string{"set pgm a"}) {
			t.Errorf("sent = %v, want a single set pgm a", got)
		}
		if got := dev.fullDiffCount(); got != 1 {
			t.Errorf("full diffs = %d, want 1", got)
		}
	})

	t.Run("changed object replaces the sent one", func(t *testing.T) {
		f, dev := setup(t)
		f.setTimeline(t, object("b", "pgm", 3000, nil))
		f.cycle(t)
		f.advance(t, 3100)

		want := []string{"set pgm a", "set pgm b"}
		if got := dev.sentContexts(); !equalStrings(got, want) {
			t.Errorf("sent = %v, want %v", got, want)
		}
	})

	t.Run("removed object is cleared now", func(t *testing.T) {
		f, dev := setup(t)
		f.setTimeline(t)
		f.cycle(t)

		want := []string{"set pgm a", "clear pgm"}
		if got := dev.sentContexts(); !equalStrings(got, want) {
			t.Errorf("sent = %v, want %v", got, want)
		}
		if got := queuedTimes(t, f.c, "dev1"); len(got) != 0 {
			t.Errorf("queued = %v, want nothing", got)
		}
	})
}

func TestConductor_SendFailureIsReportedNotRetried(t *testing.T) {
	f := newFixture(t)
	dev := newFakeDevice("dev1")
	dev.failObject = "a"
	f.addDevice(t, dev, DeviceOptions{SendMode: timedqueue.SendModeInOrder})
	f.c.SetMappings(mapTo("dev1", "pgm", "aux"))
	f.setTimeline(t,
		object("a", "pgm", 2000, nil),
		object("b", "aux", 3000, nil),
	)

	f.cycle(t)
	f.advance(t, 4000)

	if got := dev.sentContexts(); !equalStrings(got, []string{"set aux b"}) {
		t.Errorf("sent = %v, want the queue to continue after the failure", got)
	}

	errs := f.rec.ofType(device.EventCommandError)
	if len(errs) != 1 {
		t.Fatalf("command errors = %d, want 1", len(errs))
	}
	ev := errs[0]
	if !errors.Is(ev.Err, device.ErrCommandFailed) {
		t.Errorf("error = %v, want ErrCommandFailed", ev.Err)
	}
	if ev.Command == nil || ev.Command.TimelineObjectID != "a" {
		t.Errorf("command = %+v, want the failed command", ev.Command)
	}
	if ev.DeviceID != "dev1" {
		t.Errorf("DeviceID = %q, want dev1", ev.DeviceID)
	}

	f.cycle(t)
	f.advance(t, 5000)
	if got := len(f.rec.ofType(device.EventCommandError)); got != 1 {
		t.Errorf("command errors after re-resolve = %d, want 1 (no retry)", got)
	}
}

func TestConductor_ResolutionFailureKeepsCache(t *testing.T) {
	f := newFixture(t)
	dev := newFakeDevice("dev1")
	f.addDevice(t, dev, DeviceOptions{})
	f.c.SetMappings(mapTo("dev1", "pgm"))
	f.setTimeline(t, object("a", "pgm", 500, nil))

	f.cycle(t)

	f.resolver.setErr(errors.New("boom"))
	f.cycle(t)

	failures := f.rec.ofType(EventResolutionFailed)
	if len(failures) != 1 {
		t.Fatalf("resolution failures = %d, want 1", len(failures))
	}
	if !errors.Is(failures[0].Err, ErrResolutionFailed) {
		t.Errorf("error = %v, want ErrResolutionFailed", failures[0].Err)
	}
	if got := f.c.NextResolve(); got != 2000 {
		t.Errorf("NextResolve() = %d, want retry at 2000", got)
	}
	if got := f.c.Cycles(); got != 1 {
		t.Errorf("Cycles() = %d, want 1", got)
	}

	f.resolver.setErr(nil)
	f.cycle(t)

	if got := dev.fullDiffCount(); got != 1 {
		t.Errorf("full diffs = %d, want 1 (cache kept)", got)
	}
	if got := dev.sentContexts(); !equalStrings(got, []string{"set pgm a"}) {
		t.Errorf("sent = %v, want no resend", got)
	}
}

func TestConductor_DeviceErrorIsContained(t *testing.T) {
	f := newFixture(t)
	broken := newFakeDevice("dev1")
	broken.convertErr = errors.New("bad content")
	healthy := newFakeDevice("dev2")
	f.addDevice(t, broken, DeviceOptions{})
	f.addDevice(t, healthy, DeviceOptions{})
	m := mapTo("dev1", "a")
	m["b"] = timeline.Mapping{DeviceID: "dev2"}
	f.c.SetMappings(m)
	f.setTimeline(t, object("x", "a", 3000, nil), object("y", "b", 3000, nil))

	f.cycle(t)

	if got := len(f.rec.ofType(EventDeviceError)); got != 1 {
		t.Errorf("device errors = %d, want 1", got)
	}
	info, err := f.c.Device("dev1")
	if err != nil {
		t.Fatalf("Device() error = %v", err)
	}
	if !info.ResyncPending {
		t.Error("failed device should be resynced next cycle")
	}
	if got := queuedTimes(t, f.c, "dev2"); !equalInts(got, []int64{3000}) {
		t.Errorf("dev2 queued = %v, want [3000]", got)
	}
	if got := f.c.NextResolve(); got != 2000 {
		t.Errorf("NextResolve() = %d, want retry at 2000", got)
	}
}

func TestConductor_RearmsBeforeNextBoundary(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, newFakeDevice("dev1"), DeviceOptions{})
	f.c.SetMappings(mapTo("dev1", "pgm"))
	f.setTimeline(t, object("late", "pgm", 20000, nil))

	f.cycle(t)

	if got := f.c.NextResolve(); got != 10000 {
		t.Errorf("NextResolve() = %d, want 10000 (boundary minus lookahead)", got)
	}
	if got := queuedTimes(t, f.c, "dev1"); len(got) != 0 {
		t.Errorf("queued = %v, want nothing outside the window", got)
	}
}

func TestConductor_DeviceEvents(t *testing.T) {
	f := newFixture(t)
	dev := newFakeDevice("dev1")
	f.addDevice(t, dev, DeviceOptions{})
	f.cycle(t)

	dev.emitter.StateDrift("me1")
	waitFor(t, "state drift event", func() bool {
		return len(f.rec.ofType(device.EventStateDrift)) == 1
	})

	info, _ := f.c.Device("dev1")
	if !info.ResyncPending {
		t.Error("state drift should schedule a resync")
	}
	if got := f.rec.ofType(device.EventStateDrift)[0].Address; got != "me1" {
		t.Errorf("Address = %q, want me1", got)
	}

	dev.emitter.Info("hello")
	waitFor(t, "info event", func() bool {
		evs := f.rec.ofType(device.EventInfo)
		return len(evs) == 1 && evs[0].Message == "hello" && evs[0].DeviceID == "dev1"
	})
}

func TestConductor_QueueCallbacks(t *testing.T) {
	f := newFixture(t)
	cmd := device.Command{Context: "set pgm a", TimelineObjectID: "a", QueueID: "pgm"}

	f.c.onSlow("dev1", timedqueue.Report{Entry: timedqueue.Entry{Time: 1000, QueueID: "pgm"}, Start: 1060})
	slow := f.rec.ofType(device.EventSlowCommand)
	if len(slow) != 1 || slow[0].Slow == nil {
		t.Fatalf("slow events = %+v", slow)
	}
	if s := slow[0].Slow; s.PlannedTime != 1000 || s.ActualSendTime != 1060 || s.QueueID != "pgm" {
		t.Errorf("slow = %+v", s)
	}

	cause := device.NewCommandError("dev1", cmd, errors.New("nack"))
	f.c.onCommandError("dev1", timedqueue.Report{Entry: timedqueue.Entry{Time: 1000, Payload: cmd}, Err: cause})
	errs := f.rec.ofType(device.EventCommandError)
	if len(errs) != 1 || errs[0].Command == nil || errs[0].Command.Context != "set pgm a" {
		t.Errorf("command error events = %+v", errs)
	}

	f.c.onReport("dev1", timedqueue.Report{Entry: timedqueue.Entry{ID: "x", Time: 1000, QueueID: "pgm", Payload: cmd}, Start: 1001, End: 1003})
	reports := f.rec.ofType(EventCommandReport)
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	r := reports[0].Report
	if r.ActionID != "x" || r.Context != "set pgm a" || r.TimelineObjectID != "a" || r.ErrorText() != "" {
		t.Errorf("report = %+v", r)
	}
}

func TestConductor_AddDevices(t *testing.T) {
	f := newFixture(t)
	good := newFakeDevice("good")
	bad := newFakeDevice("bad")
	bad.initErr = errors.New("no such host")

	err := f.c.AddDevices(context.Background(),
		DeviceSpec{Adapter: device.Adapt[fakeState](good)},
		DeviceSpec{Adapter: device.Adapt[fakeState](bad)},
		DeviceSpec{},
	)
	if !errors.Is(err, bad.initErr) {
		t.Errorf("AddDevices() error = %v, want init error", err)
	}
	if !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("AddDevices() error = %v, want ErrInvalidDevice", err)
	}

	devices := f.c.Devices()
	if len(devices) != 1 || devices[0].ID != "good" {
		t.Fatalf("Devices() = %+v, want only good", devices)
	}
	if !devices[0].Connected || devices[0].Status.Code != device.StatusGood {
		t.Errorf("good device info = %+v", devices[0])
	}
	bad.mu.Lock()
	terminated := bad.terminated
	bad.mu.Unlock()
	if !terminated {
		t.Error("device with failed Init was not terminated")
	}

	err = f.c.AddDevices(context.Background(), DeviceSpec{Adapter: device.Adapt[fakeState](newFakeDevice("good"))})
	if !errors.Is(err, ErrDeviceExists) {
		t.Errorf("duplicate AddDevices() error = %v, want ErrDeviceExists", err)
	}

	if err := f.c.RemoveDevice(context.Background(), "good"); err != nil {
		t.Errorf("RemoveDevice() error = %v", err)
	}
	if err := f.c.RemoveDevice(context.Background(), "good"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second RemoveDevice() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestConductor_SetTimelineValidates(t *testing.T) {
	f := newFixture(t)
	f.setTimeline(t, object("a", "pgm", 500, nil))

	err := f.c.SetTimeline([]timeline.Object{object("a", "pgm", 1, nil), object("a", "aux", 2, nil)})
	if !errors.Is(err, timeline.ErrInvalidTimeline) {
		t.Errorf("SetTimeline() error = %v, want ErrInvalidTimeline", err)
	}
	if got := f.c.Timeline(); len(got) != 1 || got[0].ID != "a" || got[0].Layer != "pgm" {
		t.Errorf("Timeline() = %+v, want previous timeline kept", got)
	}
}

func TestConductor_Run(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, newFakeDevice("dev1"), DeviceOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.c.Run(ctx) }()

	waitFor(t, "first cycle", func() bool { return len(f.rec.ofType(EventResolved)) >= 1 })

	if err := f.c.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}

	before := len(f.rec.ofType(EventResolved))
	f.setTimeline(t, object("a", "pgm", 5000, nil))
	waitFor(t, "cycle after timeline change", func() bool { return len(f.rec.ofType(EventResolved)) > before })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if got := f.c.Phase(); got != PhaseIdle {
		t.Errorf("Phase() = %v, want idle", got)
	}
}

func TestConductor_Terminate(t *testing.T) {
	f := newFixture(t)
	dev := newFakeDevice("dev1")
	f.addDevice(t, dev, DeviceOptions{})

	if err := f.c.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if dev.Connected() {
		t.Error("device still connected after Terminate")
	}
	if got := len(f.c.Devices()); got != 0 {
		t.Errorf("Devices() = %d, want 0", got)
	}
	if err := f.c.AddDevices(context.Background(), DeviceSpec{Adapter: device.Adapt[fakeState](newFakeDevice("x"))}); !errors.Is(err, ErrTerminated) {
		t.Errorf("AddDevices() after Terminate error = %v, want ErrTerminated", err)
	}
	if err := f.c.Terminate(context.Background()); err != nil {
		t.Errorf("second Terminate() error = %v", err)
	}
}

func TestResolveWindow(t *testing.T) {
	c := New(Options{Clock: clock.NewFake(0), Lookahead: 1000 * time.Millisecond})

	tests := []struct {
		name       string
		objects    []timeline.Object
		wantTimes  []int64
		wantNext   *int64
		wantErrNil bool
	}{
		{
			name:       "empty timeline",
			wantTimes:  []int64{100},
			wantErrNil: true,
		},
		{
			name:       "events inside and beyond the window",
			objects:    []timeline.Object{object("a", "l", 300, ms(700)), object("b", "l", 5000, nil)},
			wantTimes:  []int64{100, 300, 700},
			wantNext:   ms(5000),
			wantErrNil: true,
		},
		{
			name:       "event exactly at window end",
			objects:    []timeline.Object{object("a", "l", 1100, nil)},
			wantTimes:  []int64{100, 1100},
			wantErrNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states, next, err := c.resolveWindow(context.Background(), tt.objects, 100)
			if (err == nil) != tt.wantErrNil {
				t.Fatalf("resolveWindow() error = %v", err)
			}
			got := make([]int64, len(states))
			for i, s := range states {
				got[i] = s.Time
			}
			if !equalInts(got, tt.wantTimes) {
				t.Errorf("state times = %v, want %v", got, tt.wantTimes)
			}
			switch {
			case tt.wantNext == nil && next != nil:
				t.Errorf("next = %d, want nil", *next)
			case tt.wantNext != nil && (next == nil || *next != *tt.wantNext):
				t.Errorf("next = %v, want %d", next, *tt.wantNext)
			}
		})
	}
}
