package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

// counterState is a tiny device state for contract tests.
type counterState map[string]int

type counterIntegration struct {
	emitter *Emitter
	lastOld *counterState
}

func (c *counterIntegration) ID() string                      { return "counter" }
func (c *counterIntegration) Type() timeline.DeviceType       { return timeline.DeviceTypeAbstract }
func (c *counterIntegration) Init(context.Context) error      { return nil }
func (c *counterIntegration) Terminate(context.Context) error { c.emitter.Close(); return nil }
func (c *counterIntegration) Connected() bool                 { return true }
func (c *counterIntegration) Status() Status                  { return Status{Code: StatusGood} }
func (c *counterIntegration) Events() <-chan Event            { return c.emitter.Events() }

func (c *counterIntegration) SendCommand(_ context.Context, cmd Command) error {
	return NewCommandError(c.ID(), cmd, errors.New("unreachable"))
}

func (c *counterIntegration) ConvertState(state timeline.State, _ timeline.Mappings) (counterState, error) {
	out := counterState{}
	for layer := range state.Layers {
		out[layer] = 1
	}
	return out, nil
}

func (c *counterIntegration) DiffStates(old *counterState, next counterState, _ timeline.Mappings, _ int64) ([]Command, error) {
	c.lastOld = old
	var cmds []Command
	for layer := range next {
		if old == nil || (*old)[layer] != next[layer] {
			cmds = append(cmds, Command{Payload: layer, Context: "set " + layer})
		}
	}
	return cmds, nil
}

func TestAdapt_ErasesStateType(t *testing.T) {
	in := &counterIntegration{emitter: NewEmitter("counter", 0)}
	a := Adapt[counterState](in)

	state := timeline.State{Time: 1, Layers: map[string]timeline.ResolvedObject{"pgm": {ObjectID: "o"}}}
	next, err := a.ConvertState(state, nil)
	if err != nil {
		t.Fatalf("ConvertState() error = %v", err)
	}

	cmds, err := a.DiffStates(nil, next, nil, 1)
	if err != nil {
		t.Fatalf("DiffStates(nil) error = %v", err)
	}
	if in.lastOld != nil {
		t.Error("nil old state should reach the integration as nil")
	}
	if len(cmds) != 1 {
		t.Errorf("DiffStates(nil, S) returned %d commands, want 1", len(cmds))
	}

	cmds, err = a.DiffStates(next, next, nil, 1)
	if err != nil {
		t.Fatalf("DiffStates(S, S) error = %v", err)
	}
	if len(cmds) != 0 {
		t.Errorf("DiffStates(S, S) returned %d commands, want 0", len(cmds))
	}

	if _, err := a.DiffStates("wrong", next, nil, 1); !errors.Is(err, ErrStateType) {
		t.Errorf("DiffStates(wrong type) error = %v, want ErrStateType", err)
	}
	if _, err := a.DiffStates(nil, 42, nil, 1); !errors.Is(err, ErrStateType) {
		t.Errorf("DiffStates(next wrong type) error = %v, want ErrStateType", err)
	}
}

func TestCommandError(t *testing.T) {
	cause := errors.New("timeout")
	cmd := Command{Context: "added layer pgm", TimelineObjectID: "obj1"}

	err := NewCommandError("atem0", cmd, cause)

	if !errors.Is(err, ErrCommandFailed) {
		t.Error("errors.Is(err, ErrCommandFailed) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatal("errors.As(*CommandError) = false")
	}
	if ce.Command.TimelineObjectID != "obj1" || ce.DeviceID != "atem0" {
		t.Errorf("CommandError = %+v", ce)
	}

	if again := NewCommandError("other", Command{}, err); again != err {
		t.Error("NewCommandError re-wrapped an existing CommandError")
	}
	if NewCommandError("x", cmd, nil) != nil {
		t.Error("NewCommandError(nil) != nil")
	}
}

func TestEmitter(t *testing.T) {
	e := NewEmitter("dev1", 2)

	if !e.Info("one") || !e.StateDrift("me1") {
		t.Fatal("Emit() returned false with room in buffer")
	}
	if e.Warning("three") {
		t.Error("Emit() returned true with a full buffer")
	}
	if e.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", e.Dropped())
	}

	first := <-e.Events()
	if first.DeviceID != "dev1" || first.Type != EventInfo || first.Message != "one" {
		t.Errorf("first event = %+v", first)
	}
	second := <-e.Events()
	if second.Type != EventStateDrift || second.Address != "me1" {
		t.Errorf("second event = %+v", second)
	}

	e.Close()
	e.Close()
	if e.ResyncStates("late") {
		t.Error("Emit() after Close returned true")
	}
	if _, ok := <-e.Events(); ok {
		t.Error("event channel not closed")
	}
}

// warnRecorder captures Warn calls.
type warnRecorder struct {
	NoopLogger
	mu    sync.Mutex
	warns []string
}

func (w *warnRecorder) Warn(msg string, _ ...any) {
	w.mu.Lock()
	w.warns = append(w.warns, msg)
	w.mu.Unlock()
}

func (w *warnRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.warns)
}

func TestEmitter_DropIsLogged(t *testing.T) {
	logger := &warnRecorder{}
	e := NewEmitter("dev1", 1)
	e.SetLogger(logger)

	e.Info("fills the buffer")
	if e.StateDrift("me1") {
		t.Fatal("Emit() returned true with a full buffer")
	}
	if logger.count() != 1 {
		t.Errorf("Warn called %d times, want 1", logger.count())
	}

	// Emitting after Close is shutdown noise, not a lost event.
	<-e.Events()
	e.Close()
	e.Debug("late")
	if logger.count() != 1 {
		t.Errorf("Warn called %d times after Close, want 1", logger.count())
	}
}

func TestStatusCode_JSON(t *testing.T) {
	data, err := json.Marshal(Status{Code: StatusWarning, Messages: []string{"slow"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"code":"WARNING","messages":["slow"]}` {
		t.Errorf("Marshal(Status) = %s", data)
	}

	var s Status
	if err := json.Unmarshal([]byte(`{"code":"fatal"}`), &s); err != nil {
		t.Fatal(err)
	}
	if s.Code != StatusFatal || !s.Degraded() {
		t.Errorf("Unmarshal = %+v", s)
	}
	if err := json.Unmarshal([]byte(`{"code":"meh"}`), &s); err == nil {
		t.Error("Unmarshal(unknown code) error = nil")
	}
	if StatusCode(99).String() != "StatusCode(99)" {
		t.Errorf("String() = %s", StatusCode(99).String())
	}
}
