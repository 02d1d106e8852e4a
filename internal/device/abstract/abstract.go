// Package abstract is a device that performs no I/O. It turns timeline
// changes into added/changed/removed commands and records what it "sent",
// which makes it useful for rehearsals and as a template for integrations.
package abstract

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

// Entry is the device state of one layer.
type Entry struct {
	ObjectID string         `json:"objectId"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// State is keyed by layer.
type State map[string]Entry

// Command kinds.
const (
	KindAdded   = "added"
	KindChanged = "changed"
	KindRemoved = "removed"
)

// Payload is the command payload sent by the abstract device.
type Payload struct {
	Kind    string         `json:"kind"`
	Layer   string         `json:"layer"`
	Content map[string]any `json:"content,omitempty"`
}

// Device is the abstract integration.
type Device struct {
	id      string
	emitter *device.Emitter
	logger  device.Logger

	mu          sync.Mutex
	initialised bool
	sent        []device.Command
}

var _ device.Integration[State] = (*Device)(nil)

// New creates an abstract device.
func New(id string, logger device.Logger) *Device {
	if logger == nil {
		logger = device.NoopLogger{}
	}
	emitter := device.NewEmitter(id, 0)
	emitter.SetLogger(logger)
	return &Device{
		id:      id,
		emitter: emitter,
		logger:  logger,
	}
}

// ID implements device.Lifecycle.
func (d *Device) ID() string { return d.id }

// Type implements device.Lifecycle.
func (d *Device) Type() timeline.DeviceType { return timeline.DeviceTypeAbstract }

// Init implements device.Lifecycle.
func (d *Device) Init(_ context.Context) error {
	d.mu.Lock()
	d.initialised = true
	d.mu.Unlock()

	d.emitter.ConnectionChanged(true, d.Status())
	return nil
}

// Terminate implements device.Lifecycle.
func (d *Device) Terminate(_ context.Context) error {
	d.mu.Lock()
	d.initialised = false
	d.mu.Unlock()

	d.emitter.Close()
	return nil
}

// Connected implements device.Lifecycle.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialised
}

// Status implements device.Lifecycle.
func (d *Device) Status() device.Status {
	if d.Connected() {
		return device.Status{Code: device.StatusGood}
	}
	return device.Status{Code: device.StatusBad, Messages: []string{"not initialised"}}
}

// Events implements device.Lifecycle.
func (d *Device) Events() <-chan device.Event { return d.emitter.Events() }

// ConvertState implements device.Integration.
func (d *Device) ConvertState(state timeline.State, mappings timeline.Mappings) (State, error) {
	out := make(State)
	for layer, obj := range state.Layers {
		mapping, ok := mappings[layer]
		if !ok || mapping.DeviceID != d.id {
			continue
		}
		content, ok := obj.Content.(timeline.AbstractContent)
		if !ok {
			return nil, fmt.Errorf("%w: layer %s carries %T", device.ErrUnsupportedContent, layer, obj.Content)
		}
		out[layer] = Entry{ObjectID: obj.ObjectID, Payload: content.Payload}
	}
	return out, nil
}

// DiffStates implements device.Integration. Commands are ordered by layer
// name: additions and changes first, then removals.
func (d *Device) DiffStates(old *State, next State, _ timeline.Mappings, _ int64) ([]device.Command, error) {
	var prev State
	if old != nil {
		prev = *old
	}

	var cmds []device.Command
	for _, layer := range sortedLayers(next) {
		entry := next[layer]
		before, existed := prev[layer]
		switch {
		case !existed:
			cmds = append(cmds, command(KindAdded, layer, entry))
		case before.ObjectID != entry.ObjectID || !reflect.DeepEqual(before.Payload, entry.Payload):
			cmds = append(cmds, command(KindChanged, layer, entry))
		}
	}
	for _, layer := range sortedLayers(prev) {
		if _, ok := next[layer]; !ok {
			cmds = append(cmds, command(KindRemoved, layer, prev[layer]))
		}
	}
	return cmds, nil
}

// SendCommand implements device.Lifecycle.
func (d *Device) SendCommand(_ context.Context, cmd device.Command) error {
	d.mu.Lock()
	if !d.initialised {
		d.mu.Unlock()
		return device.NewCommandError(d.id, cmd, device.ErrNotInitialised)
	}
	d.sent = append(d.sent, cmd)
	d.mu.Unlock()

	d.logger.Debug("abstract command", "device_id", d.id, "context", cmd.Context)
	d.emitter.Info(cmd.Context)
	return nil
}

// Sent returns a copy of every command sent so far.
func (d *Device) Sent() []device.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]device.Command, len(d.sent))
	copy(out, d.sent)
	return out
}

func command(kind, layer string, e Entry) device.Command {
	return device.Command{
		Payload:          Payload{Kind: kind, Layer: layer, Content: e.Payload},
		Context:          kind + " layer " + layer,
		TimelineObjectID: e.ObjectID,
	}
}

func sortedLayers(s State) []string {
	layers := make([]string, 0, len(s))
	for layer := range s {
		layers = append(layers, layer)
	}
	sort.Strings(layers)
	return layers
}
