// Package mqttdevice controls equipment over MQTT.
//
// Every active timeline object publishes one message on its topic. When the
// object goes away a retained topic is cleared with an empty retained
// message. If the equipment reports back on a feedback topic, the reports
// feed a State Tracker; a report that contradicts what was last published
// raises a state drift event so the conductor resends the device state.
package mqttdevice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/clock"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/mqtt"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/tracker"
)

// DefaultFeedbackSuffix is appended to a command topic to form its feedback topic.
const DefaultFeedbackSuffix = "/state"

// Client is the broker connection used by the device.
// *mqtt.Client satisfies it.
type Client interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
	Close() error
}

// Dialer opens the broker connection.
type Dialer func(ctx context.Context) (Client, error)

// Options configures a Device.
type Options struct {
	ID     string
	Dial   Dialer
	Clock  clock.Clock
	Logger device.Logger

	// FeedbackTopic is a subscription filter for state reports, for
	// example "studio/lights/+/state". Empty disables read-back.
	FeedbackTopic string

	// FeedbackSuffix maps a report topic back to its command topic.
	// Defaults to DefaultFeedbackSuffix.
	FeedbackSuffix string

	// SettleDelay is passed to the State Tracker.
	SettleDelay time.Duration

	// RetryDelay is the first wait before redialing a broker that could
	// not be reached. It doubles up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// Redial defaults.
const (
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = time.Minute
)

// MappingOptions are the per-layer mapping options understood by the device.
type MappingOptions struct {
	// TopicPrefix is prepended to relative content topics.
	TopicPrefix string `json:"topic_prefix"`
}

// Message is the device state of one topic.
type Message struct {
	Payload    string `json:"payload"`
	QoS        byte   `json:"qos"`
	Retain     bool   `json:"retain"`
	Layer      string `json:"layer"`
	ObjectID   string `json:"objectId"`
	InstanceID string `json:"instanceId"`
}

// State is keyed by topic.
type State map[string]Message

// Publish is the command payload: one publish on one topic.
type Publish struct {
	Topic      string `json:"topic"`
	Payload    string `json:"payload"`
	QoS        byte   `json:"qos"`
	Retain     bool   `json:"retain"`
	InstanceID string `json:"instanceId,omitempty"`

	// Clear marks an empty retained publish removing a topic's state.
	Clear bool `json:"clear,omitempty"`
}

// Device is the MQTT integration.
type Device struct {
	opts    Options
	emitter *device.Emitter
	tracker *tracker.Tracker[string]
	logger  device.Logger

	mu         sync.RWMutex
	client     Client
	dialCtx    context.Context
	stopDial   context.CancelFunc
	retry      clock.Timer
	backoff    time.Duration
	terminated bool
}

var _ device.Integration[State] = (*Device)(nil)

// New creates an MQTT device. The connection is opened by Init.
func New(opts Options) *Device {
	if opts.Logger == nil {
		opts.Logger = device.NoopLogger{}
	}
	if opts.FeedbackSuffix == "" {
		opts.FeedbackSuffix = DefaultFeedbackSuffix
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = max(DefaultMaxRetryDelay, opts.RetryDelay)
	}

	d := &Device{
		opts:    opts,
		emitter: device.NewEmitter(opts.ID, 0),
		logger:  opts.Logger,
	}
	d.emitter.SetLogger(opts.Logger)
	d.tracker = tracker.New(tracker.Options[string]{
		Clock:       opts.Clock,
		SettleDelay: opts.SettleDelay,
		OnBlocked:   d.handleBlocked,
	})
	return d
}

// ID implements device.Lifecycle.
func (d *Device) ID() string { return d.opts.ID }

// Type implements device.Lifecycle.
func (d *Device) Type() timeline.DeviceType { return timeline.DeviceTypeMQTT }

// Events implements device.Lifecycle.
func (d *Device) Events() <-chan device.Event { return d.emitter.Events() }

// Tracker exposes the read-back tracker for diagnostics.
func (d *Device) Tracker() *tracker.Tracker[string] { return d.tracker }

// Init dials the broker and subscribes to the feedback topic. An
// unreachable broker is not fatal: the device reports BAD and keeps
// redialing in the background until it connects or is terminated.
func (d *Device) Init(ctx context.Context) error {
	if d.opts.Dial == nil {
		return fmt.Errorf("mqtt device %s: no dialer configured", d.opts.ID)
	}

	d.mu.Lock()
	d.dialCtx, d.stopDial = context.WithCancel(context.WithoutCancel(ctx))
	d.backoff = d.opts.RetryDelay
	d.mu.Unlock()

	if err := d.connect(ctx); err != nil {
		d.logger.Warn("mqtt broker unreachable, retrying",
			"device_id", d.opts.ID, "error", err, "retry_in", d.opts.RetryDelay.String())
		d.emitter.ConnectionChanged(false, d.Status())
		d.scheduleRetry()
	}
	return nil
}

// connect dials, wires the connection callbacks and subscribes to feedback.
func (d *Device) connect(ctx context.Context) error {
	client, err := d.opts.Dial(ctx)
	if err != nil {
		return fmt.Errorf("mqtt device %s: %w", d.opts.ID, err)
	}

	client.SetOnConnect(func() {
		d.logger.Info("mqtt device reconnected", "device_id", d.opts.ID)
		// Feedback from the previous session no longer applies.
		d.tracker.ClearState()
		d.emitter.ConnectionChanged(true, d.Status())
	})
	client.SetOnDisconnect(func(err error) {
		d.logger.Warn("mqtt device disconnected", "device_id", d.opts.ID, "error", err)
		d.emitter.ConnectionChanged(false, d.Status())
	})

	if d.opts.FeedbackTopic != "" {
		if err := client.Subscribe(ctx, d.opts.FeedbackTopic, 1, d.handleFeedback); err != nil {
			client.Close() //nolint:errcheck // best effort on failed connect
			return fmt.Errorf("mqtt device %s: subscribing to feedback: %w", d.opts.ID, err)
		}
	}

	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		client.Close() //nolint:errcheck // terminated while dialing
		return fmt.Errorf("mqtt device %s: %w", d.opts.ID, device.ErrNotInitialised)
	}
	d.client = client
	d.mu.Unlock()

	d.emitter.ConnectionChanged(true, d.Status())
	return nil
}

// scheduleRetry arms the next redial with exponential backoff.
func (d *Device) scheduleRetry() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.terminated {
		return
	}
	delay := d.backoff
	d.backoff = min(d.backoff*2, d.opts.MaxRetryDelay)
	d.retry = d.opts.Clock.AfterFunc(delay, d.redial)
}

func (d *Device) redial() {
	d.mu.RLock()
	ctx := d.dialCtx
	d.mu.RUnlock()

	if err := d.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("mqtt broker still unreachable", "device_id", d.opts.ID, "error", err)
		d.scheduleRetry()
		return
	}
	d.logger.Info("mqtt device connected after retry", "device_id", d.opts.ID)
}

// Terminate stops redialing and closes the broker connection.
func (d *Device) Terminate(_ context.Context) error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.terminated = true
	if d.retry != nil {
		d.retry.Stop()
		d.retry = nil
	}
	if d.stopDial != nil {
		d.stopDial()
	}
	d.mu.Unlock()

	d.tracker.ClearState()
	defer d.emitter.Close()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("mqtt device %s: closing: %w", d.opts.ID, err)
	}
	return nil
}

// Connected implements device.Lifecycle.
func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client != nil && d.client.IsConnected()
}

// Status implements device.Lifecycle. Blocked feedback addresses degrade
// the status to WARNING.
func (d *Device) Status() device.Status {
	if !d.Connected() {
		return device.Status{Code: device.StatusBad, Messages: []string{"not connected to broker"}}
	}
	var blocked []string
	for _, addr := range d.tracker.GetAllAddresses() {
		if d.tracker.IsBlocked(addr) {
			blocked = append(blocked, "state drift on "+addr)
		}
	}
	if len(blocked) > 0 {
		return device.Status{Code: device.StatusWarning, Messages: blocked}
	}
	return device.Status{Code: device.StatusGood}
}

// ConvertState implements device.Integration. When two layers publish on
// the same topic the layer sorting first wins.
func (d *Device) ConvertState(state timeline.State, mappings timeline.Mappings) (State, error) {
	layers := make([]string, 0, len(state.Layers))
	for layer := range state.Layers {
		layers = append(layers, layer)
	}
	sort.Strings(layers)

	out := make(State)
	for _, layer := range layers {
		mapping, ok := mappings[layer]
		if !ok || mapping.DeviceID != d.opts.ID {
			continue
		}
		obj := state.Layers[layer]
		content, ok := obj.Content.(timeline.MQTTPublishContent)
		if !ok {
			return nil, fmt.Errorf("%w: layer %s carries %T", device.ErrUnsupportedContent, layer, obj.Content)
		}
		opts, err := timeline.DecodeOptions[MappingOptions](mapping)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer, err)
		}

		topic := joinTopic(opts.TopicPrefix, content.Topic)
		if err := mqtt.ValidatePublishTopic(topic); err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer, err)
		}
		if _, taken := out[topic]; taken {
			d.logger.Warn("topic claimed by more than one layer",
				"device_id", d.opts.ID, "topic", topic, "layer", layer)
			continue
		}

		payload, err := encodePayload(content.Payload)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer, err)
		}
		out[topic] = Message{
			Payload:    payload,
			QoS:        content.QoS,
			Retain:     content.Retain,
			Layer:      layer,
			ObjectID:   obj.ObjectID,
			InstanceID: obj.Instance.ID,
		}
	}
	return out, nil
}

// DiffStates implements device.Integration.
func (d *Device) DiffStates(old *State, next State, _ timeline.Mappings, _ int64) ([]device.Command, error) {
	var prev State
	if old != nil {
		prev = *old
	}

	var cmds []device.Command
	for _, topic := range sortedTopics(next) {
		msg := next[topic]
		before, existed := prev[topic]
		if existed && before.Payload == msg.Payload && before.QoS == msg.QoS && before.Retain == msg.Retain {
			continue
		}
		verb := "publish"
		if existed {
			verb = "update"
		}
		cmds = append(cmds, device.Command{
			Payload: Publish{
				Topic:      topic,
				Payload:    msg.Payload,
				QoS:        msg.QoS,
				Retain:     msg.Retain,
				InstanceID: msg.InstanceID,
			},
			Context:          fmt.Sprintf("%s %s (layer %s)", verb, topic, msg.Layer),
			TimelineObjectID: msg.ObjectID,
			QueueID:          topic,
		})
	}
	for _, topic := range sortedTopics(prev) {
		before := prev[topic]
		if _, ok := next[topic]; ok || !before.Retain {
			continue
		}
		cmds = append(cmds, device.Command{
			Payload:          Publish{Topic: topic, QoS: before.QoS, Retain: true, Clear: true},
			Context:          fmt.Sprintf("clear %s (layer %s removed)", topic, before.Layer),
			TimelineObjectID: before.ObjectID,
			QueueID:          topic,
		})
	}
	return cmds, nil
}

// SendCommand implements device.Lifecycle.
func (d *Device) SendCommand(ctx context.Context, cmd device.Command) error {
	pub, ok := cmd.Payload.(Publish)
	if !ok {
		return device.NewCommandError(d.opts.ID, cmd,
			fmt.Errorf("%w: payload %T", device.ErrUnsupportedContent, cmd.Payload))
	}

	d.mu.RLock()
	client, dialing := d.client, d.dialCtx != nil && !d.terminated
	d.mu.RUnlock()
	if client == nil && !dialing {
		return device.NewCommandError(d.opts.ID, cmd, device.ErrNotInitialised)
	}
	if client == nil || !client.IsConnected() {
		return device.NewCommandError(d.opts.ID, cmd, device.ErrConnectionLost)
	}

	if d.tracksFeedback(pub.Topic) {
		d.tracker.UpdateExpectedState(pub.Topic, pub.Payload, pub.InstanceID)
	}

	if err := client.Publish(ctx, pub.Topic, []byte(pub.Payload), pub.QoS, pub.Retain); err != nil {
		return device.NewCommandError(d.opts.ID, cmd, err)
	}
	return nil
}

// tracksFeedback reports whether reports for topic arrive on the feedback filter.
func (d *Device) tracksFeedback(topic string) bool {
	return d.opts.FeedbackTopic != "" && mqtt.TopicMatches(d.opts.FeedbackTopic, topic+d.opts.FeedbackSuffix)
}

// handleFeedback receives state reports from the equipment.
func (d *Device) handleFeedback(topic string, payload []byte) error {
	address, ok := strings.CutSuffix(topic, d.opts.FeedbackSuffix)
	if !ok {
		return fmt.Errorf("feedback topic %q lacks suffix %q", topic, d.opts.FeedbackSuffix)
	}
	d.tracker.UpdateState(address, string(payload))
	return nil
}

// handleBlocked runs when reported state settles away from the expected one.
func (d *Device) handleBlocked(address string) {
	d.logger.Warn("state drift detected", "device_id", d.opts.ID, "topic", address)
	d.emitter.StateDrift(address)
}

func joinTopic(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(topic, "/")
}

// encodePayload renders content payloads: strings verbatim, anything else as JSON.
func encodePayload(v any) (string, error) {
	switch p := v.(type) {
	case nil:
		return "", nil
	case string:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("encoding payload: %w", err)
		}
		return string(data), nil
	}
}

func sortedTopics(s State) []string {
	topics := make([]string, 0, len(s))
	for topic := range s {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
