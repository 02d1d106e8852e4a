// Package httpsend drives equipment that is controlled by plain HTTP
// requests. A request is sent when a timeline object starts or its content
// changes; nothing is sent when an object ends.
package httpsend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

// DefaultTimeout bounds a single request when none is configured.
const DefaultTimeout = 5 * time.Second

// maxErrorBody is how much of a failing response is kept in the error.
const maxErrorBody = 512

// Options configures a Device.
type Options struct {
	ID string

	// BaseURL resolves relative request URLs.
	BaseURL string

	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Headers are added to every request; content headers win on conflict.
	Headers map[string]string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client

	Logger device.Logger
}

// Request is the device state of one layer.
type Request struct {
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Params     map[string]any    `json:"params,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	QueueID    string            `json:"queueId,omitempty"`
	Layer      string            `json:"layer"`
	ObjectID   string            `json:"objectId"`
	InstanceID string            `json:"instanceId"`
}

// State is keyed by layer.
type State map[string]Request

// Device is the HTTP request integration.
type Device struct {
	opts    Options
	base    *url.URL
	client  *http.Client
	emitter *device.Emitter
	logger  device.Logger

	mu          sync.Mutex
	initialised bool
	lastErr     error
}

var _ device.Integration[State] = (*Device)(nil)

// New creates an httpsend device. A malformed BaseURL is reported by Init.
func New(opts Options) *Device {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = device.NoopLogger{}
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	emitter := device.NewEmitter(opts.ID, 0)
	emitter.SetLogger(opts.Logger)
	return &Device{
		opts:    opts,
		client:  client,
		emitter: emitter,
		logger:  opts.Logger,
	}
}

// ID implements device.Lifecycle.
func (d *Device) ID() string { return d.opts.ID }

// Type implements device.Lifecycle.
func (d *Device) Type() timeline.DeviceType { return timeline.DeviceTypeHTTPSend }

// Events implements device.Lifecycle.
func (d *Device) Events() <-chan device.Event { return d.emitter.Events() }

// Init validates the base URL. HTTP is connectionless, so the device counts
// as connected from here on.
func (d *Device) Init(_ context.Context) error {
	if d.opts.BaseURL != "" {
		base, err := url.Parse(d.opts.BaseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return fmt.Errorf("httpsend device %s: invalid base url %q", d.opts.ID, d.opts.BaseURL)
		}
		d.base = base
	}

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

	d.client.CloseIdleConnections()
	d.emitter.Close()
	return nil
}

// Connected implements device.Lifecycle.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialised
}

// Status implements device.Lifecycle. The last request failing degrades the
// status to WARNING until a request succeeds.
func (d *Device) Status() device.Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case !d.initialised:
		return device.Status{Code: device.StatusBad, Messages: []string{"not initialised"}}
	case d.lastErr != nil:
		return device.Status{Code: device.StatusWarning, Messages: []string{"last request failed: " + d.lastErr.Error()}}
	default:
		return device.Status{Code: device.StatusGood}
	}
}

// ConvertState implements device.Integration.
func (d *Device) ConvertState(state timeline.State, mappings timeline.Mappings) (State, error) {
	out := make(State)
	for layer, obj := range state.Layers {
		mapping, ok := mappings[layer]
		if !ok || mapping.DeviceID != d.opts.ID {
			continue
		}
		content, ok := obj.Content.(timeline.HTTPRequestContent)
		if !ok {
			return nil, fmt.Errorf("%w: layer %s carries %T", device.ErrUnsupportedContent, layer, obj.Content)
		}
		method := strings.ToUpper(content.Method)
		if method == "" {
			method = http.MethodPost
		}
		out[layer] = Request{
			Method:     method,
			URL:        content.URL,
			Params:     content.Params,
			Headers:    content.Headers,
			QueueID:    content.QueueID,
			Layer:      layer,
			ObjectID:   obj.ObjectID,
			InstanceID: obj.Instance.ID,
		}
	}
	return out, nil
}

// DiffStates implements device.Integration. A request is (re)sent when its
// layer is new, its object instance changed, or its content changed.
func (d *Device) DiffStates(old *State, next State, _ timeline.Mappings, _ int64) ([]device.Command, error) {
	var prev State
	if old != nil {
		prev = *old
	}

	layers := make([]string, 0, len(next))
	for layer := range next {
		layers = append(layers, layer)
	}
	sort.Strings(layers)

	var cmds []device.Command
	for _, layer := range layers {
		req := next[layer]
		if before, ok := prev[layer]; ok && reflect.DeepEqual(before, req) {
			continue
		}
		cmds = append(cmds, device.Command{
			Payload:          req,
			Context:          fmt.Sprintf("%s %s (layer %s)", req.Method, req.URL, layer),
			TimelineObjectID: req.ObjectID,
			QueueID:          req.QueueID,
		})
	}
	return cmds, nil
}

// SendCommand implements device.Lifecycle.
func (d *Device) SendCommand(ctx context.Context, cmd device.Command) error {
	req, ok := cmd.Payload.(Request)
	if !ok {
		return device.NewCommandError(d.opts.ID, cmd,
			fmt.Errorf("%w: payload %T", device.ErrUnsupportedContent, cmd.Payload))
	}
	if !d.Connected() {
		return device.NewCommandError(d.opts.ID, cmd, device.ErrNotInitialised)
	}

	err := d.do(ctx, req)
	d.recordResult(err)
	if err != nil {
		return device.NewCommandError(d.opts.ID, cmd, err)
	}
	return nil
}

// do performs one request.
func (d *Device) do(ctx context.Context, req Request) error {
	target, err := d.resolveURL(req.URL)
	if err != nil {
		return err
	}

	var body io.Reader
	switch req.Method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		q := target.Query()
		for k, v := range req.Params {
			q.Set(k, fmt.Sprint(v))
		}
		target.RawQuery = q.Encode()
	default:
		if req.Params != nil {
			data, err := json.Marshal(req.Params)
			if err != nil {
				return fmt.Errorf("encoding params: %w", err)
			}
			body = bytes.NewReader(data)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range d.opts.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrConnectionLost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best effort detail
		return fmt.Errorf("%s %s: status %d: %s", req.Method, target.Redacted(), resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
	return nil
}

func (d *Device) resolveURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", raw, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if d.base == nil {
		return nil, fmt.Errorf("relative url %q without base url", raw)
	}
	return d.base.ResolveReference(u), nil
}

// recordResult updates the status and announces transitions.
func (d *Device) recordResult(err error) {
	d.mu.Lock()
	wasFailing := d.lastErr != nil
	d.lastErr = err
	d.mu.Unlock()

	switch {
	case err != nil && !wasFailing:
		d.logger.Warn("http request failed", "device_id", d.opts.ID, "error", err)
		d.emitter.Warning(err.Error())
	case err == nil && wasFailing:
		d.logger.Info("http requests recovered", "device_id", d.opts.ID)
		d.emitter.Info("requests succeeding again")
	}
}
