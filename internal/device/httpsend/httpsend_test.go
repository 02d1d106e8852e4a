package httpsend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

type seenRequest struct {
	method string
	path   string
	query  string
	body   string
	header http.Header
}

// recordingServer captures every request and answers with status.
type recordingServer struct {
	mu     sync.Mutex
	seen   []seenRequest
	status int
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
	s.mu.Lock()
	s.seen = append(s.seen, seenRequest{r.Method, r.URL.Path, r.URL.RawQuery, string(body), r.Header.Clone()})
	status := s.status
	s.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte("playout says no")) //nolint:errcheck // test server
}

func (s *recordingServer) requests() []seenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]seenRequest, len(s.seen))
	copy(out, s.seen)
	return out
}

func (s *recordingServer) setStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func newTestDevice(t *testing.T) (*Device, *recordingServer) {
	t.Helper()
	rec := &recordingServer{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	d := New(Options{
		ID:      "playout",
		BaseURL: srv.URL + "/api/",
		Headers: map[string]string{"X-Station": "studio-a"},
	})
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { d.Terminate(context.Background()) }) //nolint:errcheck // Test cleanup

	<-d.Events() // connection changed
	return d, rec
}

func TestConvertAndDiff(t *testing.T) {
	d := New(Options{ID: "playout"})
	mappings := timeline.Mappings{"clip": {DeviceID: "playout"}, "other": {DeviceID: "x"}}

	state := func(instance string, params map[string]any) timeline.State {
		return timeline.State{Layers: map[string]timeline.ResolvedObject{
			"clip": {
				ObjectID: "clip1",
				Content:  timeline.HTTPRequestContent{Method: "put", URL: "clips/1", Params: params, QueueID: "clips"},
				Instance: timeline.Instance{ID: instance},
			},
			"other": {ObjectID: "o", Content: timeline.AbstractContent{}},
		}}
	}

	first, err := d.ConvertState(state("clip1@0", map[string]any{"play": true}), mappings)
	if err != nil {
		t.Fatalf("ConvertState() error = %v", err)
	}
	if len(first) != 1 || first["clip"].Method != http.MethodPut {
		t.Fatalf("ConvertState() = %+v", first)
	}

	cmds, err := d.DiffStates(nil, first, mappings, 0)
	if err != nil || len(cmds) != 1 {
		t.Fatalf("DiffStates(nil) = %v, %v; want one command", cmds, err)
	}
	if cmds[0].QueueID != "clips" || cmds[0].TimelineObjectID != "clip1" {
		t.Errorf("command = %+v", cmds[0])
	}

	convert := func(instance string) State {
		t.Helper()
		s, err := d.ConvertState(state(instance, map[string]any{"play": true}), mappings)
		if err != nil {
			t.Fatalf("ConvertState() error = %v", err)
		}
		return s
	}
	diff := func(next State) int {
		t.Helper()
		cmds, err := d.DiffStates(&first, next, mappings, 0)
		if err != nil {
			t.Fatalf("DiffStates() error = %v", err)
		}
		return len(cmds)
	}

	if n := diff(convert("clip1@0")); n != 0 {
		t.Errorf("DiffStates(unchanged) = %d commands, want 0", n)
	}
	if n := diff(convert("clip1@5000")); n != 1 {
		t.Errorf("DiffStates(new instance) = %d commands, want 1", n)
	}
	if n := diff(State{}); n != 0 {
		t.Errorf("DiffStates(removed) = %d commands, want 0", n)
	}
}

func TestSendCommand(t *testing.T) {
	d, rec := newTestDevice(t)
	ctx := context.Background()

	post := device.Command{Payload: Request{
		Method:  http.MethodPost,
		URL:     "clips/1/play",
		Params:  map[string]any{"loop": false},
		Headers: map[string]string{"X-Station": "override"},
	}}
	get := device.Command{Payload: Request{Method: http.MethodGet, URL: "status", Params: map[string]any{"verbose": 1}}}

	for _, cmd := range []device.Command{post, get} {
		if err := d.SendCommand(ctx, cmd); err != nil {
			t.Fatalf("SendCommand() error = %v", err)
		}
	}

	seen := rec.requests()
	if len(seen) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(seen))
	}

	if seen[0].method != http.MethodPost || seen[0].path != "/api/clips/1/play" {
		t.Errorf("first request = %s %s", seen[0].method, seen[0].path)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(seen[0].body), &body); err != nil || body["loop"] != false {
		t.Errorf("POST body = %q (%v)", seen[0].body, err)
	}
	if got := seen[0].header.Get("X-Station"); got != "override" {
		t.Errorf("X-Station = %q, want content header to win", got)
	}
	if got := seen[0].header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	if seen[1].method != http.MethodGet || seen[1].query != "verbose=1" || seen[1].body != "" {
		t.Errorf("second request = %+v", seen[1])
	}
	if got := seen[1].header.Get("X-Station"); got != "studio-a" {
		t.Errorf("X-Station = %q, want device header", got)
	}
}

func TestFailureDegradesStatus(t *testing.T) {
	d, rec := newTestDevice(t)
	ctx := context.Background()
	cmd := device.Command{Payload: Request{Method: http.MethodPost, URL: "take"}, Context: "take"}

	rec.setStatus(http.StatusServiceUnavailable)
	err := d.SendCommand(ctx, cmd)
	var cmdErr *device.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Command.Context != "take" {
		t.Fatalf("SendCommand() error = %v, want CommandError for take", err)
	}
	if st := d.Status(); st.Code != device.StatusWarning {
		t.Errorf("Status() = %+v, want WARNING", st)
	}
	if ev := <-d.Events(); ev.Type != device.EventWarning {
		t.Errorf("event = %+v, want warning", ev)
	}

	rec.setStatus(http.StatusOK)
	if err := d.SendCommand(ctx, cmd); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if st := d.Status(); st.Code != device.StatusGood {
		t.Errorf("Status() = %+v, want GOOD", st)
	}
	if ev := <-d.Events(); ev.Type != device.EventInfo {
		t.Errorf("event = %+v, want info", ev)
	}
}

func TestSendCommandErrors(t *testing.T) {
	ctx := context.Background()

	d := New(Options{ID: "playout"})
	if err := d.SendCommand(ctx, device.Command{Payload: Request{URL: "http://x"}}); !errors.Is(err, device.ErrNotInitialised) {
		t.Errorf("before Init = %v, want ErrNotInitialised", err)
	}
	if err := d.SendCommand(ctx, device.Command{Payload: 42}); !errors.Is(err, device.ErrUnsupportedContent) {
		t.Errorf("bad payload = %v, want ErrUnsupportedContent", err)
	}

	if err := d.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := d.SendCommand(ctx, device.Command{Payload: Request{Method: http.MethodPost, URL: "relative"}}); err == nil {
		t.Error("relative url without base should fail")
	}
}

func TestInitRejectsBadBaseURL(t *testing.T) {
	if err := New(Options{ID: "playout", BaseURL: "not a url"}).Init(context.Background()); err == nil {
		t.Error("Init() with invalid base url should fail")
	}
}
