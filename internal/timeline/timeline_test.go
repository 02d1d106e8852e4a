package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func ptr(v int64) *int64 { return &v }

func abstractObject(id, layer string, start int64, end *int64) Object {
	return Object{
		ID:      id,
		Layer:   layer,
		Enable:  Enable{Start: start, End: end},
		Content: AbstractContent{Payload: map[string]any{"id": id}},
	}
}

func TestContent_RoundTripThroughObjectJSON(t *testing.T) {
	objects := []Object{
		{
			ID: "pub", Layer: "pgm", Enable: Enable{Start: 10},
			Content: MQTTPublishContent{Topic: "studio/pgm", Payload: map[string]any{"input": float64(2)}, Retain: true},
		},
		{
			ID: "req", Layer: "gfx", Enable: Enable{Start: 10, Duration: ptr(50)},
			Content: HTTPRequestContent{Method: "POST", URL: "/play", QueueID: "gfx"},
		},
		abstractObject("abs", "aux", 0, nil),
	}

	data, err := json.Marshal(objects)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded []Object
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	pub, ok := decoded[0].Content.(MQTTPublishContent)
	if !ok {
		t.Fatalf("content[0] type = %T, want MQTTPublishContent", decoded[0].Content)
	}
	if pub.Topic != "studio/pgm" || !pub.Retain {
		t.Errorf("mqtt content = %+v", pub)
	}
	req, ok := decoded[1].Content.(HTTPRequestContent)
	if !ok || req.QueueID != "gfx" || req.Method != "POST" {
		t.Errorf("http content = %#v", decoded[1].Content)
	}
	if _, ok := decoded[2].Content.(AbstractContent); !ok {
		t.Errorf("content[2] type = %T, want AbstractContent", decoded[2].Content)
	}
}

func TestDecodeContent_UnknownTag(t *testing.T) {
	_, err := DecodeContent([]byte(`{"deviceType":"atem","type":"me"}`))
	if !errors.Is(err, ErrUnknownContent) {
		t.Errorf("DecodeContent() error = %v, want ErrUnknownContent", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		objects []Object
	}{
		{"missing id", []Object{abstractObject("", "l", 0, nil)}},
		{"duplicate id", []Object{abstractObject("a", "l", 0, nil), abstractObject("a", "m", 0, nil)}},
		{"missing layer", []Object{abstractObject("a", "", 0, nil)}},
		{"missing content", []Object{{ID: "a", Layer: "l"}}},
		{"end before start", []Object{abstractObject("a", "l", 100, ptr(50))}},
		{"end and duration", []Object{{ID: "a", Layer: "l", Content: AbstractContent{}, Enable: Enable{End: ptr(5), Duration: ptr(5)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.objects); !errors.Is(err, ErrInvalidTimeline) {
				t.Errorf("Validate() error = %v, want ErrInvalidTimeline", err)
			}
		})
	}

	if err := Validate([]Object{abstractObject("a", "l", 0, ptr(10))}); err != nil {
		t.Errorf("Validate(valid) error = %v", err)
	}
}

func TestAbsoluteResolver_Resolve(t *testing.T) {
	r := NewAbsoluteResolver()
	objects := []Object{
		abstractObject("bg", "pgm", 0, nil),
		abstractObject("cue", "pgm", 1000, ptr(2000)),
		{
			ID: "override", Layer: "pgm", Priority: 5,
			Enable:  Enable{Start: 1500, Duration: ptr(100)},
			Content: AbstractContent{},
		},
		abstractObject("aux", "aux", 3000, nil),
	}

	tests := []struct {
		name     string
		at       int64
		wantPgm  string
		wantAux  bool
		wantNext *int64
	}{
		{"before cue", 500, "bg", false, ptr(1000)},
		{"latest start wins", 1000, "cue", false, ptr(1500)},
		{"priority wins", 1550, "override", false, ptr(1600)},
		{"override ended", 1600, "cue", false, ptr(2000)},
		{"cue ended", 2000, "bg", false, ptr(3000)},
		{"nothing further", 3000, "bg", true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), objects, tt.at, 0)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res.State.Time != tt.at {
				t.Errorf("State.Time = %d, want %d", res.State.Time, tt.at)
			}
			if got := res.State.Layers["pgm"].ObjectID; got != tt.wantPgm {
				t.Errorf("pgm = %q, want %q", got, tt.wantPgm)
			}
			if _, ok := res.State.Layers["aux"]; ok != tt.wantAux {
				t.Errorf("aux present = %v, want %v", ok, tt.wantAux)
			}
			switch {
			case tt.wantNext == nil && res.NextEventTime != nil:
				t.Errorf("NextEventTime = %d, want nil", *res.NextEventTime)
			case tt.wantNext != nil && (res.NextEventTime == nil || *res.NextEventTime != *tt.wantNext):
				t.Errorf("NextEventTime = %v, want %d", res.NextEventTime, *tt.wantNext)
			}
		})
	}
}

func TestAbsoluteResolver_InvalidTimeline(t *testing.T) {
	r := NewAbsoluteResolver()
	_, err := r.Resolve(context.Background(), []Object{{ID: "x"}}, 0, 0)
	if !errors.Is(err, ErrInvalidTimeline) {
		t.Errorf("Resolve() error = %v, want ErrInvalidTimeline", err)
	}
}

func TestParse_YAML(t *testing.T) {
	doc := `
- id: cam1
  layer: pgm
  enable:
    start: 1000
    duration: 500
  content:
    deviceType: mqtt
    type: publish
    topic: studio/pgm
    payload:
      input: 1
`
	objects, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("Parse() returned %d objects", len(objects))
	}
	c, ok := objects[0].Content.(MQTTPublishContent)
	if !ok || c.Topic != "studio/pgm" {
		t.Errorf("content = %#v", objects[0].Content)
	}
	if end := objects[0].Enable.EndTime(); end == nil || *end != 1500 {
		t.Errorf("EndTime() = %v, want 1500", end)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.json")
	content := `[{"id":"a","layer":"l","enable":{"start":1},"content":{"deviceType":"abstract","type":"abstract"}}]`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	objects, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(objects) != 1 || objects[0].ID != "a" {
		t.Errorf("LoadFile() = %+v", objects)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("LoadFile(missing) error = nil")
	}
}

func TestMappings(t *testing.T) {
	m := Mappings{
		"pgm": {DeviceID: "mqtt0", Options: map[string]any{"topic_prefix": "studio/", "qos": 1}},
		"gfx": {DeviceID: "http0"},
		"aux": {DeviceID: "mqtt0"},
	}

	if got := m.ForDevice("mqtt0").Layers(); len(got) != 2 || got[0] != "aux" || got[1] != "pgm" {
		t.Errorf("ForDevice(mqtt0).Layers() = %v", got)
	}

	clone := m.Clone()
	clone["pgm"].Options["topic_prefix"] = "changed/"
	if m["pgm"].Options["topic_prefix"] != "studio/" {
		t.Error("Clone() shares options with original")
	}

	type opts struct {
		TopicPrefix string `json:"topic_prefix"`
		QoS         int    `json:"qos"`
	}
	got, err := DecodeOptions[opts](m["pgm"])
	if err != nil {
		t.Fatalf("DecodeOptions() error = %v", err)
	}
	if got.TopicPrefix != "studio/" || got.QoS != 1 {
		t.Errorf("DecodeOptions() = %+v", got)
	}

	if _, err := DecodeOptions[opts](Mapping{Options: map[string]any{"qos": "high"}}); !errors.Is(err, ErrInvalidMapping) {
		t.Errorf("DecodeOptions(bad) error = %v, want ErrInvalidMapping", err)
	}
}
