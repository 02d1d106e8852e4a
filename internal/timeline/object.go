package timeline

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Enable describes when an object is active: from Start until End, or for
// Duration milliseconds. With neither set the object never ends.
type Enable struct {
	Start    int64  `json:"start"`
	End      *int64 `json:"end,omitempty"`
	Duration *int64 `json:"duration,omitempty"`
}

// EndTime returns the exclusive end of the enable window, nil when open-ended.
func (e Enable) EndTime() *int64 {
	switch {
	case e.End != nil:
		end := *e.End
		return &end
	case e.Duration != nil:
		end := e.Start + *e.Duration
		return &end
	default:
		return nil
	}
}

// Object is one timeline object.
type Object struct {
	ID       string  `json:"id"`
	Layer    string  `json:"layer"`
	Priority int     `json:"priority,omitempty"`
	Enable   Enable  `json:"enable"`
	Content  Content `json:"-"`
}

// objectJSON is the wire form of Object.
type objectJSON struct {
	ID       string          `json:"id"`
	Layer    string          `json:"layer"`
	Priority int             `json:"priority,omitempty"`
	Enable   Enable          `json:"enable"`
	Content  json.RawMessage `json:"content"`
}

// MarshalJSON implements json.Marshaler.
func (o Object) MarshalJSON() ([]byte, error) {
	content, err := EncodeContent(o.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(objectJSON{
		ID:       o.ID,
		Layer:    o.Layer,
		Priority: o.Priority,
		Enable:   o.Enable,
		Content:  content,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Object) UnmarshalJSON(data []byte) error {
	var raw objectJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.ID = raw.ID
	o.Layer = raw.Layer
	o.Priority = raw.Priority
	o.Enable = raw.Enable
	o.Content = nil

	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	content, err := DecodeContent(raw.Content)
	if err != nil {
		return fmt.Errorf("object %q: %w", raw.ID, err)
	}
	o.Content = content
	return nil
}

// Validate checks a set of objects for structural problems.
func Validate(objects []Object) error {
	seen := make(map[string]bool, len(objects))
	for i, o := range objects {
		switch {
		case o.ID == "":
			return fmt.Errorf("%w: object %d has no id", ErrInvalidTimeline, i)
		case seen[o.ID]:
			return fmt.Errorf("%w: duplicate object id %q", ErrInvalidTimeline, o.ID)
		case o.Layer == "":
			return fmt.Errorf("%w: object %q has no layer", ErrInvalidTimeline, o.ID)
		case o.Content == nil:
			return fmt.Errorf("%w: object %q has no content", ErrInvalidTimeline, o.ID)
		case o.Enable.Start < 0:
			return fmt.Errorf("%w: object %q starts before 0", ErrInvalidTimeline, o.ID)
		case o.Enable.End != nil && o.Enable.Duration != nil:
			return fmt.Errorf("%w: object %q sets both end and duration", ErrInvalidTimeline, o.ID)
		}
		if end := o.Enable.EndTime(); end != nil && *end <= o.Enable.Start {
			return fmt.Errorf("%w: object %q ends before it starts", ErrInvalidTimeline, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

// Parse decodes a JSON or YAML document holding a list of objects.
func Parse(data []byte) ([]Object, error) {
	// YAML is a superset of JSON; normalise through JSON so content tags
	// are decoded by a single code path.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing timeline: %w", err)
	}
	normalised, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalising timeline: %w", err)
	}

	var objects []Object
	if err := json.Unmarshal(normalised, &objects); err != nil {
		return nil, fmt.Errorf("decoding timeline: %w", err)
	}
	if err := Validate(objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// LoadFile reads a timeline document from disk.
func LoadFile(path string) ([]Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading timeline file: %w", err)
	}
	return Parse(data)
}
