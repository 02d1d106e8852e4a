package timeline

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Mapping binds a timeline layer to a device and carries device-specific
// routing options that only the owning integration interprets.
type Mapping struct {
	DeviceID string         `json:"deviceId" yaml:"device_id"`
	Options  map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Mappings is keyed by layer name. A snapshot is never mutated once handed
// to the conductor; changes replace it wholesale.
type Mappings map[string]Mapping

// Clone returns a deep-enough copy: the map and each options map are new.
func (m Mappings) Clone() Mappings {
	out := make(Mappings, len(m))
	for layer, mapping := range m {
		opts := make(map[string]any, len(mapping.Options))
		for k, v := range mapping.Options {
			opts[k] = v
		}
		out[layer] = Mapping{DeviceID: mapping.DeviceID, Options: opts}
	}
	return out
}

// ForDevice returns the subset of mappings routed to deviceID.
func (m Mappings) ForDevice(deviceID string) Mappings {
	out := make(Mappings)
	for layer, mapping := range m {
		if mapping.DeviceID == deviceID {
			out[layer] = mapping
		}
	}
	return out
}

// Layers returns the mapped layer names, sorted.
func (m Mappings) Layers() []string {
	layers := make([]string, 0, len(m))
	for layer := range m {
		layers = append(layers, layer)
	}
	sort.Strings(layers)
	return layers
}

// DecodeOptions converts mapping options into an integration's typed struct.
func DecodeOptions[T any](m Mapping) (T, error) {
	var out T
	if len(m.Options) == 0 {
		return out, nil
	}
	data, err := json.Marshal(m.Options)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidMapping, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidMapping, err)
	}
	return out, nil
}
