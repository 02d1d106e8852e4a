package device

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StatusCode grades device health.
type StatusCode int

// Status codes, from unknown to fatal.
const (
	StatusUnknown StatusCode = iota
	StatusGood
	StatusWarning
	StatusBad
	StatusFatal
)

var statusNames = map[StatusCode]string{
	StatusUnknown: "UNKNOWN",
	StatusGood:    "GOOD",
	StatusWarning: "WARNING",
	StatusBad:     "BAD",
	StatusFatal:   "FATAL",
}

// String implements fmt.Stringer.
func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(%d)", int(c))
}

// MarshalJSON encodes the code by name.
func (c StatusCode) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a code by name.
func (c *StatusCode) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for code, n := range statusNames {
		if strings.EqualFold(n, name) {
			*c = code
			return nil
		}
	}
	return fmt.Errorf("unknown status code %q", name)
}

// Status is the health summary an adapter reports.
type Status struct {
	Code     StatusCode `json:"code"`
	Messages []string   `json:"messages,omitempty"`
}

// Degraded reports whether the status is BAD or FATAL.
func (s Status) Degraded() bool {
	return s.Code == StatusBad || s.Code == StatusFatal
}

// Command is one command produced by DiffStates, together with where it came
// from. It is consumed exactly once by SendCommand.
type Command struct {
	// Payload is the integration-specific command.
	Payload any `json:"payload"`

	// Context is a human-readable reason, e.g. "added layer pgm".
	Context string `json:"context"`

	// TimelineObjectID is the object that caused the command.
	TimelineObjectID string `json:"timelineObjectId"`

	// QueueID partitions ordering within the device.
	QueueID string `json:"queueId,omitempty"`

	// PreliminaryMS sends the command this many ms before its state time.
	PreliminaryMS int64 `json:"preliminaryMs,omitempty"`
}
