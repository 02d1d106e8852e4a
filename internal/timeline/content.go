package timeline

import (
	"encoding/json"
	"fmt"
)

// DeviceType identifies an integration family.
type DeviceType string

// Known device types.
const (
	DeviceTypeAbstract DeviceType = "abstract"
	DeviceTypeMQTT     DeviceType = "mqtt"
	DeviceTypeHTTPSend DeviceType = "httpsend"
)

// Valid reports whether t is a known device type.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypeAbstract, DeviceTypeMQTT, DeviceTypeHTTPSend:
		return true
	}
	return false
}

// Content types.
const (
	ContentTypeAbstract    = "abstract"
	ContentTypeMQTTPublish = "publish"
	ContentTypeHTTPRequest = "request"
)

// Content is the device-specific payload of a timeline object.
// The set of implementations is closed to this package.
type Content interface {
	DeviceType() DeviceType
	ContentType() string
	isContent()
}

// AbstractContent is opaque content for the abstract device.
type AbstractContent struct {
	Payload map[string]any `json:"payload,omitempty"`
}

func (AbstractContent) DeviceType() DeviceType { return DeviceTypeAbstract }
func (AbstractContent) ContentType() string    { return ContentTypeAbstract }
func (AbstractContent) isContent()             {}

// MQTTPublishContent publishes Payload on Topic while the object is active.
type MQTTPublishContent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	QoS     byte   `json:"qos,omitempty"`
	Retain  bool   `json:"retain,omitempty"`
}

func (MQTTPublishContent) DeviceType() DeviceType { return DeviceTypeMQTT }
func (MQTTPublishContent) ContentType() string    { return ContentTypeMQTTPublish }
func (MQTTPublishContent) isContent()             {}

// HTTPRequestContent sends one HTTP request when the object starts or changes.
type HTTPRequestContent struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Params  map[string]any    `json:"params,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// QueueID serialises requests sharing the same id.
	QueueID string `json:"queueId,omitempty"`
}

func (HTTPRequestContent) DeviceType() DeviceType { return DeviceTypeHTTPSend }
func (HTTPRequestContent) ContentType() string    { return ContentTypeHTTPRequest }
func (HTTPRequestContent) isContent()             {}

// contentTag is the discriminator carried by encoded content.
type contentTag struct {
	DeviceType DeviceType `json:"deviceType"`
	Type       string     `json:"type"`
}

// DecodeContent parses tagged content.
func DecodeContent(data []byte) (Content, error) {
	var tag contentTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decoding content tag: %w", err)
	}

	var (
		c   Content
		err error
	)
	switch {
	case tag.DeviceType == DeviceTypeAbstract && (tag.Type == ContentTypeAbstract || tag.Type == ""):
		var v AbstractContent
		err = json.Unmarshal(data, &v)
		c = v
	case tag.DeviceType == DeviceTypeMQTT && tag.Type == ContentTypeMQTTPublish:
		var v MQTTPublishContent
		err = json.Unmarshal(data, &v)
		c = v
	case tag.DeviceType == DeviceTypeHTTPSend && tag.Type == ContentTypeHTTPRequest:
		var v HTTPRequestContent
		err = json.Unmarshal(data, &v)
		c = v
	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownContent, tag.DeviceType, tag.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s/%s content: %w", tag.DeviceType, tag.Type, err)
	}
	return c, nil
}

// EncodeContent renders content with its deviceType/type tag.
func EncodeContent(c Content) ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}

	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}

	deviceType, _ := json.Marshal(c.DeviceType())   //nolint:errcheck // string marshal cannot fail
	contentType, _ := json.Marshal(c.ContentType()) //nolint:errcheck // string marshal cannot fail
	fields["deviceType"] = deviceType
	fields["type"] = contentType

	return json.Marshal(fields)
}
