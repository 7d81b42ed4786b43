package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame is the wire envelope shared by client and server.
type Frame struct {
	Event domain.EventName    `json:"event"`
	Data  jsoniter.RawMessage `json:"data,omitempty"`
}

// NewFrame validates p and wraps it in a frame
func NewFrame(p domain.Payload) (*Frame, error) {
	name := p.EventName()
	if name.IsLifecycle() {
		return nil, errors.New(errors.ErrorTypeValidation, "LOCAL_EVENT", "lifecycle events are never sent").
			WithDetails(string(name))
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to marshal payload")
	}

	return &Frame{Event: name, Data: data}, nil
}

// Decode decodes the frame data into the provided value
func (f *Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}

// Marshal marshals the frame to bytes
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal unmarshals bytes into a frame. A frame without an event name is
// a protocol error.
func Unmarshal(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "INVALID_FRAME", "failed to unmarshal frame")
	}
	if f.Event == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, "INVALID_FRAME", "frame has no event name")
	}
	return &f, nil
}

// Codec defines the interface for payload encoding/decoding
type Codec interface {
	// Encode encodes a payload to wire bytes
	Encode(p domain.Payload) ([]byte, error)

	// Decode decodes wire bytes. The frame is returned whenever the envelope
	// parsed, even if the payload did not.
	Decode(data []byte) (*Frame, domain.Payload, error)
}

// JSONCodec implements Codec using JSON
type JSONCodec struct {
	registry *Registry
}

// NewJSONCodec creates a new JSON codec backed by registry. A nil registry
// uses DefaultRegistry.
func NewJSONCodec(registry *Registry) *JSONCodec {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &JSONCodec{registry: registry}
}

// Encode implements the Codec interface
func (c *JSONCodec) Encode(p domain.Payload) ([]byte, error) {
	f, err := NewFrame(p)
	if err != nil {
		return nil, err
	}
	return f.Marshal()
}

// Decode implements the Codec interface
func (c *JSONCodec) Decode(data []byte) (*Frame, domain.Payload, error) {
	f, err := Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}

	p, err := c.registry.Decode(f)
	if err != nil {
		return f, nil, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return f, p, nil
}
