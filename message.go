package weft

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const AppName = "weft_fabric_v1"

// FrameKind represents the type of a fabric wire frame
type FrameKind string

const (
	// Registry protocol
	FrameRegister    FrameKind = "register"
	FrameDeregister  FrameKind = "deregister"
	FrameHeartbeat   FrameKind = "heartbeat"
	FrameLookup      FrameKind = "lookup"
	FrameSubscribe   FrameKind = "subscribe"
	FrameUnsubscribe FrameKind = "unsubscribe"
	FrameSubscribers FrameKind = "subscribers"
	FrameServices    FrameKind = "services"

	// Peer-to-peer protocol
	FrameCall    FrameKind = "call"
	FramePublish FrameKind = "publish"

	// Replies
	FrameResult FrameKind = "result"
	FrameError  FrameKind = "error"
)

// WireRecord is the transient copy of a directory entry that crosses the
// wire. Holders never mutate directory state through it.
type WireRecord struct {
	Name    string `msgpack:"name"`
	Address string `msgpack:"address"`
}

// Frame is the single envelope for every fabric message
type Frame struct {
	App       string       `msgpack:"app"`
	ID        string       `msgpack:"id"`
	Kind      string       `msgpack:"kind"`
	Timestamp float64      `msgpack:"timestamp"`
	Service   string       `msgpack:"service,omitempty"`
	Address   string       `msgpack:"address,omitempty"`
	Channel   string       `msgpack:"channel,omitempty"`
	Payload   any          `msgpack:"payload,omitempty"`
	Result    any          `msgpack:"result,omitempty"`
	Error     string       `msgpack:"error,omitempty"`
	ErrorKind string       `msgpack:"error_kind,omitempty"`
	Records   []WireRecord `msgpack:"records,omitempty"`
}

// NewFrame creates a frame of the given kind with a fresh ID
func NewFrame(kind FrameKind) *Frame {
	return &Frame{
		App:       AppName,
		ID:        uuid.New().String(),
		Kind:      string(kind),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// NewRegister creates a register request frame
func NewRegister(name, address string) *Frame {
	f := NewFrame(FrameRegister)
	f.Service = name
	f.Address = address
	return f
}

// NewDeregister creates a deregister request frame
func NewDeregister(name string) *Frame {
	f := NewFrame(FrameDeregister)
	f.Service = name
	return f
}

// NewHeartbeat creates a heartbeat request frame
func NewHeartbeat(name string) *Frame {
	f := NewFrame(FrameHeartbeat)
	f.Service = name
	return f
}

// NewLookup creates a lookup request frame
func NewLookup(name string) *Frame {
	f := NewFrame(FrameLookup)
	f.Service = name
	return f
}

// NewSubscribe creates a subscribe request frame
func NewSubscribe(channel, name string) *Frame {
	f := NewFrame(FrameSubscribe)
	f.Channel = channel
	f.Service = name
	return f
}

// NewUnsubscribe creates an unsubscribe request frame
func NewUnsubscribe(channel, name string) *Frame {
	f := NewFrame(FrameUnsubscribe)
	f.Channel = channel
	f.Service = name
	return f
}

// NewSubscribers creates a subscriber-snapshot request frame
func NewSubscribers(channel string) *Frame {
	f := NewFrame(FrameSubscribers)
	f.Channel = channel
	return f
}

// NewServices creates a directory-listing request frame
func NewServices() *Frame {
	return NewFrame(FrameServices)
}

// NewCall creates a point-to-point call frame
func NewCall(target string, payload any) *Frame {
	f := NewFrame(FrameCall)
	f.Service = target
	f.Payload = payload
	return f
}

// NewPublishDelivery creates a per-subscriber publish delivery frame
func NewPublishDelivery(channel string, payload any) *Frame {
	f := NewFrame(FramePublish)
	f.Channel = channel
	f.Payload = payload
	return f
}

// NewResult creates a success reply correlated to a request ID
func NewResult(result any, requestID string) *Frame {
	f := NewFrame(FrameResult)
	f.Result = result
	f.ID = requestID
	return f
}

// NewErrorFrame creates a failure reply from a local error, preserving the
// error kind across the wire
func NewErrorFrame(err error, service, requestID string) *Frame {
	f := NewFrame(FrameError)
	f.ID = requestID
	f.Service = service
	f.Error = err.Error()
	f.ErrorKind = errorKindOf(err)
	return f
}

// Err maps an error reply back onto the local error taxonomy. Returns nil
// for non-error frames.
func (f *Frame) Err() error {
	if f.Kind != string(FrameError) {
		return nil
	}
	return errorFromKind(f.ErrorKind, f.Error, f.Service)
}

// Pack serializes the frame to msgpack
func (f *Frame) Pack() ([]byte, error) {
	return msgpack.Marshal(f)
}

const maxFrameSize = 10 * 1024 * 1024 // 10MB

// Unpack deserializes a frame from msgpack with safety validations
func Unpack(data []byte) (*Frame, error) {
	// Frame size limit (DoS protection)
	if len(data) > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", len(data), maxFrameSize)
	}

	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	if math.IsNaN(f.Timestamp) || math.IsInf(f.Timestamp, 0) {
		f.Timestamp = 0.0
	}

	// Validate and clamp any-typed values
	if err := validateAnyValue(&f.Payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if err := validateAnyValue(&f.Result); err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}

	return &f, nil
}

// validateAnyValue validates and clamps any-type values for msgpack interop safety
func validateAnyValue(val *any) error {
	if val == nil {
		return nil
	}

	switch v := (*val).(type) {
	case float64:
		// Clamp NaN/Infinity to 0
		if math.IsNaN(v) || math.IsInf(v, 0) {
			*val = 0
		}
	case map[string]any:
		for k, vv := range v {
			if err := validateAnyValue(&vv); err != nil {
				return fmt.Errorf("key '%s': %w", k, err)
			}
			v[k] = vv
		}
		*val = v
	case []any:
		for i, vv := range v {
			if err := validateAnyValue(&vv); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
			v[i] = vv
		}
		*val = v
	}

	return nil
}
