// Package protocol defines the JSON wire format spoken between the hub and
// its clients: a single flat frame envelope discriminated by a type tag.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType discriminates the wire frames. Every frame carries exactly one.
type FrameType string

const (
	TypeAuth              FrameType = "auth"
	TypeAuthSuccess       FrameType = "auth_success"
	TypeRequest           FrameType = "request"
	TypeClientRequest     FrameType = "client_request"
	TypeResponse          FrameType = "response"
	TypeEvent             FrameType = "event"
	TypeHeartbeat         FrameType = "heartbeat"
	TypeHeartbeatResponse FrameType = "heartbeat_response"
	TypeShutdown          FrameType = "shutdown"
)

// MaxFrameSize is the maximum size in bytes of a single frame on the wire.
// Both ends enforce it as a read limit.
const MaxFrameSize = 1 << 20

// Sentinel errors for frames that fail validation.
var (
	ErrInvalidJSON  = errors.New("frame is not valid JSON")
	ErrUnknownType  = errors.New("unknown frame type")
	ErrMissingField = errors.New("missing required field")
)

// Frame is the wire envelope. Which fields are meaningful depends on Type;
// Decode enforces the required set per type. Success is a pointer so that an
// explicit false survives the round trip.
type Frame struct {
	Type               FrameType       `json:"type"`
	Token              string          `json:"token,omitempty"`
	Name               string          `json:"name,omitempty"`
	ID                 string          `json:"id,omitempty"`
	FunctionName       string          `json:"functionName,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
	TargetClient       string          `json:"targetClient,omitempty"`
	FromClient         string          `json:"fromClient,omitempty"`
	Success            *bool           `json:"success,omitempty"`
	Error              string          `json:"error,omitempty"`
	OriginalFromClient string          `json:"originalFromClient,omitempty"`
	EventName          string          `json:"eventName,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	GracePeriod        int64           `json:"gracePeriod,omitempty"`
}

// Decode parses and validates a single frame. It rejects malformed JSON,
// unknown type tags, and frames missing a field their type requires. The data
// field counts as present when the key exists, including an explicit null.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}

	switch f.Type {
	case TypeAuth:
		if f.Token == "" {
			return nil, missing(f.Type, "token")
		}
	case TypeAuthSuccess:
		if f.Name == "" {
			return nil, missing(f.Type, "name")
		}
	case TypeRequest:
		if f.ID == "" {
			return nil, missing(f.Type, "id")
		}
		if f.FunctionName == "" {
			return nil, missing(f.Type, "functionName")
		}
		if f.Data == nil {
			return nil, missing(f.Type, "data")
		}
	case TypeClientRequest:
		if f.ID == "" {
			return nil, missing(f.Type, "id")
		}
		if f.FunctionName == "" {
			return nil, missing(f.Type, "functionName")
		}
		if f.Data == nil {
			return nil, missing(f.Type, "data")
		}
		if f.TargetClient == "" {
			return nil, missing(f.Type, "targetClient")
		}
	case TypeResponse:
		if f.ID == "" {
			return nil, missing(f.Type, "id")
		}
		if f.Success == nil {
			return nil, missing(f.Type, "success")
		}
	case TypeEvent:
		if f.EventName == "" {
			return nil, missing(f.Type, "eventName")
		}
		if f.Data == nil {
			return nil, missing(f.Type, "data")
		}
	case TypeHeartbeat, TypeHeartbeatResponse, TypeShutdown:
		// No required fields beyond the type tag.
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	return &f, nil
}

// Encode serialises the frame. Validation is the caller's concern; the frame
// constructors below always produce valid frames.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func missing(t FrameType, field string) error {
	return fmt.Errorf("%w: %s frame requires %q", ErrMissingField, t, field)
}

// normalizeData maps an absent payload to an explicit JSON null so frames
// whose type requires the data key always carry it.
func normalizeData(data json.RawMessage) json.RawMessage {
	if data == nil {
		return json.RawMessage("null")
	}
	return data
}

// NewAuthFrame returns a serialised auth frame. An empty name is omitted; the
// hub then resolves the canonical name from the token.
func NewAuthFrame(token, name string) ([]byte, error) {
	return json.Marshal(Frame{Type: TypeAuth, Token: token, Name: name})
}

// NewAuthSuccessFrame returns a serialised auth_success frame carrying the
// canonical client name.
func NewAuthSuccessFrame(name string) ([]byte, error) {
	return json.Marshal(Frame{Type: TypeAuthSuccess, Name: name})
}

// NewRequestFrame returns a serialised request frame addressed to the hub's
// named handler table.
func NewRequestFrame(id, functionName string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Type:         TypeRequest,
		ID:           id,
		FunctionName: functionName,
		Data:         normalizeData(data),
	})
}

// NewClientRequestFrame returns a serialised client_request frame addressed
// to another client's handler table. fromClient may be empty; the hub stamps
// it with the sender's name while routing.
func NewClientRequestFrame(id, functionName string, data json.RawMessage, targetClient, fromClient string) ([]byte, error) {
	return json.Marshal(Frame{
		Type:         TypeClientRequest,
		ID:           id,
		FunctionName: functionName,
		Data:         normalizeData(data),
		TargetClient: targetClient,
		FromClient:   fromClient,
	})
}

// NewResultFrame returns a serialised success response for the given request
// id. originalFromClient routes peer-RPC replies back through the hub and is
// empty for direct hub responses.
func NewResultFrame(id string, data json.RawMessage, originalFromClient string) ([]byte, error) {
	ok := true
	return json.Marshal(Frame{
		Type:               TypeResponse,
		ID:                 id,
		Success:            &ok,
		Data:               data,
		OriginalFromClient: originalFromClient,
	})
}

// NewErrorFrame returns a serialised failure response for the given request id.
func NewErrorFrame(id, message, originalFromClient string) ([]byte, error) {
	ok := false
	return json.Marshal(Frame{
		Type:               TypeResponse,
		ID:                 id,
		Success:            &ok,
		Error:              message,
		OriginalFromClient: originalFromClient,
	})
}

// NewEventFrame returns a serialised event frame. fromClient is empty for
// hub-originated events.
func NewEventFrame(eventName string, data json.RawMessage, fromClient string) ([]byte, error) {
	return json.Marshal(Frame{
		Type:       TypeEvent,
		EventName:  eventName,
		Data:       normalizeData(data),
		FromClient: fromClient,
	})
}

// NewHeartbeatFrame returns a serialised heartbeat probe.
func NewHeartbeatFrame() ([]byte, error) {
	return json.Marshal(Frame{Type: TypeHeartbeat})
}

// NewHeartbeatResponseFrame returns a serialised heartbeat reply.
func NewHeartbeatResponseFrame() ([]byte, error) {
	return json.Marshal(Frame{Type: TypeHeartbeatResponse})
}

// NewShutdownFrame returns a serialised shutdown notice with the grace period
// in milliseconds.
func NewShutdownFrame(reason string, gracePeriodMS int64) ([]byte, error) {
	return json.Marshal(Frame{Type: TypeShutdown, Reason: reason, GracePeriod: gracePeriodMS})
}
