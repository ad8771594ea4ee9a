// Package protocol defines the event frames exchanged over a realtime
// connection. Server and client share it so both sides agree on names and
// payload shapes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client -> server events.
const (
	EventAuthenticate = "authenticate"
	EventPing         = "ping"
	EventSendMessage  = "sendMessage"
)

// Server -> client events.
const (
	EventAuthenticated       = "authenticated"
	EventPong                = "pong"
	EventReceiveMessage      = "receiveMessage"
	EventReceiveNotification = "receiveNotification"
	EventMessageSent         = "messageSent"
	EventError               = "error"
)

// ErrEmptyEvent is returned by Decode for frames without an event name.
var ErrEmptyEvent = errors.New("frame has no event")

// Frame is one message on the wire.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"` // correlates a request with its reply
	Data  json.RawMessage `json:"data,omitempty"`
	Ts    int64           `json:"ts,omitempty"` // unix millis at creation
}

// NewFrame marshals data into a frame for event.
func NewFrame(event string, data any) (*Frame, error) {
	f := &Frame{Event: event, Ts: time.Now().UnixMilli()}
	if data == nil {
		return f, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	f.Data = raw
	return f, nil
}

// Encode serialises a frame.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame and rejects frames without an event name.
func Decode(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return nil, ErrEmptyEvent
	}
	return &f, nil
}

// Bind unmarshals the frame data into v.
func (f *Frame) Bind(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", f.Event, err)
	}
	return nil
}
