package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeControl       MessageType = "control"
	TypeMedia         MessageType = "media"
	TypeSessionClosed MessageType = "session_closed"
)

// FrameKind classifies media frames. Key frames are self-contained and
// must survive backpressure; delta frames depend on prior frames and
// may be dropped; metadata announces decoder parameters and is exempt
// from queue capacity and drops.
type FrameKind string

const (
	FrameKey      FrameKind = "key"
	FrameDelta    FrameKind = "delta"
	FrameMetadata FrameKind = "metadata"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ControlMessage carries one viewer input event (pointer, keyboard,
// command). The input payload is opaque to the relay.
type ControlMessage struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq,omitempty"`
	Input     json.RawMessage `json:"input"`
	TSMs      int64           `json:"ts_ms,omitempty"`
}

// MediaFrame carries one compressed video frame or a metadata
// announcement from the device. The payload is opaque to the relay.
type MediaFrame struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Kind      FrameKind       `json:"kind"`
	Seq       int64           `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	TSMs      int64           `json:"ts_ms,omitempty"`
}

// SessionClosed tells a peer the session ended and the connection will
// not carry further traffic.
type SessionClosed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

func NewSessionClosed(sessionID, reason string) SessionClosed {
	return SessionClosed{Type: TypeSessionClosed, SessionID: sessionID, Reason: reason}
}

// ParseViewerMessage accepts the message types a viewer connection may
// submit: control only.
func ParseViewerMessage(raw []byte) (ControlMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ControlMessage{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type != TypeControl {
		return ControlMessage{}, ErrUnsupportedType
	}
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ControlMessage{}, err
	}
	if msg.SessionID == "" || len(msg.Input) == 0 {
		return ControlMessage{}, errors.New("invalid control message")
	}
	return msg, nil
}

// ParseDeviceMessage accepts the message types a device connection may
// submit: media frames only.
func ParseDeviceMessage(raw []byte) (MediaFrame, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return MediaFrame{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type != TypeMedia {
		return MediaFrame{}, ErrUnsupportedType
	}
	var msg MediaFrame
	if err := json.Unmarshal(raw, &msg); err != nil {
		return MediaFrame{}, err
	}
	if msg.SessionID == "" {
		return MediaFrame{}, errors.New("invalid media frame")
	}
	switch msg.Kind {
	case FrameKey, FrameDelta, FrameMetadata:
	default:
		return MediaFrame{}, fmt.Errorf("invalid media frame kind %q", msg.Kind)
	}
	return msg, nil
}
