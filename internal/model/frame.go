package model

import "time"

// Frame types exchanged over the client WebSocket.
const (
	// server -> client
	FrameTypeRelayMessage = "relay_message"
	FrameTypeAckOK        = "ack_ok"
	FrameTypeMessages     = "messages"
	FrameTypeError        = "error"

	// client -> server
	FrameTypeAck  = "ack"
	FrameTypePull = "pull"
)

// Frame is a JSON frame discriminated by Type. Only the fields relevant to
// a given type are set.
type Frame struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id,omitempty"`
	Data      *RelayMessage   `json:"data,omitempty"`
	Messages  []*RelayMessage `json:"messages,omitempty"`
	Count     int             `json:"count,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	At        int64           `json:"at,omitempty"`
}

// NewDeliveryFrame wraps a message for a live push.
func NewDeliveryFrame(msg *RelayMessage) Frame {
	return Frame{
		Type: FrameTypeRelayMessage,
		Data: msg,
		At:   time.Now().Unix(),
	}
}

// IsCoreFrameType reports whether the relay core handles frames of this type.
// Typing indicators and presence broadcasts belong to UI glue and are ignored.
func IsCoreFrameType(frameType string) bool {
	switch frameType {
	case FrameTypeAck, FrameTypePull:
		return true
	default:
		return false
	}
}
