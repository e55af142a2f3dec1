package model

import "time"

// Direction of a message as seen by the local client.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// LocalStatus is the UI-facing state of a message on the client.
type LocalStatus string

const (
	LocalSending   LocalStatus = "sending"
	LocalSent      LocalStatus = "sent"
	LocalReceived  LocalStatus = "received"
	LocalRetryable LocalStatus = "retryable"
)

// LocalMessage is the client's durable copy of a message. Outbound messages
// stay unsynced until the relay confirms receipt; inbound ones are stored synced.
type LocalMessage struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id"`
	Payload     Payload     `json:"payload"`
	Direction   Direction   `json:"direction"`
	Synced      bool        `json:"synced"`
	Status      LocalStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	ReceivedAt  *time.Time  `json:"received_at,omitempty"`
}

// NewInboundLocal converts a relayed message into its local form.
func NewInboundLocal(msg *RelayMessage, receivedAt time.Time) *LocalMessage {
	t := receivedAt
	return &LocalMessage{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Payload:     msg.Payload,
		Direction:   Inbound,
		Synced:      true,
		Status:      LocalReceived,
		CreatedAt:   msg.CreatedAt,
		ExpiresAt:   msg.ExpiresAt,
		ReceivedAt:  &t,
	}
}
