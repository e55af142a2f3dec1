package model

import (
	"encoding/json"
	"errors"
	"time"
)

// DefaultTTL is how long an unacknowledged message is retained (7 days).
const DefaultTTL = 7 * 24 * time.Hour

// Crypto metadata defaults. The relay only carries these; it never checks them.
const (
	DefaultCryptoVersion       = "v1"
	DefaultEncryptionAlgorithm = "ECDH-AES256-GCM"
	DefaultKDFAlgorithm        = "HKDF-SHA256"
)

var (
	// ErrDuplicateKey is returned when a message id is already in the store.
	ErrDuplicateKey = errors.New("duplicate message id")

	// ErrMalformedPayload is returned for a payload without encrypted content.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNotFound is returned by lookups for an unknown message id.
	ErrNotFound = errors.New("message not found")
)

// Payload is the opaque encrypted blob plus its algorithm metadata.
type Payload struct {
	EncryptedContent    string            `json:"encrypted_content"`
	EncryptedSessionKey string            `json:"encrypted_session_key,omitempty"`
	CryptoVersion       string            `json:"crypto_version"`
	EncryptionAlgorithm string            `json:"encryption_algorithm"`
	KDFAlgorithm        string            `json:"kdf_algorithm"`
	Signatures          []json.RawMessage `json:"signatures,omitempty"`
	HasMedia            bool              `json:"has_media"`
	MediaRefs           []json.RawMessage `json:"media_refs,omitempty"`
}

// Validate rejects payloads that carry no content and fills in metadata defaults.
func (p *Payload) Validate() error {
	if p.EncryptedContent == "" {
		return ErrMalformedPayload
	}
	if p.CryptoVersion == "" {
		p.CryptoVersion = DefaultCryptoVersion
	}
	if p.EncryptionAlgorithm == "" {
		p.EncryptionAlgorithm = DefaultEncryptionAlgorithm
	}
	if p.KDFAlgorithm == "" {
		p.KDFAlgorithm = DefaultKDFAlgorithm
	}
	return nil
}

// RelayMessage is a unit of ephemeral transit held by the relay until the
// recipient acknowledges it or it expires.
type RelayMessage struct {
	ID               string     `json:"id"`
	SenderID         string     `json:"sender_id"`
	RecipientID      string     `json:"recipient_id"`
	Payload          Payload    `json:"payload"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	DeliveryAttempts int        `json:"delivery_attempts"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	Acknowledged     bool       `json:"acknowledged"`
}

// IsExpired reports whether now is past the message's expiry.
func (m *RelayMessage) IsExpired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// IsDeliverable reports whether the message can still be handed to its recipient.
func (m *RelayMessage) IsDeliverable(now time.Time) bool {
	return !m.Acknowledged && !m.IsExpired(now)
}

// RecordAttempt bumps the delivery attempt counter.
func (m *RelayMessage) RecordAttempt(now time.Time) {
	m.DeliveryAttempts++
	t := now
	m.LastAttemptAt = &t
}

// Clone returns a copy that shares no mutable state with m.
func (m *RelayMessage) Clone() *RelayMessage {
	c := *m
	if m.LastAttemptAt != nil {
		t := *m.LastAttemptAt
		c.LastAttemptAt = &t
	}
	c.Payload.Signatures = append([]json.RawMessage(nil), m.Payload.Signatures...)
	c.Payload.MediaRefs = append([]json.RawMessage(nil), m.Payload.MediaRefs...)
	return &c
}

// Before orders messages within a recipient queue: created_at, then id.
func (m *RelayMessage) Before(o *RelayMessage) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Stats is a read-only aggregate over the relay.
type Stats struct {
	Total            int `json:"total_messages"`
	Deliverable      int `json:"deliverable_messages"`
	Expired          int `json:"expired_messages"`
	Acknowledged     int `json:"acknowledged_messages"`
	UniqueRecipients int `json:"unique_recipients"`
	OnlineUsers      int `json:"online_users"`
}

// DeliveryStatus is what a send reports back to the sender.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusDelivered DeliveryStatus = "delivered"
)
