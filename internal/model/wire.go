package model

import "time"

// SendRequest is the body of POST /relay/send. Payload fields are inlined.
type SendRequest struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id,omitempty"`
	Payload
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// SendResponse answers POST /relay/send.
type SendResponse struct {
	Success   bool           `json:"success"`
	MessageID string         `json:"message_id"`
	Status    DeliveryStatus `json:"status"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// PendingResponse answers GET /relay/pending.
type PendingResponse struct {
	Success  bool            `json:"success"`
	Count    int             `json:"count"`
	Messages []*RelayMessage `json:"messages"`
}

// AckRequest is the body of POST /relay/acknowledge.
type AckRequest struct {
	MessageID string `json:"message_id"`
}

// AckResponse answers POST /relay/acknowledge. Result is "deleted" or
// "not_found"; both are successes.
type AckResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Result    string `json:"result"`
}

// StatsResponse answers GET /relay/stats.
type StatsResponse struct {
	Success bool  `json:"success"`
	Stats   Stats `json:"stats"`
}

// CleanupResponse answers POST /relay/cleanup.
type CleanupResponse struct {
	Success      bool `json:"success"`
	DeletedCount int  `json:"deleted_count"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
