package store

import (
	"context"
	"time"

	"github.com/natemellendorf/relaychat/internal/model"
)

// Store defines the interface for relay message persistence.
//
// Implementations must be safe for concurrent use. A message is pending for
// its recipient while it is unacknowledged and not past its expiry.
type Store interface {
	// Open opens the store.
	Open() error

	// Close closes the store.
	Close() error

	// Insert stores a message and adds it to the recipient's queue.
	// Returns model.ErrDuplicateKey if the id was already used.
	Insert(ctx context.Context, msg *model.RelayMessage) error

	// Get returns a copy of a stored message or model.ErrNotFound.
	Get(ctx context.Context, msgID string) (*model.RelayMessage, error)

	// GetPending returns deliverable messages for a recipient, oldest first
	// (created_at, ties broken by id).
	GetPending(ctx context.Context, recipientID string) ([]*model.RelayMessage, error)

	// RecordAttempt increments a message's delivery attempt counter.
	// Unknown ids are ignored.
	RecordAttempt(ctx context.Context, msgID string) error

	// Acknowledge marks a message acknowledged and removes it from all
	// indexes. Returns false, without error, if the id is unknown.
	Acknowledge(ctx context.Context, msgID string) (bool, error)

	// SweepExpired removes every message past its expiry and returns how many were removed.
	SweepExpired(ctx context.Context) (int, error)

	// Stats returns aggregate counts.
	Stats(ctx context.Context) (model.Stats, error)

	// GetLastSweepTime returns the last time the sweeper ran.
	GetLastSweepTime(ctx context.Context) (time.Time, error)

	// SetLastSweepTime records the last sweeper run time.
	SetLastSweepTime(ctx context.Context, t time.Time) error
}
