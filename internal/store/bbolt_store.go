package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/natemellendorf/relaychat/internal/model"
)

var (
	// Bucket names
	BucketMessages         = []byte("messages")
	BucketQueueByRecipient = []byte("queue_by_recipient")
	BucketExpiryIndex      = []byte("expiry_index")
	BucketAcked            = []byte("acked")
	BucketMeta             = []byte("meta")

	// Meta keys
	MetaLastSweep = []byte("last_sweep")

	ErrInvalidKey = errors.New("invalid key format")
)

// BBoltStore implements Store using bbolt. It is the durable alternative to
// MemoryStore for deployments that must survive a restart.
type BBoltStore struct {
	path  string
	db    *bolt.DB
	clock clock.Clock
}

// NewBBoltStore creates a new BBoltStore.
func NewBBoltStore(path string) *BBoltStore {
	return &BBoltStore{path: path, clock: clock.New()}
}

// SetClock replaces the time source. Intended for tests.
func (s *BBoltStore) SetClock(c clock.Clock) {
	s.clock = c
}

// Open opens the bbolt database.
func (s *BBoltStore) Open() error {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return xerrors.Errorf("failed to open bbolt store: %w", err)
	}
	s.db = db

	// Create buckets if they don't exist
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketMessages,
			BucketQueueByRecipient,
			BucketExpiryIndex,
			BucketAcked,
			BucketMeta,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return xerrors.Errorf("failed to create bucket %s: %w", string(b), err)
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("failed to initialize buckets: %w", err)
	}

	return nil
}

// Close closes the bbolt database.
func (s *BBoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Insert stores a message and adds it to the recipient's queue atomically.
func (s *BBoltStore) Insert(ctx context.Context, msg *model.RelayMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(BucketMessages).Get([]byte(msg.ID)) != nil ||
			tx.Bucket(BucketAcked).Get([]byte(msg.ID)) != nil {
			return model.ErrDuplicateKey
		}

		msgBytes, err := EncodeMessage(msg)
		if err != nil {
			return xerrors.Errorf("failed to encode message: %w", err)
		}
		if err := tx.Bucket(BucketMessages).Put([]byte(msg.ID), msgBytes); err != nil {
			return xerrors.Errorf("failed to store message: %w", err)
		}

		queueKey := EncodeQueueKey(&QueueKey{
			To:        msg.RecipientID,
			CreatedAt: msg.CreatedAt,
			MsgID:     msg.ID,
		})
		if err := tx.Bucket(BucketQueueByRecipient).Put(queueKey, []byte(msg.ID)); err != nil {
			return xerrors.Errorf("failed to add to queue: %w", err)
		}

		expiryKey := EncodeExpiryKey(msg.ID, msg.ExpiresAt)
		if err := tx.Bucket(BucketExpiryIndex).Put(expiryKey, []byte(msg.ID)); err != nil {
			return xerrors.Errorf("failed to add to expiry index: %w", err)
		}

		return nil
	})
}

// Get returns the stored message with the given id.
func (s *BBoltStore) Get(ctx context.Context, msgID string) (*model.RelayMessage, error) {
	var msg *model.RelayMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		msgBytes := tx.Bucket(BucketMessages).Get([]byte(msgID))
		if msgBytes == nil {
			return model.ErrNotFound
		}
		var err error
		msg, err = DecodeMessage(msgBytes)
		if err != nil {
			return xerrors.Errorf("failed to decode message: %w", err)
		}
		return nil
	})
	return msg, err
}

// GetPending prefix-scans the recipient queue. Keys sort by created_at and
// then id, which is the delivery order.
func (s *BBoltStore) GetPending(ctx context.Context, recipientID string) ([]*model.RelayMessage, error) {
	var messages []*model.RelayMessage
	now := s.clock.Now()

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketQueueByRecipient).Cursor()
		prefix := QueuePrefix(recipientID)

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			msgBytes := tx.Bucket(BucketMessages).Get(v)
			if msgBytes == nil {
				continue
			}

			msg, err := DecodeMessage(msgBytes)
			if err != nil {
				continue // Skip malformed messages
			}

			if msg.IsDeliverable(now) {
				messages = append(messages, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Keys truncate to nanoseconds; keep the id tiebreak exact.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Before(messages[j])
	})
	return messages, nil
}

// RecordAttempt increments the delivery attempt counter of a stored message.
func (s *BBoltStore) RecordAttempt(ctx context.Context, msgID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BucketMessages)
		msgBytes := b.Get([]byte(msgID))
		if msgBytes == nil {
			return nil
		}

		msg, err := DecodeMessage(msgBytes)
		if err != nil {
			return xerrors.Errorf("failed to decode message: %w", err)
		}
		msg.RecordAttempt(s.clock.Now())

		updated, err := EncodeMessage(msg)
		if err != nil {
			return xerrors.Errorf("failed to encode message: %w", err)
		}
		return b.Put([]byte(msgID), updated)
	})
}

// Acknowledge removes the message from all buckets and leaves a marker in
// the acked bucket until the message would have expired.
func (s *BBoltStore) Acknowledge(ctx context.Context, msgID string) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		msgBytes := tx.Bucket(BucketMessages).Get([]byte(msgID))
		if msgBytes == nil {
			return nil
		}
		found = true

		msg, err := DecodeMessage(msgBytes)
		if err != nil {
			// Drop what we can; the record is unreadable anyway.
			return tx.Bucket(BucketMessages).Delete([]byte(msgID))
		}
		if err := s.removeTx(tx, msg); err != nil {
			return err
		}
		return tx.Bucket(BucketAcked).Put([]byte(msgID), encodeTime(msg.ExpiresAt))
	})
	if err != nil {
		return false, xerrors.Errorf("failed to acknowledge message %s: %w", msgID, err)
	}
	return found, nil
}

// SweepExpired walks the expiry index up to now and removes each message.
func (s *BBoltStore) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var expired []*model.RelayMessage
		c := tx.Bucket(BucketExpiryIndex).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			_, expiresAt, err := DecodeExpiryKey(k)
			if err != nil {
				continue
			}
			if !now.After(expiresAt) {
				break // keys are sorted by expiry
			}
			msgBytes := tx.Bucket(BucketMessages).Get(v)
			if msgBytes == nil {
				continue
			}
			msg, err := DecodeMessage(msgBytes)
			if err != nil {
				continue
			}
			expired = append(expired, msg)
		}

		for _, msg := range expired {
			if err := s.removeTx(tx, msg); err != nil {
				return err
			}
			removed++
		}

		// Forget acknowledgment markers past their expiry.
		var stale [][]byte
		acked := tx.Bucket(BucketAcked)
		if err := acked.ForEach(func(k, v []byte) error {
			expiresAt, err := decodeTime(v)
			if err != nil || now.After(expiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := acked.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, xerrors.Errorf("failed to sweep expired messages: %w", err)
	}
	return removed, nil
}

// Stats returns aggregate counts over the stored messages.
func (s *BBoltStore) Stats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats
	now := s.clock.Now()
	recipients := make(map[string]struct{})

	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Acknowledged = tx.Bucket(BucketAcked).Stats().KeyN
		return tx.Bucket(BucketMessages).ForEach(func(k, v []byte) error {
			msg, err := DecodeMessage(v)
			if err != nil {
				return nil
			}
			stats.Total++
			if msg.IsDeliverable(now) {
				stats.Deliverable++
			}
			if msg.IsExpired(now) {
				stats.Expired++
			}
			recipients[msg.RecipientID] = struct{}{}
			return nil
		})
	})
	stats.UniqueRecipients = len(recipients)
	return stats, err
}

// GetLastSweepTime returns the last time the sweeper ran.
func (s *BBoltStore) GetLastSweepTime(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(BucketMeta).Get(MetaLastSweep)
		if v == nil {
			return nil // Zero time means never
		}
		var err error
		t, err = decodeTime(v)
		return err
	})
	return t, err
}

// SetLastSweepTime records the last sweeper run time.
func (s *BBoltStore) SetLastSweepTime(ctx context.Context, t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketMeta).Put(MetaLastSweep, encodeTime(t))
	})
}

// removeTx deletes msg from the messages, queue and expiry buckets.
func (s *BBoltStore) removeTx(tx *bolt.Tx, msg *model.RelayMessage) error {
	queueKey := EncodeQueueKey(&QueueKey{
		To:        msg.RecipientID,
		CreatedAt: msg.CreatedAt,
		MsgID:     msg.ID,
	})
	if err := tx.Bucket(BucketQueueByRecipient).Delete(queueKey); err != nil {
		return err
	}
	if err := tx.Bucket(BucketExpiryIndex).Delete(EncodeExpiryKey(msg.ID, msg.ExpiresAt)); err != nil {
		return err
	}
	return tx.Bucket(BucketMessages).Delete([]byte(msg.ID))
}
