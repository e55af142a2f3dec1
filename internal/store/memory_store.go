package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/natemellendorf/relaychat/internal/model"
)

// MemoryStore keeps relay messages in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	clock       clock.Clock
	messages    map[string]*model.RelayMessage
	byRecipient map[string]map[string]struct{}
	// acked holds ids removed by acknowledgment until their original expiry,
	// so a retried send cannot bring an acknowledged message back.
	acked     map[string]time.Time
	lastSweep time.Time
}

// NewMemoryStore creates an empty MemoryStore using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:       clock.New(),
		messages:    make(map[string]*model.RelayMessage),
		byRecipient: make(map[string]map[string]struct{}),
		acked:       make(map[string]time.Time),
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryStore) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// Open is a no-op for the in-memory store.
func (s *MemoryStore) Open() error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Insert adds a message to the primary map and the recipient index.
func (s *MemoryStore) Insert(ctx context.Context, msg *model.RelayMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return model.ErrDuplicateKey
	}
	if _, ok := s.acked[msg.ID]; ok {
		return model.ErrDuplicateKey
	}

	s.messages[msg.ID] = msg.Clone()
	ids := s.byRecipient[msg.RecipientID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.byRecipient[msg.RecipientID] = ids
	}
	ids[msg.ID] = struct{}{}
	return nil
}

// Get returns a copy of the message with the given id.
func (s *MemoryStore) Get(ctx context.Context, msgID string) (*model.RelayMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[msgID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return msg.Clone(), nil
}

// GetPending returns copies of the recipient's deliverable messages, oldest first.
func (s *MemoryStore) GetPending(ctx context.Context, recipientID string) ([]*model.RelayMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	ids := s.byRecipient[recipientID]
	pending := make([]*model.RelayMessage, 0, len(ids))
	for id := range ids {
		msg, ok := s.messages[id]
		if !ok || !msg.IsDeliverable(now) {
			continue
		}
		pending = append(pending, msg.Clone())
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Before(pending[j])
	})
	return pending, nil
}

// RecordAttempt increments the delivery attempt counter of a stored message.
func (s *MemoryStore) RecordAttempt(ctx context.Context, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg, ok := s.messages[msgID]; ok {
		msg.RecordAttempt(s.clock.Now())
	}
	return nil
}

// Acknowledge marks the message acknowledged and drops it from the store.
func (s *MemoryStore) Acknowledge(ctx context.Context, msgID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[msgID]
	if !ok {
		return false, nil
	}
	msg.Acknowledged = true
	s.removeLocked(msg)
	s.acked[msgID] = msg.ExpiresAt
	return true, nil
}

// SweepExpired removes all messages whose expiry has passed.
func (s *MemoryStore) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for _, msg := range s.messages {
		if msg.IsExpired(now) {
			s.removeLocked(msg)
			removed++
		}
	}
	for id, expiresAt := range s.acked {
		if now.After(expiresAt) {
			delete(s.acked, id)
		}
	}
	return removed, nil
}

// Stats returns aggregate counts over the stored messages.
func (s *MemoryStore) Stats(ctx context.Context) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	stats := model.Stats{
		Total:        len(s.messages),
		Acknowledged: len(s.acked),
	}
	for _, msg := range s.messages {
		if msg.IsDeliverable(now) {
			stats.Deliverable++
		}
		if msg.IsExpired(now) {
			stats.Expired++
		}
	}
	stats.UniqueRecipients = len(s.byRecipient)
	return stats, nil
}

// GetLastSweepTime returns the last time the sweeper ran.
func (s *MemoryStore) GetLastSweepTime(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSweep, nil
}

// SetLastSweepTime records the last sweeper run time.
func (s *MemoryStore) SetLastSweepTime(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSweep = t
	return nil
}

// removeLocked drops msg from the primary map and the recipient index.
// Caller must hold s.mu.
func (s *MemoryStore) removeLocked(msg *model.RelayMessage) {
	delete(s.messages, msg.ID)
	if ids, ok := s.byRecipient[msg.RecipientID]; ok {
		delete(ids, msg.ID)
		if len(ids) == 0 {
			delete(s.byRecipient, msg.RecipientID)
		}
	}
}
