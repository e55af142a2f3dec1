// Package relay implements the presence-aware queue policy over the message
// store: persist first, then try a best-effort live push.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/xerrors"

	"github.com/natemellendorf/relaychat/internal/metrics"
	"github.com/natemellendorf/relaychat/internal/model"
	"github.com/natemellendorf/relaychat/internal/store"
)

var (
	// ErrMissingRecipient is returned when a send has no recipient.
	ErrMissingRecipient = errors.New("recipient_id required")

	// ErrMissingSender is returned when a send has no verified sender.
	ErrMissingSender = errors.New("sender_id required")

	// ErrInvalidMessageID is returned for a client supplied id that is not a UUID.
	ErrInvalidMessageID = errors.New("message_id must be a UUID")
)

// Acknowledgment results reported back to clients.
const (
	AckDeleted  = "deleted"
	AckNotFound = "not_found"
)

// Pusher delivers a message over a live session. It returns false when the
// recipient has no usable session; the caller never retries.
type Pusher interface {
	Push(recipientID string, msg *model.RelayMessage) bool
}

// Options configures a Service.
type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// DefaultOptions returns the 7 day retention window.
func DefaultOptions() Options {
	return Options{
		DefaultTTL: model.DefaultTTL,
		MaxTTL:     model.DefaultTTL,
	}
}

// SendRequest is a message submitted by an authenticated sender.
type SendRequest struct {
	SenderID    string
	RecipientID string
	// MessageID is optional; clients generate it so the UI can show the
	// message before the relay answers.
	MessageID string
	Payload   model.Payload
	TTL       time.Duration
}

// SendResult reports the stored message and whether a push was attempted.
type SendResult struct {
	Message *model.RelayMessage
	Status  model.DeliveryStatus
}

// AckResult is always a success from the client's point of view.
type AckResult struct {
	Acknowledged bool
	Status       string
}

// Service is the relay queue.
type Service struct {
	store   store.Store
	sweeper *store.TTLSweeper
	clock   clock.Clock
	opts    Options

	mu     sync.RWMutex
	online map[string]struct{}
	pusher Pusher
}

// NewService creates a relay queue over st.
func NewService(st store.Store, opts Options) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = model.DefaultTTL
	}
	if opts.MaxTTL < opts.DefaultTTL {
		opts.MaxTTL = opts.DefaultTTL
	}
	return &Service{
		store:  st,
		clock:  clock.New(),
		opts:   opts,
		online: make(map[string]struct{}),
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *Service) SetClock(c clock.Clock) {
	s.clock = c
}

// SetPusher wires the connection manager used for live delivery.
func (s *Service) SetPusher(p Pusher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pusher = p
}

// SetSweeper routes manual cleanups through the background sweeper so both
// paths share metrics and last-sweep bookkeeping.
func (s *Service) SetSweeper(sw *store.TTLSweeper) {
	s.sweeper = sw
}

// QueueMessage persists a message and, if the recipient is online, pushes it.
// The message stays in the store until acknowledged whatever the push outcome.
func (s *Service) QueueMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.SenderID == "" {
		return nil, ErrMissingSender
	}
	if req.RecipientID == "" {
		return nil, ErrMissingRecipient
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, err
	}

	id := req.MessageID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidMessageID
	}

	ttl := s.clampTTL(req.TTL)
	now := s.clock.Now()
	msg := &model.RelayMessage{
		ID:          id,
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Payload:     req.Payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	// Durability first; the push below is only an optimization.
	if err := s.store.Insert(ctx, msg); err != nil {
		if errors.Is(err, model.ErrDuplicateKey) {
			return nil, err
		}
		metrics.IncrementStoreErrors()
		return nil, xerrors.Errorf("failed to persist message %s: %w", id, err)
	}
	metrics.IncrementQueued()

	online := s.IsOnline(req.RecipientID)
	jww.INFO.Printf("relay: queued msg_id=%s from=%s to=%s ttl=%s online=%t",
		msg.ID, msg.SenderID, msg.RecipientID, ttl, online)

	result := &SendResult{Message: msg, Status: model.StatusQueued}
	if !online {
		return result, nil
	}

	result.Status = model.StatusDelivered
	s.push(ctx, msg)
	return result, nil
}

// FetchPending returns the user's deliverable messages oldest first and
// counts the fetch as a delivery attempt for each.
func (s *Service) FetchPending(ctx context.Context, userID string) ([]*model.RelayMessage, error) {
	pending, err := s.store.GetPending(ctx, userID)
	if err != nil {
		metrics.IncrementStoreErrors()
		return nil, xerrors.Errorf("failed to fetch pending for %s: %w", userID, err)
	}

	now := s.clock.Now()
	for _, msg := range pending {
		if err := s.store.RecordAttempt(ctx, msg.ID); err != nil {
			jww.WARN.Printf("relay: failed to record attempt msg_id=%s: %v", msg.ID, err)
			continue
		}
		msg.RecordAttempt(now)
	}
	return pending, nil
}

// Acknowledge removes a message after the recipient persisted it. Unknown
// ids, and ids addressed to someone other than userID, report not_found
// without error. An empty userID skips the ownership check.
func (s *Service) Acknowledge(ctx context.Context, userID, msgID string) (AckResult, error) {
	if userID != "" {
		msg, err := s.store.Get(ctx, msgID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			metrics.IncrementDuplicateAcks()
			return AckResult{Status: AckNotFound}, nil
		case err != nil:
			metrics.IncrementStoreErrors()
			return AckResult{}, xerrors.Errorf("failed to look up message %s: %w", msgID, err)
		case msg.RecipientID != userID:
			jww.WARN.Printf("relay: %s tried to ack msg_id=%s addressed to %s", userID, msgID, msg.RecipientID)
			return AckResult{Status: AckNotFound}, nil
		}
	}

	ok, err := s.store.Acknowledge(ctx, msgID)
	if err != nil {
		metrics.IncrementStoreErrors()
		return AckResult{}, xerrors.Errorf("failed to acknowledge message %s: %w", msgID, err)
	}
	if !ok {
		metrics.IncrementDuplicateAcks()
		jww.DEBUG.Printf("relay: ack for unknown msg_id=%s", msgID)
		return AckResult{Status: AckNotFound}, nil
	}

	metrics.IncrementAcknowledged()
	jww.INFO.Printf("relay: acknowledged msg_id=%s", msgID)
	return AckResult{Acknowledged: true, Status: AckDeleted}, nil
}

// MarkOnline records that userID has a live session.
func (s *Service) MarkOnline(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = struct{}{}
}

// MarkOffline records that userID no longer has a live session.
func (s *Service) MarkOffline(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, userID)
}

// IsOnline reports whether userID currently has a live session.
func (s *Service) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[userID]
	return ok
}

// Stats returns store aggregates plus the number of online users.
func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		metrics.IncrementStoreErrors()
		return model.Stats{}, xerrors.Errorf("failed to read stats: %w", err)
	}
	s.mu.RLock()
	stats.OnlineUsers = len(s.online)
	s.mu.RUnlock()
	return stats, nil
}

// Cleanup runs a sweep now, in addition to the background timer.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	if s.sweeper != nil {
		return s.sweeper.Sweep(ctx)
	}
	removed, err := s.store.SweepExpired(ctx)
	if err != nil {
		metrics.IncrementStoreErrors()
		return 0, xerrors.Errorf("failed to sweep: %w", err)
	}
	metrics.IncrementExpired(removed)
	return removed, nil
}

// push hands msg to the live session, if any. Failure leaves the message
// queued for the next pending fetch.
func (s *Service) push(ctx context.Context, msg *model.RelayMessage) {
	s.mu.RLock()
	p := s.pusher
	s.mu.RUnlock()
	if p == nil {
		return
	}

	if !p.Push(msg.RecipientID, msg) {
		metrics.IncrementPushFailures()
		jww.INFO.Printf("relay: push failed msg_id=%s to=%s, left queued", msg.ID, msg.RecipientID)
		return
	}
	if err := s.store.RecordAttempt(ctx, msg.ID); err != nil {
		jww.WARN.Printf("relay: failed to record attempt msg_id=%s: %v", msg.ID, err)
	}
}

func (s *Service) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.opts.DefaultTTL
	}
	if ttl > s.opts.MaxTTL {
		return s.opts.MaxTTL
	}
	return ttl
}
