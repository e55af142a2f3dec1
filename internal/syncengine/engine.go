// Package syncengine is the client half of the relay protocol: durable local
// writes, optimistic sends with background retry, and save-then-acknowledge
// on receipt.
package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/multierr"
	"go.uber.org/ratelimit"

	"github.com/natemellendorf/relaychat/internal/localstore"
	"github.com/natemellendorf/relaychat/internal/model"
	"github.com/natemellendorf/relaychat/internal/relayclient"
)

// LocalStore is the durable client store.
type LocalStore interface {
	Save(ctx context.Context, msg *model.LocalMessage) error
	Has(ctx context.Context, id string) (bool, error)
	MarkSynced(ctx context.Context, id string) error
	ListUnsynced(ctx context.Context) ([]*model.LocalMessage, error)
}

// RelayAPI is the subset of the relay client the engine calls.
type RelayAPI interface {
	Send(ctx context.Context, req model.SendRequest) (*model.SendResponse, error)
	Pending(ctx context.Context) ([]*model.RelayMessage, error)
	Acknowledge(ctx context.Context, id string) (*model.AckResponse, error)
}

// StatusEvent tells the UI a message changed state.
type StatusEvent struct {
	MessageID string
	Status    model.LocalStatus
	Err       error
}

// Options configures an Engine.
type Options struct {
	// Identity is the local user; it is the sender of outbound messages.
	Identity string

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// OutboxRate caps resends per second while flushing the outbox.
	OutboxRate int

	// DedupeCacheSize is how many recently seen inbound ids are kept in memory.
	DedupeCacheSize int

	EventBuffer int
}

// DefaultOptions returns the standard retry schedule: 1s doubling to 60s.
func DefaultOptions(identity string) Options {
	return Options{
		Identity:             identity,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     60 * time.Second,
		OutboxRate:           20,
		DedupeCacheSize:      4096,
		EventBuffer:          256,
	}
}

// Engine synchronizes a local store with the relay.
type Engine struct {
	opts   Options
	local  LocalStore
	relay  RelayAPI
	clock  clock.Clock
	seen   *lru.Cache[string, struct{}]
	pacer  ratelimit.Limiter
	events chan StatusEvent

	// flushMu serializes outbox flushes.
	flushMu sync.Mutex
	kick    chan struct{}
}

// New creates an engine over local and relay.
func New(local LocalStore, relay RelayAPI, opts Options) *Engine {
	defaults := DefaultOptions(opts.Identity)
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = defaults.RetryInitialInterval
	}
	if opts.RetryMaxInterval <= 0 {
		opts.RetryMaxInterval = defaults.RetryMaxInterval
	}
	if opts.OutboxRate <= 0 {
		opts.OutboxRate = defaults.OutboxRate
	}
	if opts.DedupeCacheSize <= 0 {
		opts.DedupeCacheSize = defaults.DedupeCacheSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaults.EventBuffer
	}

	seen, _ := lru.New[string, struct{}](opts.DedupeCacheSize)
	return &Engine{
		opts:   opts,
		local:  local,
		relay:  relay,
		clock:  clock.New(),
		seen:   seen,
		pacer:  ratelimit.New(opts.OutboxRate, ratelimit.WithoutSlack),
		events: make(chan StatusEvent, opts.EventBuffer),
		kick:   make(chan struct{}, 1),
	}
}

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(c clock.Clock) {
	e.clock = c
}

// Events returns the status event stream. Events are dropped, not queued,
// when nobody is reading.
func (e *Engine) Events() <-chan StatusEvent {
	return e.events
}

// Send stores a new outbound message and tries to hand it to the relay.
// An error means the message was never stored. A relay failure is not an
// error: the message stays unsynced and is retried in the background.
func (e *Engine) Send(ctx context.Context, recipientID string, payload model.Payload) (*model.LocalMessage, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	msg := &model.LocalMessage{
		ID:          uuid.New().String(),
		SenderID:    e.opts.Identity,
		RecipientID: recipientID,
		Payload:     payload,
		Direction:   model.Outbound,
		Status:      model.LocalSending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(model.DefaultTTL),
	}
	if err := e.local.Save(ctx, msg); err != nil {
		return nil, errors.Wrapf(err, "failed to store outbound message %s", msg.ID)
	}
	e.publish(StatusEvent{MessageID: msg.ID, Status: model.LocalSending})

	if e.push(ctx, msg) {
		msg.Synced = true
		msg.Status = model.LocalSent
	} else {
		e.scheduleRetry()
	}
	return msg, nil
}

// Receive persists an inbound message and only then acknowledges it.
// Messages already stored are re-acknowledged and dropped.
func (e *Engine) Receive(ctx context.Context, msg *model.RelayMessage) error {
	if e.seen.Contains(msg.ID) {
		e.acknowledge(ctx, msg.ID)
		return nil
	}

	have, err := e.local.Has(ctx, msg.ID)
	if err != nil {
		e.publish(StatusEvent{MessageID: msg.ID, Status: model.LocalRetryable, Err: err})
		return errors.Wrapf(err, "failed to check for message %s", msg.ID)
	}
	if have {
		e.seen.Add(msg.ID, struct{}{})
		e.acknowledge(ctx, msg.ID)
		return nil
	}

	err = e.local.Save(ctx, model.NewInboundLocal(msg, e.clock.Now()))
	switch {
	case errors.Is(err, localstore.ErrExists):
		// Stored concurrently by another delivery path.
	case err != nil:
		// No acknowledgment: the relay keeps the message for the next attempt.
		e.publish(StatusEvent{MessageID: msg.ID, Status: model.LocalRetryable, Err: err})
		return errors.Wrapf(err, "failed to store inbound message %s", msg.ID)
	default:
		e.publish(StatusEvent{MessageID: msg.ID, Status: model.LocalReceived})
	}

	e.seen.Add(msg.ID, struct{}{})
	e.acknowledge(ctx, msg.ID)
	return nil
}

// Recover fetches everything pending on the relay and receives it in order.
func (e *Engine) Recover(ctx context.Context) error {
	pending, err := e.relay.Pending(ctx)
	if err != nil {
		return errors.WithMessage(err, "failed to fetch pending messages")
	}

	var errs error
	for _, msg := range pending {
		errs = multierr.Append(errs, e.Receive(ctx, msg))
	}
	if len(pending) > 0 {
		jww.INFO.Printf("sync: recovered %d pending messages", len(pending))
	}
	return errs
}

// RetryUnsynced resends every outbound message the relay has not confirmed
// and returns how many are still unsynced.
func (e *Engine) RetryUnsynced(ctx context.Context) (int, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	unsynced, err := e.local.ListUnsynced(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to list unsynced messages")
	}

	remaining := 0
	for _, msg := range unsynced {
		if ctx.Err() != nil {
			return remaining + 1, ctx.Err()
		}
		e.pacer.Take()
		if !e.push(ctx, msg) {
			remaining++
		}
	}
	if len(unsynced) > 0 {
		jww.INFO.Printf("sync: flushed outbox, %d of %d still unsynced", remaining, len(unsynced))
	}
	return remaining, nil
}

// OnConnect runs the reconnect recovery: pull what was missed, then flush
// the outbox.
func (e *Engine) OnConnect(ctx context.Context) error {
	errs := e.Recover(ctx)
	if _, err := e.RetryUnsynced(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Run retries the outbox in the background with exponential backoff until
// ctx is cancelled. It flushes once on start.
func (e *Engine) Run(ctx context.Context) {
	b := e.newBackOff()
	e.scheduleRetry()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
		}

		for {
			remaining, err := e.RetryUnsynced(ctx)
			if err != nil {
				jww.WARN.Printf("sync: outbox flush failed: %v", err)
			}
			if err == nil && remaining == 0 {
				b.Reset()
				break
			}

			wait := b.NextBackOff()
			jww.DEBUG.Printf("sync: retrying outbox in %s", wait)
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(wait):
			}
		}
	}
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.RetryInitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = e.opts.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Clock = e.clock
	b.Reset()
	return b
}

func (e *Engine) scheduleRetry() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// push sends msg to the relay and marks it synced on success. A duplicate
// id means an earlier attempt got through.
func (e *Engine) push(ctx context.Context, msg *model.LocalMessage) bool {
	_, err := e.relay.Send(ctx, model.SendRequest{
		RecipientID: msg.RecipientID,
		MessageID:   msg.ID,
		Payload:     msg.Payload,
		TTLSeconds:  int(msg.ExpiresAt.Sub(msg.CreatedAt).Seconds()),
	})
	if err != nil && !errors.Is(err, relayclient.ErrDuplicate) {
		if relayclient.IsRetryable(err) {
			jww.INFO.Printf("sync: send %s failed, will retry: %v", msg.ID, err)
		} else {
			jww.ERROR.Printf("sync: relay rejected %s: %v", msg.ID, err)
		}
		return false
	}

	if err := e.local.MarkSynced(ctx, msg.ID); err != nil {
		// The relay has it; the next flush will hit the duplicate path.
		jww.WARN.Printf("sync: failed to mark %s synced: %v", msg.ID, err)
		return false
	}
	e.publish(StatusEvent{MessageID: msg.ID, Status: model.LocalSent})
	return true
}

// acknowledge tells the relay a message is stored locally. Failures are
// harmless: the message is redelivered and deduplicated.
func (e *Engine) acknowledge(ctx context.Context, id string) {
	if _, err := e.relay.Acknowledge(ctx, id); err != nil {
		jww.DEBUG.Printf("sync: acknowledge %s failed: %v", id, err)
	}
}

func (e *Engine) publish(ev StatusEvent) {
	select {
	case e.events <- ev:
	default:
		jww.DEBUG.Printf("sync: dropped %s event for %s", ev.Status, ev.MessageID)
	}
}
