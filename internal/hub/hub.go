// Package hub tracks one live session per identity and routes relay
// messages to it. A failed or impossible push is reported as "offline";
// the durable copy in the relay store covers the gap.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/natemellendorf/relaychat/internal/metrics"
	"github.com/natemellendorf/relaychat/internal/model"
)

const (
	DefaultSendQueueSize = 256
	DefaultPingInterval  = 30 * time.Second
)

// Queue is the relay side the hub reports presence to and drains on connect.
type Queue interface {
	MarkOnline(userID string)
	MarkOffline(userID string)
	FetchPending(ctx context.Context, userID string) ([]*model.RelayMessage, error)
}

// Options configures a Hub.
type Options struct {
	SendQueueSize int
	PingInterval  time.Duration
}

// Hub is the connection manager. It exclusively owns the session map.
type Hub struct {
	queue Queue
	opts  Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a Hub reporting to queue.
func New(queue Queue, opts Options) *Hub {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultSendQueueSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	return &Hub{
		queue:    queue,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Connect registers a session for identity, replacing any previous one, and
// delivers everything queued for it while it was away.
func (h *Hub) Connect(ctx context.Context, identity string, t Transport) *Session {
	s := newSession(h, identity, t, h.opts.SendQueueSize)
	go s.writePump(h.opts.PingInterval)

	h.mu.Lock()
	old := h.sessions[identity]
	h.sessions[identity] = s
	h.queue.MarkOnline(identity)
	h.mu.Unlock()

	metrics.ConnectionsCurrent.Inc()
	if old != nil {
		jww.INFO.Printf("hub: %s reconnected, closing previous session %s", identity, old.ID)
		old.close()
		metrics.ConnectionsCurrent.Dec()
	}
	jww.INFO.Printf("hub: %s connected session=%s total=%d", identity, s.ID, h.Count())

	h.deliverPending(ctx, s)
	return s
}

// Disconnect removes s if it is still the identity's current session.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	current := h.sessions[s.Identity] == s
	if current {
		delete(h.sessions, s.Identity)
		h.queue.MarkOffline(s.Identity)
	}
	h.mu.Unlock()

	if s.close() && current {
		metrics.ConnectionsCurrent.Dec()
		jww.INFO.Printf("hub: %s disconnected session=%s total=%d", s.Identity, s.ID, h.Count())
	}
}

// Push queues a delivery frame for the recipient's session. It never waits
// on the socket: no session, a closed session or a full queue all return false.
// A session still replaying its backlog holds msg and sends it afterwards.
func (h *Hub) Push(recipientID string, msg *model.RelayMessage) bool {
	s := h.Session(recipientID)
	if s == nil {
		return false
	}

	if s.hold(msg) {
		jww.DEBUG.Printf("hub: held msg_id=%s for %s until backlog is queued", msg.ID, recipientID)
		return true
	}
	if !s.Send(model.NewDeliveryFrame(msg)) {
		return false
	}
	metrics.IncrementPushed()
	jww.DEBUG.Printf("hub: pushed msg_id=%s to=%s", msg.ID, recipientID)
	return true
}

// Route is the connection manager's routing entry point. It behaves exactly
// like Push.
func (h *Hub) Route(recipientID string, msg *model.RelayMessage) bool {
	return h.Push(recipientID, msg)
}

// Session returns the identity's current session, or nil.
func (h *Hub) Session(identity string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[identity]
}

// IsOnline reports whether identity has a current session.
func (h *Hub) IsOnline(identity string) bool {
	return h.Session(identity) != nil
}

// Count returns the number of current sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		h.Disconnect(s)
	}
}

// deliverPending is the recovery point: the backlog is written to the new
// session in order, then anything pushed while it was being fetched. Held
// messages already in the backlog are skipped. It blocks only this session's
// caller while the queue drains, and stops if the session closes.
func (h *Hub) deliverPending(ctx context.Context, s *Session) {
	pending, err := h.queue.FetchPending(ctx, s.Identity)
	if err != nil {
		jww.ERROR.Printf("hub: failed to fetch pending for %s: %v", s.Identity, err)
	}

	seen := make(map[string]struct{}, len(pending))
	for _, msg := range pending {
		if !h.enqueue(ctx, s, msg) {
			s.stopRecovering()
			return
		}
		seen[msg.ID] = struct{}{}
	}
	if len(pending) > 0 {
		jww.INFO.Printf("hub: delivered %d pending messages to %s", len(pending), s.Identity)
	}

	for {
		held := s.takeHeld()
		if len(held) == 0 {
			return
		}
		for _, msg := range held {
			if _, ok := seen[msg.ID]; ok {
				continue
			}
			if !h.enqueue(ctx, s, msg) {
				s.stopRecovering()
				return
			}
			seen[msg.ID] = struct{}{}
		}
	}
}

// enqueue waits for room on the session queue. It returns false if the
// session or ctx ends first.
func (h *Hub) enqueue(ctx context.Context, s *Session, msg *model.RelayMessage) bool {
	data, err := json.Marshal(model.NewDeliveryFrame(msg))
	if err != nil {
		jww.ERROR.Printf("hub: failed to marshal msg_id=%s: %v", msg.ID, err)
		return true
	}
	select {
	case s.send <- data:
		metrics.IncrementPushed()
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}
