package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/natemellendorf/relaychat/internal/metrics"
	"github.com/natemellendorf/relaychat/internal/model"
)

// Transport is the write side of one client connection. Write and Ping are
// only ever called from the session's writer goroutine; Close may be called
// from anywhere.
type Transport interface {
	Write(data []byte) error
	Ping() error
	Close() error
}

// Session is one identity's live connection. Frames are queued on a bounded
// channel and written by a dedicated goroutine, so a stalled socket only
// stalls its own session.
type Session struct {
	ID       string
	Identity string

	hub       *Hub
	transport Transport
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// While recovering, pushes are held here until the backlog is queued.
	holdMu     sync.Mutex
	recovering bool
	held       []*model.RelayMessage
}

func newSession(h *Hub, identity string, t Transport, queueSize int) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Identity:  identity,
		hub:       h,
		transport: t,
		send:       make(chan []byte, queueSize),
		done:       make(chan struct{}),
		recovering: true,
	}
}

// hold keeps msg back if the session is still replaying its backlog. It
// reports whether msg was held.
func (s *Session) hold(msg *model.RelayMessage) bool {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	if !s.recovering {
		return false
	}
	s.held = append(s.held, msg)
	return true
}

// takeHeld returns the held messages. When none are left it ends recovery,
// so the next push goes straight to the send queue.
func (s *Session) takeHeld() []*model.RelayMessage {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	held := s.held
	s.held = nil
	if len(held) == 0 {
		s.recovering = false
	}
	return held
}

// stopRecovering drops anything held. The relay store still has it.
func (s *Session) stopRecovering() {
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	s.recovering = false
	s.held = nil
}

// Send queues frame without blocking. It returns false if the session is
// closed or its queue is full.
func (s *Session) Send(frame model.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	data, err := json.Marshal(frame)
	if err != nil {
		jww.ERROR.Printf("hub: failed to marshal %s frame: %v", frame.Type, err)
		return false
	}

	select {
	case s.send <- data:
		return true
	default:
		metrics.IncrementDropped()
		jww.WARN.Printf("hub: send queue full for %s session=%s, dropping %s frame",
			s.Identity, s.ID, frame.Type)
		return false
	}
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// close ends the session once. It reports whether this call closed it.
func (s *Session) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.transport.Close(); err != nil {
			jww.DEBUG.Printf("hub: close session=%s: %v", s.ID, err)
		}
		closed = true
	})
	return closed
}

func (s *Session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.send:
			if err := s.transport.Write(data); err != nil {
				jww.WARN.Printf("hub: write failed for %s session=%s: %v", s.Identity, s.ID, err)
				s.hub.Disconnect(s)
				return
			}
		case <-ticker.C:
			if err := s.transport.Ping(); err != nil {
				jww.WARN.Printf("hub: ping failed for %s session=%s: %v", s.Identity, s.ID, err)
				s.hub.Disconnect(s)
				return
			}
		case <-s.done:
			return
		}
	}
}
