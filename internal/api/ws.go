package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/natemellendorf/relaychat/internal/auth"
	"github.com/natemellendorf/relaychat/internal/hub"
	"github.com/natemellendorf/relaychat/internal/model"
	"github.com/natemellendorf/relaychat/internal/relay"
)

const (
	// pongWait is how long the reader waits for any frame or pong.
	pongWait = 60 * time.Second

	maxFrameBytes = 1 << 20
)

// WSHandler handles client WebSocket connections.
type WSHandler struct {
	svc           *relay.Service
	hub           *hub.Hub
	verifier      auth.Verifier
	originChecker *OriginChecker
	writeTimeout  time.Duration
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(svc *relay.Service, h *hub.Hub, verifier auth.Verifier, originChecker *OriginChecker, writeTimeout time.Duration) *WSHandler {
	return &WSHandler{
		svc:           svc,
		hub:           h,
		verifier:      verifier,
		originChecker: originChecker,
		writeTimeout:  writeTimeout,
	}
}

// HandleWebSocket authenticates, upgrades and attaches the connection to the hub.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.originChecker.Check(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	identity, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		jww.INFO.Printf("ws: rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Origin already validated above
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.WARN.Printf("ws: failed to upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := h.hub.Connect(ctx, identity, hub.NewWSTransport(conn, h.writeTimeout))
	defer h.hub.Disconnect(session)

	h.readPump(ctx, conn, session)
}

// readPump reads client frames until the socket fails or the session is replaced.
func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, session *hub.Session) {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame model.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				jww.WARN.Printf("ws: read error for %s: %v", session.Identity, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		h.handleFrame(ctx, session, &frame)
	}
}

// handleFrame dispatches core frames. Anything else (typing indicators,
// presence chatter) is ignored.
func (h *WSHandler) handleFrame(ctx context.Context, session *hub.Session, frame *model.Frame) {
	if !model.IsCoreFrameType(frame.Type) {
		jww.DEBUG.Printf("ws: ignoring %q frame from %s", frame.Type, session.Identity)
		return
	}

	switch frame.Type {
	case model.FrameTypeAck:
		h.handleAck(ctx, session, frame)
	case model.FrameTypePull:
		h.handlePull(ctx, session)
	}
}

func (h *WSHandler) handleAck(ctx context.Context, session *hub.Session, frame *model.Frame) {
	if frame.MessageID == "" {
		h.sendError(session, "message_id required")
		return
	}

	res, err := h.svc.Acknowledge(ctx, session.Identity, frame.MessageID)
	if err != nil {
		jww.ERROR.Printf("ws: ack msg_id=%s from %s failed: %v", frame.MessageID, session.Identity, err)
		h.sendError(session, "failed to acknowledge message")
		return
	}

	session.Send(model.Frame{
		Type:      model.FrameTypeAckOK,
		MessageID: frame.MessageID,
		Result:    res.Status,
	})
}

func (h *WSHandler) handlePull(ctx context.Context, session *hub.Session) {
	messages, err := h.svc.FetchPending(ctx, session.Identity)
	if err != nil {
		jww.ERROR.Printf("ws: pull for %s failed: %v", session.Identity, err)
		h.sendError(session, "failed to pull messages")
		return
	}

	session.Send(model.Frame{
		Type:     model.FrameTypeMessages,
		Messages: messages,
		Count:    len(messages),
	})
}

func (h *WSHandler) sendError(session *hub.Session, msg string) {
	session.Send(model.Frame{Type: model.FrameTypeError, Error: msg})
}
