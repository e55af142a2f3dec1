package hub

import (
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds a single socket write.
const DefaultWriteTimeout = 10 * time.Second

// WSTransport adapts a gorilla websocket connection to Transport.
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWSTransport wraps conn. A non-positive timeout uses DefaultWriteTimeout.
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WSTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *WSTransport) Write(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Close sends a close frame and closes the socket.
func (t *WSTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}
