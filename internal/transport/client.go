// Package transport keeps a client's WebSocket to the relay open, reconnecting
// with exponential backoff and handing pushed messages to a Handler.
package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/natemellendorf/relaychat/internal/model"
)

const (
	// ReconnectBaseDelay is the first wait after a failed dial.
	ReconnectBaseDelay = 1 * time.Second

	// ReconnectMaxDelay caps the wait between dials.
	ReconnectMaxDelay = 60 * time.Second

	// ReadTimeout is how long the connection may stay silent. The relay
	// pings well inside this window.
	ReadTimeout = 90 * time.Second

	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

// Handler receives relay events. Both methods are called from the
// connection's goroutines.
type Handler interface {
	// Receive is called for each pushed message.
	Receive(ctx context.Context, msg *model.RelayMessage) error
	// OnConnect is called after every successful dial.
	OnConnect(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReadTimeout        time.Duration
	Dialer             *websocket.Dialer
}

// Client is a reconnecting WebSocket connection to the relay.
type Client struct {
	url       string
	handler   Handler
	opts      Options
	clock     clock.Clock
	connected atomic.Bool
	dials     atomic.Int64
}

// New creates a client for the relay WebSocket endpoint wsURL
// (e.g. ws://localhost:8080/ws) that authenticates with token.
func New(wsURL, token string, h Handler, opts Options) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid relay url %q", wsURL)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, errors.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = ReconnectBaseDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = ReconnectMaxDelay
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = ReadTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Client{
		url:     u.String(),
		handler: h,
		opts:    opts,
		clock:   clock.New(),
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (c *Client) SetClock(clk clock.Clock) {
	c.clock = clk
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Dials returns how many connections have been established.
func (c *Client) Dials() int64 {
	return c.dials.Load()
}

// Run dials the relay and serves the connection, reconnecting whenever it
// drops, until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectBaseDelay
	b.MaxInterval = c.opts.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Clock = c.clock
	b.Reset()

	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			b.Reset()
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			jww.WARN.Printf("ws: dial failed: %v", err)
		}

		if ctx.Err() != nil {
			return nil
		}
		delay := b.NextBackOff()
		jww.INFO.Printf("ws: reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(delay):
		}
	}
}

// serve runs the read loop until the connection fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.connected.Store(true)
	c.dials.Add(1)
	defer c.connected.Store(false)
	jww.INFO.Printf("ws: connected to relay")

	go func() {
		<-connCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}()

	go func() {
		if err := c.handler.OnConnect(connCtx); err != nil && connCtx.Err() == nil {
			jww.WARN.Printf("ws: reconnect recovery incomplete: %v", err)
		}
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if connCtx.Err() == nil {
				jww.WARN.Printf("ws: read error: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			jww.DEBUG.Printf("ws: dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(connCtx, &frame)
	}
}

func (c *Client) dispatch(ctx context.Context, frame *model.Frame) {
	switch frame.Type {
	case model.FrameTypeRelayMessage:
		if frame.Data == nil {
			return
		}
		if err := c.handler.Receive(ctx, frame.Data); err != nil {
			jww.WARN.Printf("ws: receive %s failed: %v", frame.Data.ID, err)
		}
	case model.FrameTypeMessages:
		for _, msg := range frame.Messages {
			if err := c.handler.Receive(ctx, msg); err != nil {
				jww.WARN.Printf("ws: receive %s failed: %v", msg.ID, err)
			}
		}
	case model.FrameTypeError:
		jww.WARN.Printf("ws: relay error: %s", frame.Error)
	default:
		jww.DEBUG.Printf("ws: ignoring %q frame", frame.Type)
	}
}
