package channel

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// WSChannel implements Duplex over a WebSocket connection. The same type
// serves both ends: the gateway accepts, clients dial.
type WSChannel struct {
	id   string
	conn *websocket.Conn

	mu         sync.Mutex
	handler    Handler
	disconnect DisconnectHandler
	closed     bool
	closeErr   error

	cancelRead context.CancelFunc
	done       chan struct{}
}

// Accept upgrades an inbound HTTP request into a duplex channel and starts
// its read loop.
func Accept(w http.ResponseWriter, r *http.Request) (*WSChannel, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, &protocol.ChannelError{Op: "accept", Err: err}
	}
	return newWSChannel(conn), nil
}

// Dial connects to a gateway WebSocket endpoint and starts the read loop.
func Dial(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, &protocol.ChannelError{Op: "dial", Err: err}
	}
	return newWSChannel(conn), nil
}

func newWSChannel(conn *websocket.Conn) *WSChannel {
	readCtx, cancel := context.WithCancel(context.Background())
	c := &WSChannel{
		id:         uuid.NewString(),
		conn:       conn,
		cancelRead: cancel,
		done:       make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c
}

// ID returns the connection identity.
func (c *WSChannel) ID() string { return c.id }

// Send writes one message to the peer. It fails immediately once the pipe
// has closed so the caller never believes a dropped message is in flight.
func (c *WSChannel) Send(msg *protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &protocol.ChannelError{Op: "send", Err: protocol.ErrChannelClosed}
	}
	c.mu.Unlock()

	data, err := msg.Encode()
	if err != nil {
		return &protocol.ChannelError{Op: "send", Err: err}
	}
	if err := c.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		c.teardown(err)
		return &protocol.ChannelError{Op: "send", Err: err}
	}
	return nil
}

// OnMessage registers the inbound handler.
func (c *WSChannel) OnMessage(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnDisconnect registers the disconnect observer. If the channel is already
// down the observer fires immediately.
func (c *WSChannel) OnDisconnect(h DisconnectHandler) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		if h != nil {
			h(err)
		}
		return
	}
	c.disconnect = h
	c.mu.Unlock()
}

// Close tears the channel down. The disconnect observer sees a nil error
// for this orderly local close.
func (c *WSChannel) Close() error {
	c.teardown(nil)
	return nil
}

func (c *WSChannel) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("channel closed by peer", "conn_id", c.id)
			}
			c.teardown(err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// No type information survives a malformed frame, so the
			// reply cannot be routed; report it here and move on.
			slog.Warn("dropping malformed frame", "conn_id", c.id, "error", err)
			if sendErr := c.Send(protocol.ErrorReply("", err)); sendErr != nil {
				return
			}
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

// teardown marks the channel closed exactly once, closes the socket, and
// notifies the disconnect observer.
func (c *WSChannel) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	h := c.disconnect
	c.mu.Unlock()

	c.cancelRead()
	status := websocket.StatusNormalClosure
	reason := "channel closed"
	if cause != nil {
		status = websocket.StatusInternalError
		reason = "channel error"
	}
	if err := c.conn.Close(status, reason); err != nil {
		slog.Debug("failed to close websocket", "conn_id", c.id, "error", err)
	}
	close(c.done)
	if h != nil {
		h(cause)
	}
}
