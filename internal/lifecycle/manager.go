// Package lifecycle owns the panel-side duplex connection: connect,
// reconnect with backoff, and the degraded local fallback mode entered
// when the reconnection budget runs out.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wybert/earth-agent-gateway/internal/channel"
	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// ConnState is the lifecycle state of the managed connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Dialer opens a new duplex channel. Every successful call yields a new
// connection identity; nothing may assume identity is stable across
// reconnects.
type Dialer func(ctx context.Context) (channel.Duplex, error)

// Options tunes reconnect behavior.
type Options struct {
	// BaseDelay scales the linear backoff: attempt n waits n*BaseDelay.
	BaseDelay time.Duration
	// MaxAttempts caps consecutive failed reconnects before fallback
	// mode engages.
	MaxAttempts int
	// PingInterval spaces keepalive pings on an open connection. Zero
	// disables keepalive.
	PingInterval time.Duration
	// DialTimeout bounds each individual connect attempt.
	DialTimeout time.Duration
}

// Manager owns the connection exclusively: the coordinator never initiates
// connects or reconnects, it only posts replies back.
type Manager struct {
	dial Dialer
	opts Options

	mu       sync.Mutex
	state    ConnState
	conn     channel.Duplex
	attempt  int
	fallback bool
	closed   bool

	onMessage channel.Handler
	onDrop    func(err error)
}

// NewManager creates a manager around the dialer. Connect must be called
// to open the first connection.
func NewManager(dial Dialer, opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Manager{dial: dial, opts: opts}
}

// OnMessage registers the handler receiving all inbound frames, including
// locally synthesized ones while in fallback mode.
func (m *Manager) OnMessage(h channel.Handler) {
	m.mu.Lock()
	m.onMessage = h
	m.mu.Unlock()
}

// OnDrop registers the observer notified when an open connection dies.
// The owner uses it to fail in-flight requests so the user can resubmit;
// they are never silently retried on the new connection.
func (m *Manager) OnDrop(h func(err error)) {
	m.mu.Lock()
	m.onDrop = h
	m.mu.Unlock()
}

// Connect opens the connection. A success resets the attempt counter to
// zero and clears fallback mode, including when called manually after the
// reconnect budget was exhausted.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &protocol.ChannelError{Op: "connect", Err: protocol.ErrChannelClosed}
	}
	if m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	m.attempt = 0
	m.fallback = false
	m.mu.Unlock()

	conn.OnMessage(m.deliver)
	conn.OnDisconnect(func(cause error) {
		m.handleDisconnect(conn, cause)
	})

	if err := conn.Send(&protocol.Message{Type: protocol.TypeInit}); err != nil {
		slog.Warn("failed to send INIT", "conn_id", conn.ID(), "error", err)
	}
	if m.opts.PingInterval > 0 {
		go m.pingLoop(conn)
	}

	slog.Info("connection open", "conn_id", conn.ID())
	return nil
}

// Send forwards a message on the open connection. In fallback mode the
// local echo responder answers instead, keeping the surface usable with
// server-backed features disabled.
func (m *Manager) Send(msg *protocol.Message) error {
	m.mu.Lock()
	if m.fallback {
		h := m.onMessage
		m.mu.Unlock()
		go m.localEcho(msg, h)
		return nil
	}
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return &protocol.ChannelError{Op: "send", Err: protocol.ErrChannelClosed}
	}
	return conn.Send(msg)
}

// State reports the lifecycle state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt reports the consecutive failed reconnect count.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// FallbackMode reports whether the reconnect budget was exhausted.
func (m *Manager) FallbackMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallback
}

// ConnID reports the current connection identity, or "".
func (m *Manager) ConnID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ""
	}
	return m.conn.ID()
}

// Close tears the manager down for good; no reconnect follows.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) deliver(msg *protocol.Message) {
	m.mu.Lock()
	h := m.onMessage
	m.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// handleDisconnect reacts to the end of a specific connection. An orderly
// local close (nil cause) ends the lifecycle; anything else schedules
// reconnection.
func (m *Manager) handleDisconnect(conn channel.Duplex, cause error) {
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	drop := m.onDrop
	m.mu.Unlock()

	if cause == nil {
		cause = protocol.ErrChannelClosed
	} else {
		slog.Warn("connection lost", "conn_id", conn.ID(), "error", cause)
		go m.reconnectLoop()
	}
	if drop != nil {
		drop(&protocol.ChannelError{Op: "connection", Err: cause})
	}
}

// reconnectLoop retries with linearly increasing delay until a connect
// succeeds, the budget is exhausted, or the manager closes.
func (m *Manager) reconnectLoop() {
	for {
		m.mu.Lock()
		if m.closed || m.state != StateDisconnected {
			m.mu.Unlock()
			return
		}
		m.attempt++
		attempt := m.attempt
		if attempt > m.opts.MaxAttempts {
			m.fallback = true
			m.mu.Unlock()
			slog.Warn("reconnect budget exhausted, entering fallback mode",
				"attempts", attempt-1)
			return
		}
		m.mu.Unlock()

		delay := time.Duration(attempt) * m.opts.BaseDelay
		slog.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
		err := m.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		slog.Warn("reconnect failed", "attempt", attempt, "error", err)

		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
	}
}

// pingLoop keeps one specific connection alive. It exits as soon as that
// connection is replaced or sending fails.
func (m *Manager) pingLoop(conn channel.Duplex) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		current := m.conn == conn && m.state == StateOpen
		m.mu.Unlock()
		if !current {
			return
		}
		if err := conn.Send(&protocol.Message{Type: protocol.TypePing}); err != nil {
			return
		}
	}
}

// localEcho answers a message locally while in fallback mode.
func (m *Manager) localEcho(msg *protocol.Message, h channel.Handler) {
	if h == nil {
		return
	}
	switch msg.Type {
	case protocol.TypeChatMessage:
		h(&protocol.Message{
			Type:      protocol.TypeChatResponse,
			RequestID: msg.RequestID,
			Data: "The assistant service is unreachable right now, so this is a " +
				"local echo. You said: " + msg.Content,
		})
	case protocol.TypePing:
		h(&protocol.Message{Type: protocol.TypePong})
	case protocol.TypeCancelStream:
		// Nothing is streaming locally.
	default:
		h(protocol.ErrorReply(msg.RequestID,
			errors.New("offline: server-backed features are disabled")))
	}
}
