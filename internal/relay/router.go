// Package relay routes messages between connected surfaces and the
// upstream providers. It is the central dispatcher of the long-lived
// gateway process: it owns the dispatch table, the in-flight request set,
// and the per-connection streaming discipline.
package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wybert/earth-agent-gateway/internal/channel"
	"github.com/wybert/earth-agent-gateway/internal/domain"
	"github.com/wybert/earth-agent-gateway/internal/protocol"
	"github.com/wybert/earth-agent-gateway/internal/store"
	"github.com/wybert/earth-agent-gateway/internal/upstream"
)

// DefaultSystemPrompt frames the assistant for the geospatial code editor.
const DefaultSystemPrompt = "You are an assistant embedded in a web-based " +
	"geospatial code editor. Answer questions about Earth observation " +
	"datasets and geospatial analysis, and keep code examples short enough " +
	"to paste into the editor."

// persistTimeout bounds the transcript handoff after a stream finishes.
const persistTimeout = 5 * time.Second

// Streamer starts one upstream fragment stream per request.
type Streamer interface {
	Stream(ctx context.Context, req upstream.StreamRequest) iter.Seq2[string, error]
}

// DocsSearcher is the direct call path to the documentation collaborator.
type DocsSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// DocsProxy is the one-shot channel path to the documentation collaborator,
// used when the process cannot reach the network directly.
type DocsProxy interface {
	Request(ctx context.Context, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error)
}

// Options tunes router behavior.
type Options struct {
	DefaultProvider domain.ProviderKind
	SystemPrompt    string
	OneShotTimeout  time.Duration
}

type handlerFunc func(conn channel.Duplex, msg *protocol.Message)

// flight is one in-flight request. At most one exists per connection.
type flight struct {
	requestID string
	cancel    context.CancelFunc
	state     domain.RequestState
}

// Router dispatches inbound messages and coordinates upstream streams.
// It is constructed once per process and torn down on process exit.
type Router struct {
	sessions  *store.Sessions
	streamer  Streamer
	docs      DocsSearcher
	docsProxy DocsProxy
	limiter   *RateLimiter
	opts      Options

	mu       sync.Mutex
	inflight map[string]*flight // connection id -> active flight
	handlers map[protocol.MessageType]handlerFunc
}

// New creates the router. docsProxy may be nil, which forces the direct
// call path for documentation queries.
func New(sessions *store.Sessions, streamer Streamer, docs DocsSearcher, docsProxy DocsProxy, limiter *RateLimiter, opts Options) *Router {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = domain.ProviderOpenAI
	}
	if opts.OneShotTimeout <= 0 {
		opts.OneShotTimeout = channel.DefaultRequestTimeout
	}

	rt := &Router{
		sessions:  sessions,
		streamer:  streamer,
		docs:      docs,
		docsProxy: docsProxy,
		limiter:   limiter,
		opts:      opts,
		inflight:  make(map[string]*flight),
	}
	rt.handlers = map[protocol.MessageType]handlerFunc{
		protocol.TypeInit:         rt.handleInit,
		protocol.TypePing:         rt.handlePing,
		protocol.TypeChatMessage:  rt.handleChat,
		protocol.TypeCancelStream: rt.handleCancel,
		protocol.TypeDocsRequest:  rt.handleDocs,
	}
	return rt
}

// Attach wires a duplex connection into the router. The router holds the
// connection only by identity; it never initiates connects or reconnects.
func (rt *Router) Attach(conn channel.Duplex) {
	conn.OnMessage(func(msg *protocol.Message) {
		rt.dispatch(conn, msg)
	})
	conn.OnDisconnect(func(err error) {
		rt.abandon(conn.ID(), err)
	})
	slog.Info("connection attached", "conn_id", conn.ID())
}

// Close cancels all in-flight requests and releases router resources.
func (rt *Router) Close() {
	rt.mu.Lock()
	for connID, fl := range rt.inflight {
		fl.cancel()
		delete(rt.inflight, connID)
	}
	rt.mu.Unlock()
	if rt.limiter != nil {
		rt.limiter.Close()
	}
}

// dispatch validates one inbound message and routes it by type. Unknown
// types and malformed payloads produce an ERROR reply, never a crash.
func (rt *Router) dispatch(conn channel.Duplex, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "conn_id", conn.ID(), "type", msg.Type, "panic", r)
			rt.reply(conn, protocol.ErrorReply(msg.RequestID, &protocol.ProtocolError{
				Reason: "internal error handling " + string(msg.Type),
			}))
		}
	}()

	if err := msg.Validate(); err != nil {
		slog.Warn("rejecting invalid message", "conn_id", conn.ID(), "type", msg.Type, "error", err)
		rt.reply(conn, protocol.ErrorReply(msg.RequestID, err))
		return
	}

	h, ok := rt.handlers[msg.Type]
	if !ok {
		rt.reply(conn, protocol.ErrorReply(msg.RequestID, &protocol.ProtocolError{
			Reason: string(msg.Type) + " is not routable to the coordinator",
		}))
		return
	}
	h(conn, msg)
}

func (rt *Router) handleInit(conn channel.Duplex, _ *protocol.Message) {
	rt.reply(conn, &protocol.Message{Type: protocol.TypeInit, Data: conn.ID()})
}

func (rt *Router) handlePing(conn channel.Duplex, _ *protocol.Message) {
	rt.reply(conn, &protocol.Message{Type: protocol.TypePong})
}

// handleChat admits at most one pending/streaming request per connection.
// A second CHAT_MESSAGE is rejected with an ERROR, leaving the first
// request untouched: fragment ordering only holds per request id, so
// interleaving two streams over one accumulation path would corrupt both.
func (rt *Router) handleChat(conn channel.Duplex, msg *protocol.Message) {
	if rt.limiter != nil && !rt.limiter.Allow(conn.ID()) {
		rt.reply(conn, protocol.ErrorReply(msg.RequestID, errors.New("rate limit exceeded")))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	fl := &flight{requestID: msg.RequestID, cancel: cancel, state: domain.RequestPending}

	rt.mu.Lock()
	if existing, ok := rt.inflight[conn.ID()]; ok && !existing.state.Terminal() {
		rt.mu.Unlock()
		cancel()
		rt.reply(conn, protocol.ErrorReply(msg.RequestID,
			fmt.Errorf("request %s is already in progress on this connection", existing.requestID)))
		return
	}
	rt.inflight[conn.ID()] = fl
	rt.mu.Unlock()

	slog.Info("chat request accepted",
		"conn_id", conn.ID(),
		"request_id", msg.RequestID,
		"provider", msg.Provider,
		"message_length", len(msg.Content),
	)

	go rt.stream(ctx, conn, fl, msg)
}

// stream runs one upstream stream and forwards its fragments as frames on
// the originating connection.
func (rt *Router) stream(ctx context.Context, conn channel.Duplex, fl *flight, msg *protocol.Message) {
	defer rt.clear(conn.ID(), fl)

	req := rt.buildRequest(ctx, msg)

	var full strings.Builder
	started := false

	for frag, err := range rt.streamer.Stream(ctx, req) {
		if err != nil {
			rt.finishWithError(ctx, conn, fl, msg, started, err)
			return
		}
		if ctx.Err() != nil {
			// Cancelled while fragments were in flight; drop them.
			rt.setState(fl, domain.RequestCancelled)
			return
		}

		started = true
		rt.setState(fl, domain.RequestStreaming)
		full.WriteString(frag)

		if sendErr := rt.reply(conn, &protocol.Message{
			Type:      protocol.TypeChatStreamChunk,
			RequestID: msg.RequestID,
			Chunk:     frag,
		}); sendErr != nil {
			// The connection is gone; abandon rather than buffer.
			fl.cancel()
			rt.setState(fl, domain.RequestFailed)
			return
		}
	}

	if ctx.Err() != nil {
		rt.setState(fl, domain.RequestCancelled)
		return
	}

	answer := full.String()
	rt.setState(fl, domain.RequestCompleted)
	if err := rt.reply(conn, &protocol.Message{
		Type:      protocol.TypeChatStreamEnd,
		RequestID: msg.RequestID,
		Data:      answer,
	}); err != nil {
		return
	}
	rt.persistExchange(msg.Content, answer)
}

// finishWithError applies the error propagation policy. Cancellation is
// not a failure and emits nothing: the canceller already knows. A stream
// that never started triggers the canned degraded-mode answer so the user
// always receives something instead of a raw exception. A mid-stream
// failure becomes a terminal ERROR; the receiving side discards the
// partial text.
func (rt *Router) finishWithError(ctx context.Context, conn channel.Duplex, fl *flight, msg *protocol.Message, started bool, err error) {
	if errors.Is(err, protocol.ErrCancelled) || ctx.Err() != nil {
		rt.setState(fl, domain.RequestCancelled)
		slog.Info("stream cancelled", "request_id", msg.RequestID)
		return
	}

	slog.Error("upstream stream failed", "request_id", msg.RequestID, "started", started, "error", err)

	if !started {
		answer := Fallback(msg.Content)
		rt.setState(fl, domain.RequestCompleted)
		if sendErr := rt.reply(conn, &protocol.Message{
			Type:      protocol.TypeChatResponse,
			RequestID: msg.RequestID,
			Data:      answer,
			Error:     err.Error(),
		}); sendErr != nil {
			return
		}
		rt.persistExchange(msg.Content, answer)
		return
	}

	rt.setState(fl, domain.RequestFailed)
	_ = rt.reply(conn, protocol.ErrorReply(msg.RequestID, err))
}

// buildRequest assembles the provider call: stored credentials, the
// session context the surface supplied, and the new user message.
func (rt *Router) buildRequest(ctx context.Context, msg *protocol.Message) upstream.StreamRequest {
	kind := msg.Provider
	if !kind.Known() {
		kind = rt.opts.DefaultProvider
	}

	var creds domain.ProviderCredentials
	if rt.sessions != nil {
		var err error
		creds, err = rt.sessions.Credentials(ctx)
		if err != nil {
			slog.Warn("failed to read provider credentials", "error", err)
		}
	}

	messages := make([]domain.StoredMessage, 0, len(msg.Context)+1)
	messages = append(messages, msg.Context...)
	messages = append(messages, domain.StoredMessage{Role: domain.RoleUser, Content: msg.Content})

	return upstream.StreamRequest{
		Provider:     kind,
		APIKey:       creds.KeyFor(kind),
		Model:        msg.Model,
		SystemPrompt: rt.opts.SystemPrompt,
		Messages:     messages,
	}
}

// persistExchange hands the finished transcript to the persistence
// collaborator. Failures are logged, not surfaced: the user already has
// the answer.
func (rt *Router) persistExchange(userText, assistantText string) {
	if rt.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	id, err := rt.sessions.ActiveSessionID(ctx)
	if err != nil {
		slog.Warn("failed to read active session", "error", err)
		return
	}

	var session *domain.Session
	if id != "" {
		session, err = rt.sessions.Session(ctx, id)
		if err != nil {
			slog.Warn("failed to load session", "session_id", id, "error", err)
			return
		}
	}
	fresh := session == nil
	if fresh {
		now := time.Now()
		session = &domain.Session{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	}

	updated := session.WithExchange(userText, assistantText)
	if err := rt.sessions.SaveSession(ctx, updated); err != nil {
		slog.Warn("failed to save session", "session_id", updated.ID, "error", err)
		return
	}
	if fresh {
		if err := rt.sessions.SetActiveSessionID(ctx, updated.ID); err != nil {
			slog.Warn("failed to set active session", "session_id", updated.ID, "error", err)
		}
	}
}

// handleCancel aborts the connection's active stream. Late fragments for
// the cancelled id are dropped, not buffered or replayed.
func (rt *Router) handleCancel(conn channel.Duplex, msg *protocol.Message) {
	rt.mu.Lock()
	fl, ok := rt.inflight[conn.ID()]
	if !ok || fl.requestID != msg.RequestID || fl.state.Terminal() {
		// Unknown or already-terminal id: ignore, duplicate cancels are
		// expected under retry.
		rt.mu.Unlock()
		return
	}
	fl.state = domain.RequestCancelled
	rt.mu.Unlock()

	fl.cancel()
	slog.Info("cancel requested", "conn_id", conn.ID(), "request_id", msg.RequestID)
}

// handleDocs routes a documentation query: through the one-shot proxy when
// configured, falling back to the direct call path on a timeout or channel
// failure.
func (rt *Router) handleDocs(conn channel.Duplex, msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := rt.searchDocs(ctx, msg)
	if err != nil {
		rt.reply(conn, protocol.ErrorReply(msg.RequestID, err))
		return
	}
	rt.reply(conn, &protocol.Message{
		Type:      protocol.TypeDocsResponse,
		RequestID: msg.RequestID,
		Data:      result,
	})
}

func (rt *Router) searchDocs(ctx context.Context, msg *protocol.Message) (string, error) {
	if rt.docsProxy != nil {
		reply, err := rt.docsProxy.Request(ctx, msg, rt.opts.OneShotTimeout)
		switch {
		case err == nil:
			if reply.Type == protocol.TypeError {
				return "", errors.New(reply.Error)
			}
			return reply.Data, nil
		case isProxyFallbackErr(err):
			slog.Warn("docs proxy unavailable, falling back to direct call",
				"request_id", msg.RequestID, "error", err)
		default:
			return "", err
		}
	}
	if rt.docs == nil {
		return "", errors.New("documentation search is not configured")
	}
	return rt.docs.Search(ctx, msg.Query)
}

// isProxyFallbackErr reports whether a proxy failure warrants the direct
// call path: timeouts and channel-level breakage, not application errors.
func isProxyFallbackErr(err error) bool {
	var timeoutErr *protocol.TimeoutError
	var channelErr *protocol.ChannelError
	return errors.As(err, &timeoutErr) || errors.As(err, &channelErr)
}

// reply sends a frame back on the originating connection. Send failures
// mean the connection died; the disconnect path does the cleanup.
func (rt *Router) reply(conn channel.Duplex, msg *protocol.Message) error {
	if err := conn.Send(msg); err != nil {
		slog.Warn("failed to send reply", "conn_id", conn.ID(), "type", msg.Type, "error", err)
		return err
	}
	return nil
}

// abandon cancels the in-flight request of a dead connection. The request
// is not silently retried; the surface reports it failed on its own side
// so the user can resubmit.
func (rt *Router) abandon(connID string, cause error) {
	rt.mu.Lock()
	fl, ok := rt.inflight[connID]
	if ok {
		delete(rt.inflight, connID)
	}
	rt.mu.Unlock()

	if ok {
		fl.cancel()
		slog.Warn("connection lost, abandoning in-flight request",
			"conn_id", connID, "request_id", fl.requestID, "cause", cause)
	} else {
		slog.Info("connection closed", "conn_id", connID, "cause", cause)
	}
}

// clear removes a finished flight, guarding against a newer flight having
// already replaced it on the same connection.
func (rt *Router) clear(connID string, fl *flight) {
	rt.mu.Lock()
	if current, ok := rt.inflight[connID]; ok && current == fl {
		delete(rt.inflight, connID)
	}
	rt.mu.Unlock()
	fl.cancel()
}

func (rt *Router) setState(fl *flight, state domain.RequestState) {
	rt.mu.Lock()
	if !fl.state.Terminal() {
		fl.state = state
	}
	rt.mu.Unlock()
}

// InflightRequestID reports the active request for a connection, if any.
func (rt *Router) InflightRequestID(connID string) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fl, ok := rt.inflight[connID]
	if !ok || fl.state.Terminal() {
		return "", false
	}
	return fl.requestID, true
}
