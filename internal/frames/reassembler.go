// Package frames reconstructs per-request logical streams from transport
// frames on the receiving side of a duplex channel.
//
// Frames can arrive late or twice after cancellations and reconnects; the
// reassembler guarantees that each tracked request still produces a
// gap-free transcript and exactly one terminal event.
package frames

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/wybert/earth-agent-gateway/internal/domain"
	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// FailureNotice is the user-facing text substituted for a stream that
// ended in error. The partial text never stays in the transcript.
const FailureNotice = "Sorry, I could not finish that response. Please try again."

// Sink receives reassembled stream events for the transcript layer. The
// final message id is derived from the request id, so the placeholder
// created at submission time is replaced exactly once.
type Sink interface {
	// Append delivers one new fragment. Already-delivered text is never
	// re-emitted.
	Append(requestID, fragment string)

	// Complete finalizes the request with the full accumulated text.
	Complete(requestID, text string)

	// Fail replaces the request's partial text with userMessage; cause
	// carries the raw error for diagnostics.
	Fail(requestID, userMessage string, cause error)
}

type request struct {
	state       domain.RequestState
	accumulated strings.Builder
}

// Reassembler owns the per-request accumulation buffers until each request
// reaches a terminal state, at which point the text passes immutably to
// the sink.
type Reassembler struct {
	mu       sync.Mutex
	sink     Sink
	inflight map[string]*request
}

// New creates a reassembler emitting into sink.
func New(sink Sink) *Reassembler {
	return &Reassembler{
		sink:     sink,
		inflight: make(map[string]*request),
	}
}

// Track registers a freshly submitted request id as pending. Frames for
// ids that were never tracked are dropped.
func (r *Reassembler) Track(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inflight[requestID]; exists {
		return
	}
	r.inflight[requestID] = &request{state: domain.RequestPending}
}

// State reports the tracked state for a request id.
func (r *Reassembler) State(requestID string) (domain.RequestState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.inflight[requestID]
	if !ok {
		return 0, false
	}
	return req.state, true
}

// HandleFrame consumes one transport frame. Frames for unknown or
// already-terminal request ids are silently ignored; this is the
// idempotence guard against duplicate and late delivery.
func (r *Reassembler) HandleFrame(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeChatStreamChunk:
		r.appendChunk(msg.RequestID, msg.Chunk)
	case protocol.TypeChatStreamEnd:
		r.complete(msg.RequestID, msg.Data)
	case protocol.TypeChatResponse:
		r.completeDirect(msg.RequestID, msg.Data)
	case protocol.TypeError:
		r.fail(msg.RequestID, msg.Error)
	default:
		slog.Debug("reassembler ignoring frame", "type", msg.Type, "request_id", msg.RequestID)
	}
}

func (r *Reassembler) appendChunk(requestID, chunk string) {
	r.mu.Lock()
	req, ok := r.inflight[requestID]
	if !ok || req.state.Terminal() {
		r.mu.Unlock()
		return
	}
	req.state = domain.RequestStreaming
	req.accumulated.WriteString(chunk)
	r.mu.Unlock()

	r.sink.Append(requestID, chunk)
}

// complete finalizes a streamed request. The frame's data field, when
// present, is authoritative; otherwise the accumulated text is used.
func (r *Reassembler) complete(requestID, data string) {
	r.mu.Lock()
	req, ok := r.inflight[requestID]
	if !ok || req.state.Terminal() {
		r.mu.Unlock()
		return
	}
	text := req.accumulated.String()
	if data != "" {
		text = data
	}
	req.state = domain.RequestCompleted
	delete(r.inflight, requestID)
	r.mu.Unlock()

	r.sink.Complete(requestID, text)
}

// completeDirect finalizes a request answered with a single non-streaming
// response, skipping the streaming state entirely.
func (r *Reassembler) completeDirect(requestID, data string) {
	r.mu.Lock()
	req, ok := r.inflight[requestID]
	if !ok || req.state.Terminal() {
		r.mu.Unlock()
		return
	}
	req.state = domain.RequestCompleted
	delete(r.inflight, requestID)
	r.mu.Unlock()

	r.sink.Complete(requestID, data)
}

func (r *Reassembler) fail(requestID, errText string) {
	r.mu.Lock()
	req, ok := r.inflight[requestID]
	if !ok || req.state.Terminal() {
		r.mu.Unlock()
		return
	}
	req.state = domain.RequestFailed
	delete(r.inflight, requestID)
	r.mu.Unlock()

	r.sink.Fail(requestID, FailureNotice, errors.New(errText))
}

// Cancel removes a request from the in-flight set. Chunks already in
// flight on the wire for this id are dropped on arrival as unknown-id
// frames, not buffered or replayed.
func (r *Reassembler) Cancel(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.inflight[requestID]
	if !ok || req.state.Terminal() {
		return
	}
	req.state = domain.RequestCancelled
	delete(r.inflight, requestID)
}

// FailAll fails every non-terminal request, reporting cause. Used when the
// owning connection dies: in-flight requests are abandoned, never silently
// retried, so the user can resubmit.
func (r *Reassembler) FailAll(cause error) {
	r.mu.Lock()
	var failed []string
	for id, req := range r.inflight {
		if req.state.Terminal() {
			continue
		}
		req.state = domain.RequestFailed
		failed = append(failed, id)
	}
	for _, id := range failed {
		delete(r.inflight, id)
	}
	r.mu.Unlock()

	for _, id := range failed {
		r.sink.Fail(id, FailureNotice, cause)
	}
}
