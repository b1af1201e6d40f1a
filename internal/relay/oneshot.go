package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// maxOneShotBodySize caps one-shot request bodies (1MB).
const maxOneShotBodySize = 1 << 20

// HandleOneShot is the server end of the one-shot request/response
// channel: one message in, exactly one reply out. Only connection-scoped
// and query types are admitted; streaming types need a duplex channel.
func (rt *Router) HandleOneShot(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxOneShotBodySize)

	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeOneShotReply(w, protocol.ErrorReply("", &protocol.ProtocolError{
			Reason: "malformed message payload", Err: err,
		}))
		return
	}

	if err := msg.Validate(); err != nil {
		writeOneShotReply(w, protocol.ErrorReply(msg.RequestID, err))
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		writeOneShotReply(w, &protocol.Message{Type: protocol.TypePong})
	case protocol.TypeDocsRequest:
		result, err := rt.searchDocs(r.Context(), &msg)
		if err != nil {
			writeOneShotReply(w, protocol.ErrorReply(msg.RequestID, err))
			return
		}
		writeOneShotReply(w, &protocol.Message{
			Type:      protocol.TypeDocsResponse,
			RequestID: msg.RequestID,
			Data:      result,
		})
	default:
		writeOneShotReply(w, protocol.ErrorReply(msg.RequestID, &protocol.ProtocolError{
			Reason: string(msg.Type) + " requires a duplex channel",
		}))
	}
}

// writeOneShotReply always answers 200: protocol-level errors travel
// inside the reply message, channel-level failures are the transport's.
func writeOneShotReply(w http.ResponseWriter, msg *protocol.Message) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		slog.Warn("failed to encode one-shot reply", "error", err)
	}
}
