// Package protocol defines the message schema exchanged between the panel,
// the gateway, and page-embedded clients, together with the error taxonomy
// shared by the transport and routing layers.
package protocol

import (
	"encoding/json"

	"github.com/wybert/earth-agent-gateway/internal/domain"
)

// MessageType tags a transport message. The enumeration is closed: receivers
// reject unknown types with a ProtocolError instead of guessing.
type MessageType string

const (
	TypeInit            MessageType = "INIT"
	TypePing            MessageType = "PING"
	TypePong            MessageType = "PONG"
	TypeChatMessage     MessageType = "CHAT_MESSAGE"
	TypeChatStreamChunk MessageType = "CHAT_STREAM_CHUNK"
	TypeChatStreamEnd   MessageType = "CHAT_STREAM_END"
	TypeChatResponse    MessageType = "CHAT_RESPONSE"
	TypeError           MessageType = "ERROR"
	TypeCancelStream    MessageType = "CANCEL_STREAM"
	TypeDocsRequest     MessageType = "DATASET_DOCS_REQUEST"
	TypeDocsResponse    MessageType = "DATASET_DOCS_RESPONSE"
)

// Known reports whether the type is part of the closed enumeration.
func (t MessageType) Known() bool {
	switch t {
	case TypeInit, TypePing, TypePong,
		TypeChatMessage, TypeChatStreamChunk, TypeChatStreamEnd,
		TypeChatResponse, TypeError, TypeCancelStream,
		TypeDocsRequest, TypeDocsResponse:
		return true
	}
	return false
}

// connectionScoped reports whether the type belongs to connection lifecycle
// traffic that carries no request id.
func (t MessageType) connectionScoped() bool {
	return t == TypeInit || t == TypePing || t == TypePong
}

// Message is the unit exchanged over a transport channel. It is JSON
// serializable; receivers ignore unknown fields, so the schema is forward
// compatible. Within one request id, frames are delivered on one channel
// instance in send order.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`

	// CHAT_MESSAGE payload.
	Content  string                 `json:"content,omitempty"`
	Provider domain.ProviderKind    `json:"provider,omitempty"`
	Model    string                 `json:"model,omitempty"`
	Context  []domain.StoredMessage `json:"context,omitempty"`

	// CHAT_STREAM_CHUNK payload.
	Chunk string `json:"chunk,omitempty"`

	// CHAT_STREAM_END, CHAT_RESPONSE and DATASET_DOCS_RESPONSE payload.
	Data string `json:"data,omitempty"`

	// ERROR payload; also set alongside Data on a degraded-mode
	// CHAT_RESPONSE so the original failure stays available.
	Error string `json:"error,omitempty"`

	// DATASET_DOCS_REQUEST payload.
	Query string `json:"query,omitempty"`
}

// Validate enforces the closed type enumeration and per-type required
// fields. Violations are ProtocolErrors.
func (m *Message) Validate() error {
	if !m.Type.Known() {
		return &ProtocolError{Reason: "unknown message type: " + string(m.Type)}
	}
	if !m.Type.connectionScoped() && m.RequestID == "" {
		return &ProtocolError{Reason: "missing requestId for " + string(m.Type)}
	}
	switch m.Type {
	case TypeChatMessage:
		if m.Content == "" {
			return &ProtocolError{Reason: "CHAT_MESSAGE requires content"}
		}
		if m.Provider != "" && !m.Provider.Known() {
			return &ProtocolError{Reason: "unknown provider: " + string(m.Provider)}
		}
	case TypeDocsRequest:
		if m.Query == "" {
			return &ProtocolError{Reason: "DATASET_DOCS_REQUEST requires query"}
		}
	case TypeError:
		if m.Error == "" {
			return &ProtocolError{Reason: "ERROR requires error"}
		}
	}
	return nil
}

// Decode parses a wire frame without validating it; callers that route by
// type run Validate separately so malformed frames still yield a reply.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ProtocolError{Reason: "malformed message payload", Err: err}
	}
	return &m, nil
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ErrorReply builds the ERROR frame reported back to the sender of msg.
func ErrorReply(requestID string, err error) *Message {
	return &Message{Type: TypeError, RequestID: requestID, Error: err.Error()}
}
