// Package domain contains core domain types for the assistant gateway.
package domain

import (
	"time"
)

// Chat roles used in stored transcripts and provider context.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StoredMessage is a serialized chat transcript entry.
type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is an ordered chat transcript persisted outside the routing core.
// The core receives it as opaque context on each request and never mutates
// a transcript it was handed; new entries are appended to a copy.
type Session struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Messages  []StoredMessage `json:"messages"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WithExchange returns a copy of the session with one user/assistant
// exchange appended.
func (s *Session) WithExchange(userText, assistantText string) *Session {
	out := *s
	out.Messages = make([]StoredMessage, 0, len(s.Messages)+2)
	out.Messages = append(out.Messages, s.Messages...)
	out.Messages = append(out.Messages,
		StoredMessage{Role: RoleUser, Content: userText},
		StoredMessage{Role: RoleAssistant, Content: assistantText},
	)
	out.UpdatedAt = time.Now()
	return &out
}
