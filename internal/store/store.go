// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
)

// Fixed keys for the key-value persistence collaborator. The routing core
// touches persistence only to read credentials at request-build time and to
// hand off finished transcripts at completion time.
const (
	KeySessionList   = "sessions"
	KeyActiveSession = "active_session"
	KeyOpenAIAPIKey  = "openai_api_key"
	KeyAnthropicKey  = "anthropic_api_key"

	// SessionKeyPrefix prefixes the per-session transcript keys.
	SessionKeyPrefix = "session:"
)

// Repository defines the key-value interface for persisting sessions and
// provider credentials.
type Repository interface {
	// Get retrieves values for the given keys. Missing keys are absent
	// from the returned map, not an error.
	Get(ctx context.Context, keys ...string) (map[string]string, error)

	// Set stores all given key-value pairs.
	Set(ctx context.Context, values map[string]string) error

	// Ping verifies connectivity to the backing database.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// SessionKey returns the transcript key for a session id.
func SessionKey(id string) string {
	return SessionKeyPrefix + id
}
