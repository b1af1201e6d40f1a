package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wybert/earth-agent-gateway/internal/domain"
)

// Sessions layers transcript and credential accessors on top of the
// key-value Repository. All state lives under the fixed keys in store.go,
// so any Repository implementation works unchanged.
type Sessions struct {
	repo Repository
}

// NewSessions creates the session accessor over a repository.
func NewSessions(repo Repository) *Sessions {
	return &Sessions{repo: repo}
}

// Credentials reads the stored provider API keys.
func (s *Sessions) Credentials(ctx context.Context) (domain.ProviderCredentials, error) {
	values, err := s.repo.Get(ctx, KeyOpenAIAPIKey, KeyAnthropicKey)
	if err != nil {
		return domain.ProviderCredentials{}, fmt.Errorf("read credentials: %w", err)
	}
	return domain.ProviderCredentials{
		OpenAIKey:    values[KeyOpenAIAPIKey],
		AnthropicKey: values[KeyAnthropicKey],
	}, nil
}

// SetCredentials stores the provider API keys, skipping empty values so a
// partial update never erases an existing key.
func (s *Sessions) SetCredentials(ctx context.Context, creds domain.ProviderCredentials) error {
	values := make(map[string]string, 2)
	if creds.OpenAIKey != "" {
		values[KeyOpenAIAPIKey] = creds.OpenAIKey
	}
	if creds.AnthropicKey != "" {
		values[KeyAnthropicKey] = creds.AnthropicKey
	}
	if len(values) == 0 {
		return nil
	}
	return s.repo.Set(ctx, values)
}

// Session loads one transcript by id. Returns nil if the id is unknown.
func (s *Sessions) Session(ctx context.Context, id string) (*domain.Session, error) {
	values, err := s.repo.Get(ctx, SessionKey(id))
	if err != nil {
		return nil, fmt.Errorf("read session %q: %w", id, err)
	}
	raw, ok := values[SessionKey(id)]
	if !ok {
		return nil, nil
	}
	var session domain.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", id, err)
	}
	return &session, nil
}

// SaveSession persists a transcript and registers its id in the session list.
func (s *Sessions) SaveSession(ctx context.Context, session *domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", session.ID, err)
	}

	ids, err := s.SessionIDs(ctx)
	if err != nil {
		return err
	}
	known := false
	for _, id := range ids {
		if id == session.ID {
			known = true
			break
		}
	}
	values := map[string]string{SessionKey(session.ID): string(raw)}
	if !known {
		values[KeySessionList] = strings.Join(append(ids, session.ID), ",")
	}
	return s.repo.Set(ctx, values)
}

// SessionIDs returns all known session ids in creation order.
func (s *Sessions) SessionIDs(ctx context.Context) ([]string, error) {
	values, err := s.repo.Get(ctx, KeySessionList)
	if err != nil {
		return nil, fmt.Errorf("read session list: %w", err)
	}
	raw := values[KeySessionList]
	if raw == "" {
		return nil, nil
	}
	return strings.Split(raw, ","), nil
}

// ActiveSessionID returns the currently selected session id, or "".
func (s *Sessions) ActiveSessionID(ctx context.Context) (string, error) {
	values, err := s.repo.Get(ctx, KeyActiveSession)
	if err != nil {
		return "", fmt.Errorf("read active session: %w", err)
	}
	return values[KeyActiveSession], nil
}

// SetActiveSessionID records the currently selected session id.
func (s *Sessions) SetActiveSessionID(ctx context.Context, id string) error {
	return s.repo.Set(ctx, map[string]string{KeyActiveSession: id})
}
