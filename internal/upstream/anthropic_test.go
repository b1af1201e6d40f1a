package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wybert/earth-agent-gateway/internal/domain"
	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

func anthropicTextDelta(text string) string {
	payload, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
	return "event: content_block_delta\ndata: " + string(payload) + "\n\n"
}

func TestAnthropicStream_TaggedUnionExtraction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("Expected /v1/messages, got %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("Expected x-api-key test-key, got %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("Expected anthropic-version header, got %q", got)
		}
		var payload anthropicPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("Failed to decode request payload: %v", err)
		}
		if payload.System != "be helpful" {
			t.Errorf("Expected top-level system field, got %q", payload.System)
		}
		if payload.MaxTokens == 0 {
			t.Error("Expected max_tokens to be set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"))
		_, _ = w.Write([]byte("data: {\"type\":\"content_block_start\"}\n\n"))
		_, _ = w.Write([]byte(anthropicTextDelta("Sea ")))
		_, _ = w.Write([]byte(anthropicTextDelta("surface")))
		// A non-text delta carries no fragment.
		_, _ = w.Write([]byte("data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\"}}\n\n"))
		_, _ = w.Write([]byte("data: {\"type\":\"content_block_stop\"}\n\n"))
		_, _ = w.Write([]byte("data: {\"type\":\"message_stop\"}\n\n"))
	}))
	defer server.Close()

	adapter := newTestAdapter("", server.URL)
	frags, err := collect(adapter.Stream(context.Background(), StreamRequest{
		Provider:     domain.ProviderAnthropic,
		APIKey:       "test-key",
		SystemPrompt: "be helpful",
		Messages:     []domain.StoredMessage{{Role: "user", Content: "hi"}},
	}))
	if err != nil {
		t.Fatalf("Expected clean end, got %v", err)
	}
	if got := strings.Join(frags, ""); got != "Sea surface" {
		t.Errorf("Expected 'Sea surface', got %q", got)
	}
}

func TestAnthropicStream_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(anthropicTextDelta("partial")))
		_, _ = w.Write([]byte("data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"try later\"}}\n\n"))
	}))
	defer server.Close()

	adapter := newTestAdapter("", server.URL)
	frags, err := collect(adapter.Stream(context.Background(), StreamRequest{
		Provider: domain.ProviderAnthropic,
		Messages: []domain.StoredMessage{{Role: "user", Content: "hi"}},
	}))
	if len(frags) != 1 || frags[0] != "partial" {
		t.Errorf("Expected fragments before the error kept, got %v", frags)
	}

	var upErr *protocol.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Expected UpstreamError, got %v", err)
	}
	if !strings.Contains(upErr.Message, "overloaded_error") {
		t.Errorf("Expected error type in message, got %q", upErr.Message)
	}
}

func TestAnthropicStream_UnrecognizedEventSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"type\":\"citation_added\",\"citation\":{}}\n\n"))
		_, _ = w.Write([]byte(anthropicTextDelta("still works")))
		_, _ = w.Write([]byte("data: {\"type\":\"message_stop\"}\n\n"))
	}))
	defer server.Close()

	adapter := newTestAdapter("", server.URL)
	frags, err := collect(adapter.Stream(context.Background(), StreamRequest{
		Provider: domain.ProviderAnthropic,
		Messages: []domain.StoredMessage{{Role: "user", Content: "hi"}},
	}))
	if err != nil {
		t.Fatalf("Expected clean end, got %v", err)
	}
	if len(frags) != 1 || frags[0] != "still works" {
		t.Errorf("Expected unknown event skipped, got %v", frags)
	}
}

func TestAnthropicStream_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit"}}`))
	}))
	defer server.Close()

	adapter := newTestAdapter("", server.URL)
	_, err := collect(adapter.Stream(context.Background(), StreamRequest{
		Provider: domain.ProviderAnthropic,
		Messages: []domain.StoredMessage{{Role: "user", Content: "hi"}},
	}))
	var upErr *protocol.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Expected UpstreamError, got %v", err)
	}
	if upErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", upErr.StatusCode)
	}
}

func TestAnthropicStream_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	firstDelta := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(anthropicTextDelta("one")))
		flusher.Flush()
		<-firstDelta
		_, _ = w.Write([]byte(anthropicTextDelta("two")))
		flusher.Flush()
	}))
	defer server.Close()
	defer close(firstDelta)

	adapter := newTestAdapter("", server.URL)
	var frags []string
	var terminal error
	adapter.Stream(ctx, StreamRequest{
		Provider: domain.ProviderAnthropic,
		Messages: []domain.StoredMessage{{Role: "user", Content: "hi"}},
	})(func(frag string, err error) bool {
		if err != nil {
			terminal = err
			return false
		}
		frags = append(frags, frag)
		cancel()
		return true
	})

	if len(frags) != 1 {
		t.Errorf("Expected one fragment before cancel, got %v", frags)
	}
	if !errors.Is(terminal, protocol.ErrCancelled) {
		t.Errorf("Expected ErrCancelled terminal, got %v", terminal)
	}
}
