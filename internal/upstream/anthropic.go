package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wybert/earth-agent-gateway/internal/domain"
	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// anthropicStreamer consumes the Anthropic messages stream: SSE records
// whose data payloads are typed event objects, with text arriving as
// content_block_delta / text_delta pairs and message_stop as terminal.
type anthropicStreamer struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

type anthropicPayload struct {
	Model     string                 `json:"model"`
	System    string                 `json:"system,omitempty"`
	Messages  []domain.StoredMessage `json:"messages"`
	MaxTokens int                    `json:"max_tokens"`
	Stream    bool                   `json:"stream"`
}

// anthropicEvent is the tagged union of stream records. Exactly one
// extraction path exists per tag; shapes outside the union are skipped,
// never heuristically broadened.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *anthropicStreamer) stream(ctx context.Context, req StreamRequest) iter.Seq2[string, error] {
	resp, err := s.open(ctx, req)
	if err != nil {
		return failed(err)
	}

	return func(yield func(string, error) bool) {
		defer func() { _ = resp.Body.Close() }()

		dec := newLineDecoder(resp.Body)
		for {
			line, err := dec.next(ctx)
			if err != nil {
				if err == io.EOF {
					return
				}
				yield("", terminalFor(ctx, "anthropic", err))
				return
			}

			payload, ok := dataPayload(line)
			if !ok || payload == "" {
				// event: lines repeat the type tag inside the data
				// payload; only data records are decoded.
				continue
			}

			var ev anthropicEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				decErr := &protocol.DecodeError{Provider: "anthropic", Record: payload, Err: err}
				slog.Warn("skipping undecodable stream record", "provider", "anthropic", "error", decErr)
				continue
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
					continue
				}
				if ctx.Err() != nil {
					yield("", protocol.ErrCancelled)
					return
				}
				if !yield(ev.Delta.Text, nil) {
					return
				}
			case "message_stop":
				return
			case "error":
				yield("", &protocol.UpstreamError{
					Provider: "anthropic",
					Message:  ev.Error.Type + ": " + ev.Error.Message,
				})
				return
			case "message_start", "content_block_start", "content_block_stop", "message_delta", "ping":
				// Control records carry no text.
			default:
				slog.Debug("unrecognized stream event", "provider", "anthropic", "type", ev.Type)
			}
		}
	}
}

func (s *anthropicStreamer) open(ctx context.Context, req StreamRequest) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	body, err := json.Marshal(anthropicPayload{
		Model:     model,
		System:    req.SystemPrompt,
		Messages:  req.Messages,
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, &protocol.UpstreamError{Provider: "anthropic", Err: err}
	}

	url := strings.TrimRight(s.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &protocol.UpstreamError{Provider: "anthropic", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, protocol.ErrCancelled
		}
		return nil, &protocol.UpstreamError{Provider: "anthropic", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		return nil, &protocol.UpstreamError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Message:    detail,
		}
	}
	return resp, nil
}
