package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wybert/earth-agent-gateway/internal/domain"
	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// openAIStreamer consumes an openai-compatible chat completions stream:
// newline-delimited `data: <json>` frames terminated by a literal
// `data: [DONE]` sentinel.
type openAIStreamer struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

type openAIChatPayload struct {
	Model    string                 `json:"model"`
	Messages []domain.StoredMessage `json:"messages"`
	Stream   bool                   `json:"stream"`
}

// openAIChunk is the tagged shape of one stream record. Content lives in
// choices[0].delta.content and nowhere else; records without it are
// control frames and carry no text.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *openAIChunk) text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

const doneSentinel = "[DONE]"

func (s *openAIStreamer) stream(ctx context.Context, req StreamRequest) iter.Seq2[string, error] {
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
					// Stream ended without the sentinel; everything
					// delivered so far is complete.
					return
				}
				yield("", terminalFor(ctx, "openai", err))
				return
			}

			payload, ok := dataPayload(line)
			if !ok || payload == "" {
				continue
			}
			if payload == doneSentinel {
				return
			}

			var chunk openAIChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				// One malformed frame never kills the whole stream.
				decErr := &protocol.DecodeError{Provider: "openai", Record: payload, Err: err}
				slog.Warn("skipping undecodable stream record", "provider", "openai", "error", decErr)
				continue
			}

			frag := chunk.text()
			if frag == "" {
				continue
			}
			if ctx.Err() != nil {
				yield("", protocol.ErrCancelled)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

// open performs the provider call and validates the response status. A
// failure here means the stream never started.
func (s *openAIStreamer) open(ctx context.Context, req StreamRequest) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	messages := make([]domain.StoredMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, domain.StoredMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	body, err := json.Marshal(openAIChatPayload{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, &protocol.UpstreamError{Provider: "openai", Err: err}
	}

	url := strings.TrimRight(s.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &protocol.UpstreamError{Provider: "openai", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, protocol.ErrCancelled
		}
		return nil, &protocol.UpstreamError{Provider: "openai", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		detail := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		return nil, &protocol.UpstreamError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    detail,
		}
	}
	return resp, nil
}

// readErrorBody extracts a short diagnostic from a non-success response.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil || len(data) == 0 {
		return "no error detail"
	}
	var wire struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &wire) == nil && wire.Error.Message != "" {
		return wire.Error.Message
	}
	return fmt.Sprintf("%.256s", string(data))
}
