// Package upstream adapts the incremental text-generation APIs of the
// supported providers behind one fragment-stream interface.
//
// A stream yields ordered text fragments followed by exactly one terminal
// outcome: normal iterator end (done), protocol.ErrCancelled (user abort),
// or an UpstreamError. Per-record decode failures never terminate a
// stream; undecodable records are logged and skipped.
package upstream

import (
	"context"
	"iter"
	"net/http"

	"github.com/wybert/earth-agent-gateway/internal/config"
	"github.com/wybert/earth-agent-gateway/internal/domain"
	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// StreamRequest is one provider call. Provider selection is fixed at
// creation and never mutated.
type StreamRequest struct {
	Provider     domain.ProviderKind
	APIKey       string
	Model        string
	SystemPrompt string
	Messages     []domain.StoredMessage
}

// Streamer produces a lazy, finite, non-restartable fragment sequence for
// one request.
type Streamer interface {
	Stream(ctx context.Context, req StreamRequest) iter.Seq2[string, error]
}

// Adapter routes a request to the provider it selected.
type Adapter struct {
	openai    *openAIStreamer
	anthropic *anthropicStreamer
}

// NewAdapter builds the adapter from provider configuration.
func NewAdapter(cfg config.ProviderConfig) *Adapter {
	client := &http.Client{Timeout: 0} // streams are long-lived; ctx bounds them
	return &Adapter{
		openai: &openAIStreamer{
			baseURL:      cfg.OpenAIBaseURL,
			defaultModel: cfg.OpenAIModel,
			client:       client,
		},
		anthropic: &anthropicStreamer{
			baseURL:      cfg.AnthropicBaseURL,
			defaultModel: cfg.AnthropicModel,
			client:       client,
		},
	}
}

// Stream dispatches to the provider named by the request.
func (a *Adapter) Stream(ctx context.Context, req StreamRequest) iter.Seq2[string, error] {
	switch req.Provider {
	case domain.ProviderAnthropic:
		return a.anthropic.stream(ctx, req)
	default:
		return a.openai.stream(ctx, req)
	}
}

// failed yields the terminal error for a stream that never produced
// fragments.
func failed(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

// terminalFor maps a read failure to the correct terminal outcome:
// cancellation wins over transport noise caused by the aborted read.
func terminalFor(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return protocol.ErrCancelled
	}
	return &protocol.UpstreamError{Provider: provider, Err: err}
}
