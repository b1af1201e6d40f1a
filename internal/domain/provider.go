package domain

// ProviderKind selects the upstream text-generation provider for a request.
// It is fixed at request creation and never mutated afterwards.
type ProviderKind string

const (
	// ProviderOpenAI targets an openai-compatible chat completions endpoint.
	ProviderOpenAI ProviderKind = "openai"
	// ProviderAnthropic targets the Anthropic messages endpoint.
	ProviderAnthropic ProviderKind = "anthropic"
)

// Known reports whether the kind is part of the supported set.
func (k ProviderKind) Known() bool {
	switch k {
	case ProviderOpenAI, ProviderAnthropic:
		return true
	}
	return false
}

// ProviderCredentials holds per-provider API keys read from the store at
// request-build time.
type ProviderCredentials struct {
	OpenAIKey    string
	AnthropicKey string
}

// KeyFor returns the API key for a provider kind, or "" if none is stored.
func (c ProviderCredentials) KeyFor(kind ProviderKind) string {
	switch kind {
	case ProviderOpenAI:
		return c.OpenAIKey
	case ProviderAnthropic:
		return c.AnthropicKey
	}
	return ""
}
