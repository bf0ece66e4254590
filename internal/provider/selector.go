package provider

import "net/http"

// Selector maps a configured Identity to its Provider.
//
// The three clients are built once up front and reused; they're stateless,
// so there's nothing to gain from constructing one per request.
type Selector struct {
	openai    *OpenAIProvider
	gemini    *GoogleProvider
	anthropic *AnthropicProvider
}

// Endpoints overrides the upstream URLs. Zero values mean the public APIs.
type Endpoints struct {
	OpenAI string
	Gemini string
	Claude string
}

// NewSelector builds all three clients around one shared *http.Client.
func NewSelector(client *http.Client, endpoints Endpoints) *Selector {
	return &Selector{
		openai:    NewOpenAIProvider(endpoints.OpenAI, client),
		gemini:    NewGoogleProvider(endpoints.Gemini, client),
		anthropic: NewAnthropicProvider(endpoints.Claude, client),
	}
}

// Select returns the client for id, or false if id isn't a provider we
// support. It never substitutes a default: routing a message (and a key
// meant for one vendor) to another vendor is worse than failing.
func (s *Selector) Select(id Identity) (Provider, bool) {
	switch id {
	case OpenAI:
		return s.openai, true
	case Gemini:
		return s.gemini, true
	case Claude:
		return s.anthropic, true
	default:
		return nil, false
	}
}
