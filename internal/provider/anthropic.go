package provider

import (
	"context"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// DefaultAnthropicURL is the Messages API endpoint.
const DefaultAnthropicURL = "https://api.anthropic.com/v1/messages"

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic versions
// their API with a date header rather than the URL path, and rejects
// requests that don't send one.
const anthropicAPIVersion = "2023-06-01"

// AnthropicProvider implements Provider for Anthropic's Messages API.
// Same pattern as the other two: translate the ChatRequest, make the
// HTTP call, translate back.
type AnthropicProvider struct {
	endpoint string
	client   *http.Client
}

// NewAnthropicProvider creates an AnthropicProvider. An empty endpoint
// means DefaultAnthropicURL.
func NewAnthropicProvider(endpoint string, client *http.Client) *AnthropicProvider {
	if endpoint == "" {
		endpoint = DefaultAnthropicURL
	}
	return &AnthropicProvider{endpoint: endpoint, client: client}
}

// Name returns the display name.
func (a *AnthropicProvider) Name() string {
	return "Anthropic Claude"
}

// DefaultModel returns Haiku, or Opus for pro installs.
func (a *AnthropicProvider) DefaultModel(pro bool) string {
	if pro {
		return "claude-3-opus-20240229"
	}
	return "claude-3-haiku-20240307"
}

// Models returns Haiku for free installs; pro adds Opus and Sonnet.
func (a *AnthropicProvider) Models(pro bool) []string {
	if pro {
		return []string{"claude-3-haiku-20240307", "claude-3-opus-20240229", "claude-3-sonnet-20240229"}
	}
	return []string{"claude-3-haiku-20240307"}
}

// ValidateKey checks the sk-ant- prefix and minimum length. This has to be
// its own check: an OpenAI-style "sk-" test would also accept these.
func (a *AnthropicProvider) ValidateKey(key string) bool {
	return strings.HasPrefix(key, "sk-ant-") && len(key) >= 50
}

// Endpoint returns the Messages API URL.
func (a *AnthropicProvider) Endpoint() string {
	return a.endpoint
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the body for POST /v1/messages.
//
// Key differences from OpenAI:
//   - "system" is a top-level string, not a message with role "system"
//   - "max_tokens" is REQUIRED (Anthropic rejects requests without it)
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

// anthropicMessage is one message. Only "user" ever appears here.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse models content[0].text. Anthropic returns an array of
// content blocks because replies can mix text and tool_use; a single-turn
// text request gets one text block.
type anthropicResponse struct {
	Content []struct {
		Type string  `json:"type"`
		Text *string `json:"text"`
	} `json:"content"`
}

// toAnthropicRequest builds the request body. max_tokens is always set
// because Options.Normalize already filled in a default.
func toAnthropicRequest(model string, req *ChatRequest) *anthropicRequest {
	return &anthropicRequest{
		Model:     model,
		MaxTokens: req.Options.MaxTokens,
		System:    req.SystemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.UserMessage},
		},
		Temperature: req.Options.Temperature,
	}
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// Send posts one message and returns content[0].text.
//
// Compared to OpenAI, the differences are all in Step 3 (custom auth
// headers) and Step 5 (different response path).
func (a *AnthropicProvider) Send(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	// Step 1: local key check.
	if !a.ValidateKey(req.APIKey) {
		return nil, invalidKeyError(a.Name())
	}

	// Step 2: translate.
	model := resolveModel(a, req.Options)
	body := toAnthropicRequest(model, req)

	// Step 3: Anthropic uses x-api-key rather than Authorization: Bearer,
	// plus the mandatory version header.
	header := http.Header{}
	header.Set("x-api-key", req.APIKey)
	header.Set("anthropic-version", anthropicAPIVersion)

	// Step 4: one POST.
	var resp anthropicResponse
	if err := postJSON(ctx, a.client, a.Name(), a.endpoint, header, body, &resp); err != nil {
		return nil, err
	}

	// Step 5: content[0].text, nothing else.
	if len(resp.Content) == 0 || resp.Content[0].Text == nil {
		return nil, malformedError(a.Name(), nil)
	}

	return &ChatResponse{
		Message:  SanitizeText(*resp.Content[0].Text),
		Provider: a.Name(),
		Model:    model,
	}, nil
}
