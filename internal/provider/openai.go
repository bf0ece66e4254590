package provider

import (
	"context"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// OpenAIProvider struct + constructor
// ---------------------------------------------------------------------------

// DefaultOpenAIURL is the Chat Completions endpoint.
const DefaultOpenAIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider implements Provider for OpenAI's Chat Completions API.
type OpenAIProvider struct {
	endpoint string       // full URL, e.g. DefaultOpenAIURL
	client   *http.Client // shared, carries the 30s timeout
}

// NewOpenAIProvider creates an OpenAIProvider. An empty endpoint means
// DefaultOpenAIURL; tests point it at an httptest server instead.
func NewOpenAIProvider(endpoint string, client *http.Client) *OpenAIProvider {
	if endpoint == "" {
		endpoint = DefaultOpenAIURL
	}
	return &OpenAIProvider{endpoint: endpoint, client: client}
}

// Name returns the display name.
func (o *OpenAIProvider) Name() string {
	return "OpenAI"
}

// DefaultModel returns gpt-3.5-turbo, or gpt-4-turbo for pro installs.
func (o *OpenAIProvider) DefaultModel(pro bool) string {
	if pro {
		return "gpt-4-turbo"
	}
	return "gpt-3.5-turbo"
}

// Models returns GPT-3.5 Turbo for free installs; pro adds GPT-4 and GPT-4
// Turbo.
func (o *OpenAIProvider) Models(pro bool) []string {
	if pro {
		return []string{"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo"}
	}
	return []string{"gpt-3.5-turbo"}
}

// ValidateKey checks the sk- prefix and minimum length. Project keys
// (sk-proj-...) pass too since they share the prefix.
func (o *OpenAIProvider) ValidateKey(key string) bool {
	return strings.HasPrefix(key, "sk-") && len(key) >= 40
}

// Endpoint returns the configured Chat Completions URL.
func (o *OpenAIProvider) Endpoint() string {
	return o.endpoint
}

// ---------------------------------------------------------------------------
// OpenAI API types (unexported)
// ---------------------------------------------------------------------------

// openaiRequest is the body for POST /v1/chat/completions. The system
// prompt travels as the first message with role "system".
type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openaiResponse only models the path we read: choices[0].message.content.
// The pointers let us tell "field missing" from "field empty".
type openaiResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// toOpenAIRequest builds the two-message request body.
func toOpenAIRequest(model string, req *ChatRequest) *openaiRequest {
	return &openaiRequest{
		Model: model,
		Messages: []openaiMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserMessage},
		},
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
	}
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// Send posts one chat completion and returns choices[0].message.content.
func (o *OpenAIProvider) Send(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	// Step 1: local key check. A malformed key never reaches the network.
	if !o.ValidateKey(req.APIKey) {
		return nil, invalidKeyError(o.Name())
	}

	// Step 2: translate into OpenAI's format.
	model := resolveModel(o, req.Options)
	body := toOpenAIRequest(model, req)

	// Step 3: auth is a standard bearer token.
	header := http.Header{}
	header.Set("Authorization", "Bearer "+req.APIKey)

	// Step 4: one POST, no retry.
	var resp openaiResponse
	if err := postJSON(ctx, o.client, o.Name(), o.endpoint, header, body, &resp); err != nil {
		return nil, err
	}

	// Step 5: pull the reply out of the documented path, and nowhere else.
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
		return nil, malformedError(o.Name(), nil)
	}

	return &ChatResponse{
		Message:  SanitizeText(*resp.Choices[0].Message.Content),
		Provider: o.Name(),
		Model:    model,
	}, nil
}
