package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// DefaultGeminiURL is the models prefix; the model id and ":generateContent"
// get appended per request.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta/models/"

// GoogleProvider implements Provider for Google's Gemini generateContent API.
type GoogleProvider struct {
	endpoint string       // models prefix (see DefaultGeminiURL)
	client   *http.Client // shared, carries the 30s timeout
}

// NewGoogleProvider creates a GoogleProvider. An empty endpoint means
// DefaultGeminiURL.
//
// We take an *http.Client instead of creating one so main.go controls the
// timeout and tests can inject a recorder or point at httptest.
func NewGoogleProvider(endpoint string, client *http.Client) *GoogleProvider {
	if endpoint == "" {
		endpoint = DefaultGeminiURL
	}
	return &GoogleProvider{endpoint: endpoint, client: client}
}

// Name returns the display name.
func (g *GoogleProvider) Name() string {
	return "Google Gemini"
}

// DefaultModel returns gemini-pro. There is no higher tier to escalate to
// for this provider, so pro doesn't change anything.
func (g *GoogleProvider) DefaultModel(pro bool) string {
	return "gemini-pro"
}

// Models returns Gemini Pro for free installs; pro adds Gemini Ultra.
func (g *GoogleProvider) Models(pro bool) []string {
	if pro {
		return []string{"gemini-pro", "gemini-ultra"}
	}
	return []string{"gemini-pro"}
}

// ValidateKey checks the AIza prefix and minimum length. Real keys are 39
// characters; we only require 30.
func (g *GoogleProvider) ValidateKey(key string) bool {
	return strings.HasPrefix(key, "AIza") && len(key) >= 30
}

// Endpoint returns the models prefix.
func (g *GoogleProvider) Endpoint() string {
	return g.endpoint
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported, only this file uses them)
// ---------------------------------------------------------------------------

// geminiRequest is the body for models/{model}:generateContent.
//
// Note there's no systemInstruction here. We send the system prompt inline
// as part of the one user turn, which works the same on every model
// version including the older ones that reject systemInstruction.
type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

// geminiContent is one turn. Gemini uses "parts" because it supports
// multimodal input; for text we always send a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

// geminiGenerationConfig holds the generation parameters. Unlike OpenAI
// and Claude, these are nested rather than top-level.
type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

// geminiResponse models candidates[0].content.parts[0].text. Text is a
// pointer so a part without text (e.g. a blocked candidate) reads as
// missing rather than as an empty reply.
type geminiResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// combinePrompt folds the system prompt into the user turn.
func combinePrompt(system, user string) string {
	return system + "\n\nUser: " + user
}

// toGeminiRequest builds the single-turn request body.
func toGeminiRequest(req *ChatRequest) *geminiRequest {
	return &geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: combinePrompt(req.SystemPrompt, req.UserMessage)}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Options.Temperature,
			MaxOutputTokens: req.Options.MaxTokens,
		},
	}
}

// requestURL builds {endpoint}{model}:generateContent?key={key}.
// Gemini puts the model in the path and the key in the query string,
// which is why networkError goes out of its way to drop URLs.
func (g *GoogleProvider) requestURL(model, key string) string {
	base := strings.TrimSuffix(g.endpoint, "/")
	return base + "/" + url.PathEscape(model) + ":generateContent?key=" + url.QueryEscape(key)
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// Send posts one generateContent call and returns the first candidate's
// first text part.
func (g *GoogleProvider) Send(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	// Step 1: local key check.
	if !g.ValidateKey(req.APIKey) {
		return nil, invalidKeyError(g.Name())
	}

	// Step 2: translate. No auth header; the key rides in the URL.
	model := resolveModel(g, req.Options)
	body := toGeminiRequest(req)

	// Step 3: one POST.
	var resp geminiResponse
	if err := postJSON(ctx, g.client, g.Name(), g.requestURL(model, req.APIKey), nil, body, &resp); err != nil {
		return nil, err
	}

	// Step 4: extract candidates[0].content.parts[0].text.
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 || resp.Candidates[0].Content.Parts[0].Text == nil {
		return nil, malformedError(g.Name(), nil)
	}

	return &ChatResponse{
		Message:  SanitizeText(*resp.Candidates[0].Content.Parts[0].Text),
		Provider: g.Name(),
		Model:    model,
	}, nil
}
