// Package provider defines the Provider interface and the three LLM
// provider clients (OpenAI, Google Gemini, Anthropic Claude).
//
// Every backend implements the same small contract. The chat orchestrator
// only ever talks to a Provider, so it never needs to know that Gemini
// wants the key in the URL or that Claude insists on max_tokens.
package provider

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
)

// Provider is the interface that every LLM backend must satisfy.
//
// Implementations hold nothing but immutable fields (a base URL and an
// *http.Client), so a single value can serve any number of concurrent
// requests. Everything a call depends on arrives through ChatRequest.
type Provider interface {
	// Name returns the human-readable provider name, e.g. "OpenAI".
	// It ends up in the "provider" field of the success envelope.
	Name() string

	// DefaultModel returns the model used when the request doesn't name
	// one. pro is the license capability flag: when set, some providers
	// escalate to a higher-tier model.
	DefaultModel(pro bool) string

	// Models lists the models an install may select at its tier. The pro
	// list includes the free one. An explicitly configured model outside
	// this list is replaced by DefaultModel.
	Models(pro bool) []string

	// ValidateKey is the cheap, local format check that runs before any
	// network call. It never talks to the provider.
	ValidateKey(key string) bool

	// Endpoint returns the API URL this client posts to. For Gemini this
	// is the models prefix; the model id and key are appended per call.
	Endpoint() string

	// Send validates the key, builds the provider-specific request, makes
	// exactly one HTTP call and parses the reply.
	//
	// On success it returns a non-nil *ChatResponse. On failure it returns
	// a *Error (never a bare transport error), so callers can switch on
	// Kind without unwrapping anything themselves.
	Send(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ---------------------------------------------------------------------------
// Provider identity
// ---------------------------------------------------------------------------

// Identity is the configured provider identifier. It's what the operator
// writes in config ("openai", "gemini", "claude"), not the display name.
type Identity string

const (
	OpenAI Identity = "openai"
	Gemini Identity = "gemini"
	Claude Identity = "claude"
)

// Identities lists every supported provider, in a stable order.
func Identities() []Identity {
	return []Identity{OpenAI, Gemini, Claude}
}

// ParseIdentity normalizes a configured provider string. It doesn't reject
// unknown values; that's the Selector's job, so the orchestrator can report
// InvalidProvider with the rest of the error taxonomy.
func ParseIdentity(s string) Identity {
	return Identity(strings.ToLower(strings.TrimSpace(s)))
}

// ---------------------------------------------------------------------------
// Unified request / response types
// ---------------------------------------------------------------------------

// Default generation parameters. These are what the widget has always
// sent, and what Options.Normalize falls back to.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000

	// MaxTemperature is the upper bound all three APIs accept.
	MaxTemperature = 2.0
)

// Options are the optional generation parameters for one request.
type Options struct {
	Model       string  // empty = provider default (see DefaultModel)
	Temperature float64 // 0..2
	MaxTokens   int     // > 0

	// Pro is the license capability flag. It only affects which default
	// model gets picked when Model is empty.
	Pro bool
}

// Normalize returns a copy of o with defaults filled in and the temperature
// clamped into range. The orchestrator calls this before handing options
// to a client, so clients can trust every field.
//
// A zero temperature is ambiguous (unset vs. "be deterministic"); we treat
// it as unset, which matches how the settings form stores it.
func (o Options) Normalize() Options {
	if math.IsNaN(o.Temperature) || o.Temperature <= 0 {
		o.Temperature = DefaultTemperature
	}
	if o.Temperature > MaxTemperature {
		o.Temperature = MaxTemperature
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	o.Model = strings.TrimSpace(o.Model)
	return o
}

// ChatRequest is one single-turn exchange: a system prompt, one user
// message, the operator's key, and generation options.
type ChatRequest struct {
	SystemPrompt string
	UserMessage  string
	APIKey       string // secret: never logged, never echoed back
	Options      Options
}

// LogValue implements slog.LogValuer so that passing a request to a logger
// can't leak the key or the user's message. Only sizes and options go out.
func (r *ChatRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("system_prompt_len", len(r.SystemPrompt)),
		slog.Int("message_len", len(r.UserMessage)),
		slog.Bool("has_key", r.APIKey != ""),
		slog.String("model", r.Options.Model),
		slog.Float64("temperature", r.Options.Temperature),
		slog.Int("max_tokens", r.Options.MaxTokens),
	)
}

// ChatResponse is a successful reply, already sanitized to plain text.
type ChatResponse struct {
	Message  string // the model's reply
	Provider string // display name of the provider that answered
	Model    string // model id we asked for
}

// ModelAllowed reports whether model is available to an install at the
// given tier.
func ModelAllowed(p Provider, model string, pro bool) bool {
	return slices.Contains(p.Models(pro), model)
}

// resolveModel picks the model for a request: the explicit one if set,
// otherwise the provider's default for the caller's tier.
func resolveModel(p Provider, opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return p.DefaultModel(opts.Pro)
}
