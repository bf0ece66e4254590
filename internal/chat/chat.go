// Package chat is the orchestrator behind the widget's chat endpoint: it
// checks preconditions, applies the rate limit, picks the configured
// provider, and turns whatever happens into a result the HTTP layer can
// render.
package chat

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/howard-nolan/smartbot/internal/metrics"
	"github.com/howard-nolan/smartbot/internal/provider"
)

// MaxMessageLength is the longest user message accepted, in characters.
const MaxMessageLength = 2000

// Messages shown to the widget user for failures the orchestrator itself
// detects.
const (
	MsgNoAPIKey        = "API key is not configured. Please contact the site administrator."
	MsgInvalidProvider = "Invalid AI provider selected."
	MsgRateLimited     = "Too many requests. Please wait a moment and try again."
	MsgInvalidMessage  = "Invalid parameter(s): message"
	MsgInternal        = "Something went wrong. Please try again later."
)

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

// Limiter admits or refuses a request from a client address.
type Limiter interface {
	Allow(ctx context.Context, clientIP string) bool
}

// Selector resolves a configured identity to a provider client.
type Selector interface {
	Select(id provider.Identity) (provider.Provider, bool)
}

// ProGate decides whether pro-tier default models are unlocked.
type ProGate interface {
	CanUsePro(ctx context.Context, key, status string) bool
}

// Settings is the per-request snapshot of the operator's configuration.
// The HTTP layer builds one from the current config for every request,
// so a settings change never affects a request already in flight.
type Settings struct {
	Provider     provider.Identity
	APIKey       string
	SystemPrompt string
	Options      provider.Options

	// License fields feed the ProGate, which picks the default model and
	// gates pro-only models.
	LicenseKey    string
	LicenseStatus string
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// Service runs chat requests. It holds no per-request state and is safe
// for concurrent use.
type Service struct {
	selector Selector
	limiter  Limiter
	pro      ProGate
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithProGate enables pro-tier model selection.
func WithProGate(g ProGate) Option {
	return func(s *Service) { s.pro = g }
}

// WithMetrics records request outcomes into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService builds a Service around a provider selector and a limiter.
func NewService(selector Selector, limiter Limiter, opts ...Option) *Service {
	s := &Service{
		selector: selector,
		limiter:  limiter,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle answers one user message.
//
// The checks run in a fixed order: message shape, key present, rate
// limit, provider known. Each failure short-circuits, so a visitor who is
// over their limit never causes a provider lookup, and a site with no key
// configured never consumes anyone's rate budget. The returned error is
// always a *provider.Error.
func (s *Service) Handle(ctx context.Context, settings Settings, clientIP, message string) (*provider.ChatResponse, error) {
	start := s.now()
	label := string(settings.Provider)

	resp, err := s.handle(ctx, settings, clientIP, message)

	outcome := "success"
	if err != nil {
		outcome = string(provider.KindOf(err))
	}
	s.metrics.ObserveRequest(label, outcome)

	attrs := []any{
		"provider", label,
		"outcome", outcome,
		"duration", s.now().Sub(start),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		s.logger.WarnContext(ctx, "chat request failed", attrs...)
	} else {
		attrs = append(attrs, "model", resp.Model, "reply_len", len(resp.Message))
		s.logger.InfoContext(ctx, "chat request served", attrs...)
	}
	return resp, err
}

func (s *Service) handle(ctx context.Context, settings Settings, clientIP, message string) (*provider.ChatResponse, error) {
	// Step 1: message shape. The HTTP layer already enforced this; the
	// re-check keeps the service correct for any other caller.
	if n := utf8.RuneCountInString(strings.TrimSpace(message)); n == 0 || n > MaxMessageLength {
		return nil, provider.NewError(provider.KindInvalidMessage, MsgInvalidMessage)
	}

	// Step 2: a key must be configured.
	apiKey := strings.TrimSpace(settings.APIKey)
	if apiKey == "" {
		return nil, provider.NewError(provider.KindNoAPIKey, MsgNoAPIKey)
	}

	// Step 3: rate limit.
	if !s.limiter.Allow(ctx, clientIP) {
		s.metrics.RateLimited()
		return nil, provider.NewError(provider.KindRateLimited, MsgRateLimited)
	}

	// Step 4: resolve the provider. Unknown ids fail; we never fall back
	// to another vendor.
	p, ok := s.selector.Select(settings.Provider)
	if !ok {
		return nil, provider.NewError(provider.KindInvalidProvider, MsgInvalidProvider)
	}

	// Step 5: settle the model. The license tier decides both the
	// default model and which explicit models are available; a model the
	// install isn't entitled to falls back to the tier default.
	opts := settings.Options.Normalize()
	if s.pro != nil {
		opts.Pro = s.pro.CanUsePro(ctx, settings.LicenseKey, settings.LicenseStatus)
	}
	if opts.Model != "" && !provider.ModelAllowed(p, opts.Model, opts.Pro) {
		s.logger.WarnContext(ctx, "configured model not available, using default",
			"provider", p.Name(),
			"model", opts.Model,
			"pro", opts.Pro,
		)
		opts.Model = ""
	}

	// Step 6: build the request and send it.

	req := &provider.ChatRequest{
		SystemPrompt: settings.SystemPrompt,
		UserMessage:  message,
		APIKey:       apiKey,
		Options:      opts,
	}
	s.logger.DebugContext(ctx, "sending chat request", "provider", p.Name(), "request", req)

	sent := s.now()
	resp, err := p.Send(ctx, req)
	s.metrics.ObserveUpstream(string(settings.Provider), s.now().Sub(sent))
	if err != nil {
		if _, ok := provider.AsError(err); !ok {
			// Providers only return *provider.Error; anything else is
			// still reported as a network failure rather than leaked raw.
			err = &provider.Error{Kind: provider.KindNetwork, Provider: p.Name(), Detail: MsgInternal, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Envelope helpers
// ---------------------------------------------------------------------------

// StatusCode maps a Handle error to the HTTP status the widget receives.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	e, ok := provider.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case provider.KindInvalidMessage:
		return http.StatusBadRequest
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindNoAPIKey, provider.KindInvalidProvider, provider.KindInvalidKeyFormat:
		return http.StatusInternalServerError
	case provider.KindAPI, provider.KindMalformedResponse:
		return http.StatusBadGateway
	case provider.KindNetwork:
		if e.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text that may be shown to the end user. It's
// the error's sanitized Detail; anything that isn't a *provider.Error gets
// a generic message.
func PublicMessage(err error) string {
	if e, ok := provider.AsError(err); ok && e.Detail != "" {
		return e.Detail
	}
	return MsgInternal
}
