package chat

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/howard-nolan/smartbot/internal/metrics"
	"github.com/howard-nolan/smartbot/internal/provider"
	"github.com/howard-nolan/smartbot/internal/ratelimit"
	"github.com/howard-nolan/smartbot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOpenAIKey = "sk-" + strings.Repeat("k", 45)

// fakeOpenAI answers every chat completion with the same reply and counts
// calls.
func fakeOpenAI(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newService(t *testing.T, upstreamURL string, opts ...Option) *Service {
	t.Helper()
	mem := store.NewMemory(store.WithSweepInterval(0))
	t.Cleanup(func() { _ = mem.Close() })

	selector := provider.NewSelector(http.DefaultClient, provider.Endpoints{OpenAI: upstreamURL})
	return NewService(selector, ratelimit.New(mem), opts...)
}

func openAISettings() Settings {
	return Settings{
		Provider:     provider.OpenAI,
		APIKey:       testOpenAIKey,
		SystemPrompt: "You are a helpful assistant.",
	}
}

func TestHandle_Success(t *testing.T) {
	srv, calls := fakeOpenAI(t, http.StatusOK, `{"choices":[{"message":{"content":"Hi there!"}}]}`)
	svc := newService(t, srv.URL)

	resp, err := svc.Handle(context.Background(), openAISettings(), "203.0.113.1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", resp.Message)
	assert.Equal(t, "OpenAI", resp.Provider)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandle_NoAPIKey(t *testing.T) {
	srv, calls := fakeOpenAI(t, http.StatusOK, `{}`)
	svc := newService(t, srv.URL)

	settings := openAISettings()
	settings.APIKey = "  "

	_, err := svc.Handle(context.Background(), settings, "203.0.113.1", "Hello")
	require.Error(t, err)
	assert.Equal(t, provider.KindNoAPIKey, provider.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Equal(t, "API key is not configured. Please contact the site administrator.", PublicMessage(err))
	assert.Zero(t, calls.Load())
}

func TestHandle_RateLimited(t *testing.T) {
	srv, calls := fakeOpenAI(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)
	svc := newService(t, srv.URL)
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		_, err := svc.Handle(ctx, openAISettings(), "198.51.100.9", "Hello")
		require.NoError(t, err, "request %d", i)
	}

	_, err := svc.Handle(ctx, openAISettings(), "198.51.100.9", "Hello")
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Equal(t, MsgRateLimited, PublicMessage(err))
	assert.Equal(t, int32(30), calls.Load())

	// A different visitor is unaffected.
	_, err = svc.Handle(ctx, openAISettings(), "198.51.100.10", "Hello")
	assert.NoError(t, err)
}

func TestHandle_InvalidProviderFailsClosed(t *testing.T) {
	srv, calls := fakeOpenAI(t, http.StatusOK, `{}`)
	svc := newService(t, srv.URL)

	settings := openAISettings()
	settings.Provider = "mistral"

	_, err := svc.Handle(context.Background(), settings, "203.0.113.1", "Hello")
	assert.Equal(t, provider.KindInvalidProvider, provider.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Equal(t, MsgInvalidProvider, PublicMessage(err))
	assert.Zero(t, calls.Load())
}

func TestHandle_InvalidMessage(t *testing.T) {
	srv, calls := fakeOpenAI(t, http.StatusOK, `{}`)
	svc := newService(t, srv.URL)

	for _, msg := range []string{"", "   ", strings.Repeat("é", MaxMessageLength+1)} {
		_, err := svc.Handle(context.Background(), openAISettings(), "203.0.113.1", msg)
		assert.Equal(t, provider.KindInvalidMessage, provider.KindOf(err))
		assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	}

	// Exactly the limit in multi-byte characters is fine.
	srvOK, _ := fakeOpenAI(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)
	svc = newService(t, srvOK.URL)
	_, err := svc.Handle(context.Background(), openAISettings(), "203.0.113.1", strings.Repeat("é", MaxMessageLength))
	assert.NoError(t, err)
	assert.Zero(t, calls.Load())
}

func TestHandle_InvalidKeyFormat(t *testing.T) {
	srv, calls := fakeOpenAI(t, http.StatusOK, `{}`)
	svc := newService(t, srv.URL)

	settings := openAISettings()
	settings.APIKey = "sk-short"

	_, err := svc.Handle(context.Background(), settings, "203.0.113.1", "Hello")
	assert.Equal(t, provider.KindInvalidKeyFormat, provider.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Equal(t, "Invalid API key format.", PublicMessage(err))
	assert.Zero(t, calls.Load())
}

func TestHandle_UpstreamError(t *testing.T) {
	srv, _ := fakeOpenAI(t, http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota."}}`)
	svc := newService(t, srv.URL)

	_, err := svc.Handle(context.Background(), openAISettings(), "203.0.113.1", "Hello")
	assert.Equal(t, provider.KindAPI, provider.KindOf(err))
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.Equal(t, "You exceeded your current quota.", PublicMessage(err))
}

// proGate records what it was asked and answers with a fixed value.
type proGate struct {
	allow bool
	calls atomic.Int32
}

func (g *proGate) CanUsePro(_ context.Context, key, status string) bool {
	g.calls.Add(1)
	return g.allow && key != "" && status == "active"
}

func TestHandle_ProModelSelection(t *testing.T) {
	srv, _ := fakeOpenAI(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)
	gate := &proGate{allow: true}
	svc := newService(t, srv.URL, WithProGate(gate))

	settings := openAISettings()
	settings.LicenseKey = "LIC-123"
	settings.LicenseStatus = "active"

	resp, err := svc.Handle(context.Background(), settings, "203.0.113.1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4-turbo", resp.Model)

	settings.LicenseStatus = "inactive"
	resp, err = svc.Handle(context.Background(), settings, "203.0.113.1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "gpt-3.5-turbo", resp.Model)

	assert.Equal(t, int32(2), gate.calls.Load())
}

func TestHandle_ModelAllowList(t *testing.T) {
	tests := []struct {
		name   string
		status string // license status handed to the gate
		model  string
		want   string
	}{
		{"free model on free install", "inactive", "gpt-3.5-turbo", "gpt-3.5-turbo"},
		{"pro model on free install falls back", "inactive", "gpt-4", "gpt-3.5-turbo"},
		{"pro model on licensed install", "active", "gpt-4", "gpt-4"},
		{"free model on licensed install", "active", "gpt-3.5-turbo", "gpt-3.5-turbo"},
		{"unlisted model on free install", "inactive", "gpt-4o", "gpt-3.5-turbo"},
		{"unlisted model on licensed install", "active", "gpt-4o", "gpt-4-turbo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := fakeOpenAI(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)
			svc := newService(t, srv.URL, WithProGate(&proGate{allow: true}))

			settings := openAISettings()
			settings.LicenseKey = "LIC-123"
			settings.LicenseStatus = tt.status
			settings.Options.Model = tt.model

			resp, err := svc.Handle(context.Background(), settings, "203.0.113.1", "Hello")
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Model)
		})
	}
}

func TestHandle_ProModelWithoutGate(t *testing.T) {
	srv, _ := fakeOpenAI(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)
	svc := newService(t, srv.URL)

	settings := openAISettings()
	settings.Options.Model = "gpt-4-turbo"

	resp, err := svc.Handle(context.Background(), settings, "203.0.113.1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "gpt-3.5-turbo", resp.Model)
}

func TestHandle_LogsNeverContainKeyOrMessage(t *testing.T) {
	srv, _ := fakeOpenAI(t, http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided"}}`)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := newService(t, srv.URL, WithLogger(logger))

	_, err := svc.Handle(context.Background(), openAISettings(), "203.0.113.1", "my secret question")
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "chat request failed")
	assert.Contains(t, out, `"outcome":"api_error"`)
	assert.NotContains(t, out, testOpenAIKey)
	assert.NotContains(t, out, "my secret question")
}

func TestHandle_RecordsMetrics(t *testing.T) {
	srv, _ := fakeOpenAI(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)
	c := metrics.NewCollector()
	svc := newService(t, srv.URL, WithMetrics(c))

	_, err := svc.Handle(context.Background(), openAISettings(), "203.0.113.1", "Hello")
	require.NoError(t, err)

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "smartbot_chat_requests_total" {
			found = true
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestStatusCode(t *testing.T) {
	timeout := &provider.Error{Kind: provider.KindNetwork, Err: context.DeadlineExceeded}
	refused := &provider.Error{Kind: provider.KindNetwork, Err: errors.New("connection refused")}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"invalid message", provider.NewError(provider.KindInvalidMessage, ""), http.StatusBadRequest},
		{"rate limited", provider.NewError(provider.KindRateLimited, ""), http.StatusTooManyRequests},
		{"no key", provider.NewError(provider.KindNoAPIKey, ""), http.StatusInternalServerError},
		{"malformed", provider.NewError(provider.KindMalformedResponse, ""), http.StatusBadGateway},
		{"network timeout", timeout, http.StatusGatewayTimeout},
		{"network refused", refused, http.StatusBadGateway},
		{"foreign error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestPublicMessage_ForeignError(t *testing.T) {
	assert.Equal(t, MsgInternal, PublicMessage(errors.New("dial tcp: secret detail")))
}

func TestHandle_DurationUsesClock(t *testing.T) {
	srv, _ := fakeOpenAI(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)

	var buf bytes.Buffer
	svc := newService(t, srv.URL, WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	base := time.Unix(1700000000, 0)
	var ticks atomic.Int64
	svc.now = func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Second)
	}

	_, err := svc.Handle(context.Background(), openAISettings(), "203.0.113.1", "Hello")
	require.NoError(t, err)
	// start=1s, sent=2s, returned=3s, logged=4s -> 3s total.
	assert.Contains(t, buf.String(), `"duration":3000000000`)
}
