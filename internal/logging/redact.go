package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Redacted replaces anything that looks like a credential.
const Redacted = "[REDACTED]"

// keyPatterns match the key shapes the providers hand out, plus the two
// places a key travels on the wire (Bearer header, ?key= query).
var keyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]{20,}`),
	regexp.MustCompile(`key=[A-Za-z0-9_-]{20,}`),
}

// sensitiveKeys are attribute names whose value is dropped outright.
var sensitiveKeys = []string{
	"authorization",
	"api_key",
	"apikey",
	"api-key",
	"x-api-key",
	"secret",
	"password",
	"license_key",
}

// Redact masks every credential-shaped substring of s.
func Redact(s string) string {
	for _, p := range keyPatterns {
		s = p.ReplaceAllString(s, Redacted)
	}
	return s
}

// RedactHandler wraps another slog.Handler and scrubs the message and all
// string attributes, including those inside groups and LogValuers.
type RedactHandler struct {
	inner slog.Handler
}

// NewRedactHandler wraps inner.
func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{inner: inner}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, Redact(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = redactAttr(a)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(scrubbed)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, Redacted)
	}

	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, Redact(v.String()))
	case slog.KindGroup:
		group := v.Group()
		scrubbed := make([]any, len(group))
		for i, g := range group {
			scrubbed[i] = redactAttr(g)
		}
		return slog.Group(a.Key, scrubbed...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, Redact(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}
