// Package ratelimit implements the per-visitor fixed-window limiter that
// sits in front of every chat request.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/howard-nolan/smartbot/internal/store"
)

// Defaults match the hosting plugin: 30 requests per visitor per minute.
const (
	DefaultLimit  = 30
	DefaultWindow = 60 * time.Second
)

// keyPrefix is appended to the store's own prefix, giving keys like
// "smartbot:rl:<hash>" in Redis.
const keyPrefix = "rl:"

// Limiter is a fixed-window counter per client identity.
//
// A window starts with the first request from an identity and lasts
// Window; every request in it increments the counter, and a request is
// admitted while the count is at most Limit. Because windows are fixed
// (not sliding), a client can get up to 2x Limit through around a window
// boundary. That's accepted.
type Limiter struct {
	store  store.Store
	limit  int64
	window time.Duration
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimit sets the number of requests admitted per window. Values < 1
// are ignored.
func WithLimit(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.limit = int64(n)
		}
	}
}

// WithWindow sets the window length. Non-positive values are ignored.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithLogger sets the logger used to report store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Limiter on top of s.
func New(s store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  s,
		limit:  DefaultLimit,
		window: DefaultWindow,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int { return int(l.limit) }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow records one request from clientIP and reports whether it is
// admitted.
//
// The increment and the read happen in one store operation, so two
// concurrent requests can never both see the same count. If the store is
// unreachable the request is admitted and a warning is logged: an outage
// of the counter backend shouldn't take the chat widget down with it.
func (l *Limiter) Allow(ctx context.Context, clientIP string) bool {
	id := Identity(clientIP)

	n, err := l.store.Incr(ctx, keyPrefix+id, l.window)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit store unavailable, admitting request",
			"client", id[:12],
			"error", err,
		)
		return true
	}
	return n <= l.limit
}

// Identity derives the rate-limit identity for a client address. The raw
// IP is hashed so it never lands in the store or the logs.
func Identity(clientIP string) string {
	sum := sha256.Sum256([]byte(clientIP))
	return hex.EncodeToString(sum[:])
}
