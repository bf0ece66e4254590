// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/howard-nolan/smartbot/internal/chat"
	"github.com/howard-nolan/smartbot/internal/config"
	"github.com/howard-nolan/smartbot/internal/metrics"
	"github.com/howard-nolan/smartbot/internal/provider"
)

// APIPrefix is where the widget's REST routes live.
const APIPrefix = "/smartbot/v1"

// ChatHandler is the orchestrator the chat route delegates to.
type ChatHandler interface {
	Handle(ctx context.Context, settings chat.Settings, clientIP, message string) (*provider.ChatResponse, error)
}

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router  chi.Router
	cfg     *config.Store
	chat    ChatHandler
	nonces  *Nonces
	pro     chat.ProGate
	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts /metrics for c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithProGate lets licensed installs hide the widget branding.
func WithProGate(g chat.ProGate) Option {
	return func(s *Server) { s.pro = g }
}

// WithLogger sets the logger used for request logs and handler errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Store, svc ChatHandler, nonces *Nonces, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		chat:   svc,
		nonces: nonces,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID tags every request so its log lines can be correlated.
	r.Use(middleware.RequestID)

	// RealIP rewrites RemoteAddr from X-Forwarded-For / X-Real-IP. The
	// rate limiter keys on the result, so the service must sit behind a
	// proxy that sets these headers (and strips client-supplied ones).
	r.Use(middleware.RealIP)

	r.Use(requestLogger(s.logger))

	// Recoverer turns a handler panic into a 500 instead of killing the
	// process.
	r.Use(middleware.Recoverer)

	// --- Routes ---
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route(APIPrefix, func(r chi.Router) {
		r.Get("/config", s.handleWidgetConfig)
		r.With(s.requireNonce).Post("/chat", s.handleChat)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
