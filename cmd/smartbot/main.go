// Package main is the entry point for the SmartBot chat backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/howard-nolan/smartbot/internal/chat"
	"github.com/howard-nolan/smartbot/internal/config"
	"github.com/howard-nolan/smartbot/internal/license"
	"github.com/howard-nolan/smartbot/internal/logging"
	"github.com/howard-nolan/smartbot/internal/metrics"
	"github.com/howard-nolan/smartbot/internal/provider"
	"github.com/howard-nolan/smartbot/internal/ratelimit"
	"github.com/howard-nolan/smartbot/internal/server"
	"github.com/howard-nolan/smartbot/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfgStore, err := config.NewStore(*configPath, nil)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := cfgStore.Current()

	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	slog.SetDefault(logger)
	cfgStore.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgStore, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgStore *config.Store, logger *slog.Logger) error {
	cfg := cfgStore.Current()

	// Counter/TTL store: Redis when configured (shared across replicas),
	// otherwise in-process.
	counters, err := openStore(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	defer counters.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	limiter := ratelimit.New(counters,
		ratelimit.WithLimit(cfg.RateLimit.Limit),
		ratelimit.WithWindow(cfg.RateLimit.Window),
		ratelimit.WithLogger(logger),
	)

	logger.Info("rate limiter ready",
		"limit", limiter.Limit(),
		"window", limiter.Window(),
		"redis", cfg.RateLimit.RedisAddr != "",
	)

	// One client with the 30s chat timeout for every provider call, and a
	// separate 15s client for license verification.
	selector := provider.NewSelector(provider.NewHTTPClient(provider.ChatTimeout), provider.Endpoints{
		OpenAI: cfg.BaseURL(string(provider.OpenAI)),
		Gemini: cfg.BaseURL(string(provider.Gemini)),
		Claude: cfg.BaseURL(string(provider.Claude)),
	})

	checker := license.NewChecker(license.Config{
		ServerURL: cfg.License.ServerURL,
		SiteURL:   cfg.License.SiteURL,
		CacheTTL:  cfg.License.CacheTTL,
	}, provider.NewHTTPClient(provider.AuxiliaryTimeout), counters, collector, logger)

	svc := chat.NewService(selector, limiter,
		chat.WithProGate(checker),
		chat.WithMetrics(collector),
		chat.WithLogger(logger),
	)

	nonces, err := server.NewNonces(cfg.Server.NonceSecret)
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithLogger(logger), server.WithProGate(checker)}
	if collector != nil {
		opts = append(opts, server.WithMetrics(collector))
	}
	srv := server.New(cfgStore, svc, nonces, opts...)

	// Chat settings (provider, key, prompt, widget) are read per request,
	// so they take effect on reload. Listener, store and limiter settings
	// need a restart.
	if err := cfgStore.Watch(ctx, func(c *config.Config) {
		logger.Info("chat settings updated", "provider", c.Chat.Provider, "has_key", c.Chat.APIKey != "")
	}); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	if _, ok := selector.Select(provider.ParseIdentity(cfg.Chat.Provider)); !ok {
		logger.Warn("configured provider is not supported; chat requests will fail",
			"provider", cfg.Chat.Provider,
			"supported", provider.Identities(),
		)
	}
	if cfg.Chat.APIKey == "" {
		logger.Warn("no API key configured; chat requests will fail until one is set")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("smartbot listening", "port", cfg.Server.Port, "provider", cfg.Chat.Provider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.RateLimitConfig) (store.Store, error) {
	if cfg.RedisAddr == "" {
		return store.NewMemory(), nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s, err := store.NewRedis(pingCtx, store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return s, nil
}
