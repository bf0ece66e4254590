// Package config handles loading, validating, and hot-reloading the chat
// backend's configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override config values.
const EnvPrefix = "SMARTBOT_"

// Config is the top-level configuration for the SmartBot backend.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Chat      ChatConfig                `koanf:"chat"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	RateLimit RateLimitConfig           `koanf:"rate_limit"`
	License   LicenseConfig             `koanf:"license"`
	Widget    WidgetConfig              `koanf:"widget"`
	Log       LogConfig                 `koanf:"log"`
	Metrics   MetricsConfig             `koanf:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// NonceSecret signs widget nonces. Empty means a random secret is
	// generated at startup, which invalidates outstanding nonces on
	// every restart.
	NonceSecret  string `koanf:"nonce_secret"`
	RequireNonce bool   `koanf:"require_nonce"`

	// PublicURL is the externally visible base URL, used to build the
	// widget's restUrl. Empty means "derive it from the request".
	PublicURL string `koanf:"public_url"`
}

// ChatConfig is what the site operator sets on the settings page.
type ChatConfig struct {
	Provider     string  `koanf:"provider"`
	APIKey       string  `koanf:"api_key"`
	SystemPrompt string  `koanf:"system_prompt"`
	Model        string  `koanf:"model"`
	Temperature  float64 `koanf:"temperature"`
	MaxTokens    int     `koanf:"max_tokens"`
}

// ProviderConfig overrides where a provider's requests go.
type ProviderConfig struct {
	BaseURL string `koanf:"base_url"`
}

// RateLimitConfig controls the per-visitor fixed window.
type RateLimitConfig struct {
	Limit  int           `koanf:"limit"`
	Window time.Duration `koanf:"window"`

	// RedisAddr switches the counter store from in-process memory to
	// Redis, so several instances share one budget per visitor.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// LicenseConfig holds the pro license and where to verify it.
type LicenseConfig struct {
	Key       string        `koanf:"key"`
	Status    string        `koanf:"status"`
	ServerURL string        `koanf:"server_url"`
	SiteURL   string        `koanf:"site_url"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

// WidgetConfig is the appearance handed to the chat widget.
type WidgetConfig struct {
	BotName    string `koanf:"bot_name"`
	BrandColor string `koanf:"brand_color"`
	Avatar     string `koanf:"avatar"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Default returns the configuration a fresh install starts with.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 45 * time.Second,
			RequireNonce: true,
		},
		Chat: ChatConfig{
			Provider:     "openai",
			SystemPrompt: "You are a helpful assistant.",
			Temperature:  0.7,
			MaxTokens:    1000,
		},
		Providers: map[string]ProviderConfig{},
		RateLimit: RateLimitConfig{
			Limit:  30,
			Window: 60 * time.Second,
		},
		License: LicenseConfig{
			Status:   "inactive",
			CacheTTL: 24 * time.Hour,
		},
		Widget: WidgetConfig{
			BotName:    "SmartBot",
			BrandColor: "#4F46E5",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a validated Config. A missing file is not
// an error: defaults plus environment are a complete configuration.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	// Layer 1: the YAML file, if there is one.
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Layer 2: SMARTBOT_* environment variables, e.g.
	//   SMARTBOT_CHAT_PROVIDER       -> chat.provider
	//   SMARTBOT_RATE_LIMIT_WINDOW   -> rate_limit.window
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal over the defaults. Keys absent from both layers keep
	// their default value.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in the secrets, so the YAML file can
	// be committed without them.
	cfg.Chat.APIKey = expandEnv(cfg.Chat.APIKey)
	cfg.License.Key = expandEnv(cfg.License.Key)
	cfg.Server.NonceSecret = expandEnv(cfg.Server.NonceSecret)
	cfg.RateLimit.RedisPassword = expandEnv(cfg.RateLimit.RedisPassword)

	cfg.Chat.Provider = strings.ToLower(strings.TrimSpace(cfg.Chat.Provider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would make the server misbehave rather
// than merely fail requests. An unknown chat.provider is deliberately
// allowed: requests then fail with "Invalid AI provider selected.", which
// is what the operator sees on the site.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.RateLimit.Limit < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.limit must be positive, got %d", c.RateLimit.Limit))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window))
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature must be within [0, 2], got %g", c.Chat.Temperature))
	}
	if c.Chat.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("chat.max_tokens must be positive, got %d", c.Chat.MaxTokens))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// BaseURL returns the configured endpoint override for a provider, or ""
// for the public API.
func (c *Config) BaseURL(provider string) string {
	return c.Providers[provider].BaseURL
}

// ---------------------------------------------------------------------------
// Environment helpers
// ---------------------------------------------------------------------------

// sections lists the top-level keys, longest first, so "rate_limit" is
// matched before a hypothetical "rate".
var sections = func() []string {
	s := []string{"server", "chat", "providers", "rate_limit", "license", "widget", "log", "metrics"}
	sort.Slice(s, func(i, j int) bool { return len(s[i]) > len(s[j]) })
	return s
}()

// envKey turns SMARTBOT_RATE_LIMIT_WINDOW into rate_limit.window.
//
// A plain "_" -> "." replacement can't work here because the leaf keys
// themselves contain underscores (api_key, max_tokens). Instead the
// section is matched by name and the remainder is kept as the leaf. The
// providers section has one more level: providers.<id>.<field>.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, sec := range sections {
		rest, ok := strings.CutPrefix(s, sec+"_")
		if !ok {
			continue
		}
		if sec == "providers" {
			if id, field, ok := strings.Cut(rest, "_"); ok {
				return sec + "." + id + "." + field
			}
		}
		return sec + "." + rest
	}
	// Unknown section: keep it addressable but out of the way.
	return s
}

// expandEnv resolves a value of the exact form ${NAME}. Anything else is
// returned unchanged.
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}
