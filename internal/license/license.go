// Package license verifies the operator's license key against the remote
// license server and gates pro-tier models on the result.
package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/howard-nolan/smartbot/internal/metrics"
	"github.com/howard-nolan/smartbot/internal/provider"
	"github.com/howard-nolan/smartbot/internal/store"
)

// Product is the identifier the license server expects.
const Product = "smartbot-byok"

// StatusActive is the only license status that unlocks pro models.
const StatusActive = "active"

// DefaultCacheTTL is how long a valid verification is trusted before the
// server is asked again.
const DefaultCacheTTL = 24 * time.Hour

const (
	cachePrefix     = "license:"
	maxResponseBody = 64 << 10

	msgKeyRequired     = "License key is required."
	msgInvalidResponse = "Invalid response from server."
	msgConnection      = "Connection error: %s"
)

// Result is what the license server said about a key.
type Result struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
	Expires string `json:"expires,omitempty"`
}

// Checker talks to the license server and caches valid results.
type Checker struct {
	serverURL string
	siteURL   string
	client    *http.Client
	cache     store.Store
	ttl       time.Duration
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// Config holds the checker's settings.
type Config struct {
	ServerURL string        // empty disables verification: nothing is ever pro
	SiteURL   string        // reported to the server with each check
	CacheTTL  time.Duration // defaults to DefaultCacheTTL
}

// NewChecker builds a Checker. client should carry the auxiliary timeout
// (provider.AuxiliaryTimeout); cache holds verified results; m and logger
// may be nil.
func NewChecker(cfg Config, client *http.Client, cache store.Store, m *metrics.Collector, logger *slog.Logger) *Checker {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if client == nil {
		client = provider.NewHTTPClient(provider.AuxiliaryTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		serverURL: strings.TrimSpace(cfg.ServerURL),
		siteURL:   cfg.SiteURL,
		client:    client,
		cache:     cache,
		ttl:       cfg.CacheTTL,
		metrics:   m,
		logger:    logger,
	}
}

// CanUsePro reports whether pro-tier models are unlocked: the stored
// status must be active, a key must be present, and the server (or a
// cached answer from it) must say the key is valid. Any failure along the
// way means no.
func (c *Checker) CanUsePro(ctx context.Context, key, status string) bool {
	if status != StatusActive || strings.TrimSpace(key) == "" || c.serverURL == "" {
		return false
	}
	res, err := c.Verify(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "license verification failed", "error", err)
		return false
	}
	return res.Valid
}

// Verify checks key, consulting the cache first. Only valid results are
// cached, so a key that was just activated on the server is picked up on
// the next check.
func (c *Checker) Verify(ctx context.Context, key string) (*Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return &Result{Valid: false, Message: msgKeyRequired}, nil
	}
	if c.serverURL == "" {
		return nil, errors.New("license server not configured")
	}

	cacheKey := cachePrefix + hashKey(key)
	if res, ok := c.cached(ctx, cacheKey); ok {
		c.metrics.LicenseCheck("cache", res.Valid)
		return res, nil
	}

	res, err := c.remote(ctx, key)
	if err != nil {
		return nil, err
	}
	c.metrics.LicenseCheck("remote", res.Valid)

	if res.Valid && c.cache != nil {
		raw, _ := json.Marshal(res)
		if err := c.cache.Set(ctx, cacheKey, raw, c.ttl); err != nil {
			c.logger.WarnContext(ctx, "caching license result", "error", err)
		}
	}
	return res, nil
}

func (c *Checker) cached(ctx context.Context, cacheKey string) (*Result, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, found, err := c.cache.Get(ctx, cacheKey)
	if err != nil {
		c.logger.WarnContext(ctx, "reading license cache", "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false
	}
	return &res, true
}

// remote performs the form POST to the license server.
func (c *Checker) remote(ctx context.Context, key string) (*Result, error) {
	form := url.Values{
		"license_key": {key},
		"site_url":    {c.siteURL},
		"product":     {Product},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building license request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Strip *url.Error so the server URL and form never reach logs.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf(msgConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf(msgConnection, err)
	}

	var data struct {
		Valid   *bool   `json:"valid"`
		Message *string `json:"message"`
		Expires *string `json:"expires"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return &Result{Valid: false, Message: msgInvalidResponse}, nil
	}

	res := &Result{Message: msgInvalidResponse}
	if data.Valid != nil {
		res.Valid = *data.Valid
	}
	if data.Message != nil {
		res.Message = provider.SanitizeLine(*data.Message)
	}
	if data.Expires != nil {
		res.Expires = *data.Expires
	}
	// A valid flag on a non-2xx response isn't trusted.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Valid = false
	}
	return res, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
