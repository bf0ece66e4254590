package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/howard-nolan/smartbot/internal/chat"
	"github.com/howard-nolan/smartbot/internal/config"
	"github.com/howard-nolan/smartbot/internal/provider"
)

// maxBodyBytes caps the chat request body. A 2000-character message is at
// most 8000 bytes of UTF-8; the rest is headroom for JSON escaping.
const maxBodyBytes = 64 << 10

const (
	msgInvalidNonce = "Invalid security token."
	msgInvalidJSON  = "Invalid JSON body passed."
)

// defaultBrandColor is used when the configured color isn't a hex color.
const defaultBrandColor = "#4F46E5"

var hexColor = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// envelope is the JSON shape of every chat response, success or not.
type envelope struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

// chatRequest is the body the widget posts.
type chatRequest struct {
	Message *string `json:"message"`
}

// widgetConfig is what the widget script needs to render and talk to us.
type widgetConfig struct {
	BotName    string `json:"botName"`
	BrandColor string `json:"brandColor"`
	Avatar     string `json:"avatar"`
	RestURL    string `json:"restUrl"`
	Nonce      string `json:"nonce"`

	// ShowBranding tells the widget to render "Powered by SmartBot".
	// Only licensed installs may hide it.
	ShowBranding bool `json:"showBranding"`
}

// handleHealth is a basic liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChat handles POST /smartbot/v1/chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	// Step 1: decode the body, refusing anything oversized.
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, chat.MsgInvalidMessage)
			return
		}
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	// Step 2: check the raw length, sanitize as a single-line text field,
	// then check that something is left. The raw check stops a payload
	// that is mostly markup from slipping under the limit once stripped.
	if req.Message == nil || utf8.RuneCountInString(*req.Message) > chat.MaxMessageLength {
		writeError(w, http.StatusBadRequest, chat.MsgInvalidMessage)
		return
	}
	message := provider.SanitizeLine(*req.Message)
	if n := utf8.RuneCountInString(message); n == 0 || n > chat.MaxMessageLength {
		writeError(w, http.StatusBadRequest, chat.MsgInvalidMessage)
		return
	}

	// Step 3: hand off to the orchestrator with a settings snapshot.
	cfg := s.cfg.Current()
	resp, err := s.chat.Handle(r.Context(), settingsFrom(cfg), clientIP(r), message)
	if err != nil {
		writeError(w, chat.StatusCode(err), chat.PublicMessage(err))
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success:  true,
		Message:  resp.Message,
		Provider: resp.Provider,
	})
}

// handleWidgetConfig handles GET /smartbot/v1/config. It never includes
// the API key or anything about the provider.
func (s *Server) handleWidgetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Current()

	color := cfg.Widget.BrandColor
	if !hexColor.MatchString(color) {
		color = defaultBrandColor
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, widgetConfig{
		BotName:    cfg.Widget.BotName,
		BrandColor: color,
		Avatar:     cfg.Widget.Avatar,
		RestURL:    restURL(cfg, r),
		Nonce:      s.nonces.Issue(NonceAction),

		ShowBranding: !s.canUsePro(r, cfg),
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// canUsePro asks the license gate, if there is one, about the current
// snapshot's license.
func (s *Server) canUsePro(r *http.Request, cfg *config.Config) bool {
	if s.pro == nil {
		return false
	}
	return s.pro.CanUsePro(r.Context(), cfg.License.Key, cfg.License.Status)
}

// settingsFrom copies the chat-relevant parts of a config snapshot.
func settingsFrom(cfg *config.Config) chat.Settings {
	return chat.Settings{
		Provider:     provider.ParseIdentity(cfg.Chat.Provider),
		APIKey:       cfg.Chat.APIKey,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Options: provider.Options{
			Model:       cfg.Chat.Model,
			Temperature: cfg.Chat.Temperature,
			MaxTokens:   cfg.Chat.MaxTokens,
		},
		LicenseKey:    cfg.License.Key,
		LicenseStatus: cfg.License.Status,
	}
}

// clientIP returns the host part of RemoteAddr, which RealIP has already
// replaced with the forwarded address when there is one.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// restURL is the base URL the widget posts to.
func restURL(cfg *config.Config, r *http.Request) string {
	if base := strings.TrimRight(cfg.Server.PublicURL, "/"); base != "" {
		return base + APIPrefix + "/"
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + APIPrefix + "/"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}
