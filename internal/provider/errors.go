package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind classifies a failed chat request. The orchestrator maps each
// kind to an HTTP status, and metrics use it as a label, so the values are
// stable snake_case strings.
type ErrorKind string

const (
	// KindInvalidKeyFormat: the stored key failed the local format check.
	// The key never left the process.
	KindInvalidKeyFormat ErrorKind = "invalid_key_format"

	// KindNoAPIKey: no key configured at all.
	KindNoAPIKey ErrorKind = "no_api_key"

	// KindInvalidProvider: the configured provider id isn't one we know.
	KindInvalidProvider ErrorKind = "invalid_provider"

	// KindRateLimited: the caller's identity is over its window budget.
	KindRateLimited ErrorKind = "rate_limited"

	// KindNetwork: the HTTP call itself failed (DNS, TLS, timeout, reset).
	KindNetwork ErrorKind = "network_error"

	// KindAPI: the provider answered with a non-2xx status.
	KindAPI ErrorKind = "api_error"

	// KindMalformedResponse: 2xx, but the reply text wasn't where the
	// provider's documented response shape says it should be.
	KindMalformedResponse ErrorKind = "malformed_response"

	// KindInvalidMessage: empty or oversized user message.
	KindInvalidMessage ErrorKind = "invalid_message"
)

// Error is the single error type that crosses the provider and
// orchestrator boundaries.
//
// Detail is the human-readable, already-sanitized text that may be shown
// to the end user. Err keeps the underlying cause for logs and errors.Is;
// it must never carry the API key (see networkError).
type Error struct {
	Kind       ErrorKind
	Provider   string // display name, empty for pre-provider failures
	StatusCode int    // upstream HTTP status for KindAPI, else 0
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Provider != "" && e.StatusCode > 0:
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Detail)
	case e.Provider != "":
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Detail)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was the outbound call running out of
// time, as opposed to the connection being refused or reset.
func (e *Error) Timeout() bool {
	if e.Kind != KindNetwork {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// NewError builds an *Error with no provider attached. The orchestrator
// uses it for failures that happen before a client is involved.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" if err isn't one of ours.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

// Messages shown to the widget user. They match what the settings page
// documents, so operators can recognize them in support requests.
const (
	msgInvalidKeyFormat = "Invalid API key format."
	msgUnknownAPIError  = "Unknown API error."
	msgRequestFailed    = "API request failed: %s"
	msgMalformed        = "Invalid response format from %s API."
)

func invalidKeyError(name string) *Error {
	return &Error{Kind: KindInvalidKeyFormat, Provider: name, Detail: msgInvalidKeyFormat}
}

func malformedError(name string, cause error) *Error {
	return &Error{
		Kind:     KindMalformedResponse,
		Provider: name,
		Detail:   fmt.Sprintf(msgMalformed, name),
		Err:      cause,
	}
}

// networkError wraps a failed client.Do.
//
// http.Client errors are *url.Error values whose message includes the
// request URL. For Gemini that URL contains ?key=..., so we drop the
// url.Error wrapper entirely and keep only its inner cause, both for the
// user-facing detail and for the wrapped error that ends up in logs.
func networkError(name string, err error) *Error {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	return &Error{
		Kind:     KindNetwork,
		Provider: name,
		Detail:   fmt.Sprintf(msgRequestFailed, SanitizeLine(err.Error())),
		Err:      err,
	}
}
