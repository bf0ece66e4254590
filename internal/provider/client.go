package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Timeouts for outbound calls. Chat calls get 30s; anything auxiliary
// (license checks) gets 15s.
const (
	ChatTimeout      = 30 * time.Second
	AuxiliaryTimeout = 15 * time.Second
)

// maxResponseBytes caps how much of an upstream body we'll buffer. A
// single-turn reply capped at a few thousand tokens is nowhere near this.
const maxResponseBytes = 4 << 20

// NewHTTPClient returns the *http.Client the provider clients share.
// There is no retry wrapper: a failed call surfaces as KindNetwork and the
// caller decides what to do.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// apiErrorEnvelope is the error shape all three providers use on non-2xx
// responses: {"error": {"message": "..."}}. They add other fields
// (type, code, status) but message is the only one we surface.
type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// postJSON does the part of Send that is identical across providers:
// serialize → POST → check status → decode into out.
//
// Everything it returns is already a *Error, so each provider's Send can
// pass it straight through.
func postJSON(ctx context.Context, client *http.Client, name, url string, header http.Header, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		// Only reachable with a non-finite float; Options.Normalize
		// should have caught that already.
		return networkError(name, fmt.Errorf("encoding request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return networkError(name, fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return networkError(name, err)
	}
	// Always close the body, or the transport can't reuse the connection.
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return networkError(name, fmt.Errorf("reading response: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		detail := msgUnknownAPIError
		var env apiErrorEnvelope
		if json.Unmarshal(raw, &env) == nil {
			if msg := SanitizeLine(env.Error.Message); msg != "" {
				detail = msg
			}
		}
		return &Error{
			Kind:       KindAPI,
			Provider:   name,
			StatusCode: httpResp.StatusCode,
			Detail:     detail,
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return malformedError(name, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}
