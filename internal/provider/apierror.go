package provider

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/elrond/internal"
)

// APIError represents an error response from an upstream LLM provider.
// Message is the provider's own error text, extracted from the JSON body;
// the raw body (and any key material echoed in it) is never retained.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

// Error returns a formatted error string including provider and status.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Unwrap maps the upstream status onto a gateway sentinel: 5xx means the
// provider is unavailable, everything else is a provider-reported error.
func (e *APIError) Unwrap() error {
	if e.StatusCode >= 500 {
		return gateway.ErrProviderUnavailable
	}
	return gateway.ErrProviderError
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB from the response body and returns an
// APIError. Both the OpenAI-style {"error":{"message":...}} and the
// flat {"message":...} envelopes are understood; a non-JSON body falls
// back to the generic status text.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
}
