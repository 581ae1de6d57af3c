package types

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// ErrSessionClosed rejects any mutation routed into a closed session.
var ErrSessionClosed = errors.New("session is closed")

// ErrSessionNotFound is returned for operations that require an
// existing session.
var ErrSessionNotFound = errors.New("session not found")

// ErrNotAgentOwned rejects agent messages into sessions no agent owns.
var ErrNotAgentOwned = errors.New("session has no assigned agent")

// ErrAttachmentFetch marks a failed attachment download. Callers degrade
// to the text-only path instead of failing the turn.
var ErrAttachmentFetch = errors.New("attachment fetch failed")

type ProviderErrorKind string

const (
	// ProviderErrorAuth: credentials rejected, AI is effectively offline.
	ProviderErrorAuth ProviderErrorKind = "auth"
	// ProviderErrorRateLimit: quota exhausted, intermittent.
	ProviderErrorRateLimit ProviderErrorKind = "rate_limit"
	// ProviderErrorTransport: anything else on the wire.
	ProviderErrorTransport ProviderErrorKind = "transport"
)

// ProviderError wraps a provider call failure with its classification.
type ProviderError struct {
	Provider string
	Kind     ProviderErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Critical reports whether the failure means the AI is offline rather
// than intermittently throttled.
func (e *ProviderError) Critical() bool { return e.Kind == ProviderErrorAuth }

// HealthStatus maps the classification onto the provider health scale.
func (e *ProviderError) HealthStatus() HealthStatus {
	if e.Critical() {
		return HealthError
	}
	return HealthWarning
}

// ClassifyProviderError inspects the error signature of a failed
// provider call and wraps it. HTTP status codes are read from the
// openai client error types; everything unrecognized counts as a
// transport failure.
func ClassifyProviderError(provider string, err error) *ProviderError {
	kind := ProviderErrorTransport

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	status := 0
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	} else if errors.As(err, &reqErr) {
		status = reqErr.HTTPStatusCode
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = ProviderErrorAuth
	case http.StatusTooManyRequests:
		kind = ProviderErrorRateLimit
	}

	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}
