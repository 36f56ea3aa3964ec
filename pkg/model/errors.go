package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider failures. Wrapped ProviderErrors match these
// via errors.Is so callers can branch on failure class without inspecting
// status codes.
var (
	ErrAuth           = errors.New("authentication failed")
	ErrRateLimited    = errors.New("rate limited")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnavailable    = errors.New("provider unavailable")
	ErrNoOutput       = errors.New("provider returned no output")
)

// ProviderError wraps a provider failure with its origin and HTTP status.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider error (model=%s, status=%d): %s", e.Provider, e.Model, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s provider error (model=%s): %s", e.Provider, e.Model, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 429:
		return ErrRateLimited
	case status >= 400 && status < 500:
		return ErrInvalidRequest
	case status >= 500:
		return ErrUnavailable
	default:
		return nil
	}
}

// newProviderError builds a ProviderError whose cause is the sentinel for
// the given status, keeping errors.Is matching intact.
func newProviderError(provider, model string, status int, message string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Model:      model,
		StatusCode: status,
		Message:    message,
		Err:        classifyStatus(status),
	}
}
