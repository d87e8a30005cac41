// Package llm asks a language model to turn a Spanish expense message into a
// structured candidate transaction.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Provider sends a prompt to a model and returns its raw text answer.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, prompt string) (string, error)
	// Ping checks the service is reachable.
	Ping(ctx context.Context) error
}

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// transient reports whether a failed call may succeed if repeated at once:
// refused or reset connections and 5xx unavailability. Timeouts and bad
// output are never transient.
func transient(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// NewProvider builds the provider named by kind.
func NewProvider(ctx context.Context, kind, model, baseURL, apiKey string) (Provider, error) {
	switch kind {
	case "ollama":
		return NewOllamaProvider(baseURL, model, nil)
	case "gemini":
		return NewGeminiProvider(ctx, apiKey, model)
	case "anthropic":
		return NewAnthropicProvider(apiKey, model)
	default:
		return nil, fmt.Errorf("NewProvider: unknown provider %q", kind)
	}
}
