package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaModel is used when no model is configured.
const DefaultOllamaModel = "llama3.2:3b"

// OllamaProvider talks to a local Ollama server.
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates a provider for the server at baseURL.
// A nil httpClient uses http.DefaultClient.
func NewOllamaProvider(baseURL, model string, httpClient *http.Client) (*OllamaProvider, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("NewOllamaProvider: parse url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return &OllamaProvider{client: api.NewClient(u, httpClient), model: model}, nil
}

func (p *OllamaProvider) Name() string  { return "ollama" }
func (p *OllamaProvider) Model() string { return p.model }

// Generate runs a non-streaming JSON-mode generation.
func (p *OllamaProvider) Generate(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  p.model,
		Prompt: prompt,
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
		Options: map[string]interface{}{
			"temperature": 0.1,
			"top_p":       0.9,
			"num_predict": 200,
		},
	}

	var sb strings.Builder
	err := p.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", p.wrap(err)
	}
	return sb.String(), nil
}

// Ping lists local models, which fails fast when the server is down.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	if _, err := p.client.List(ctx); err != nil {
		return p.wrap(err)
	}
	return nil
}

func (p *OllamaProvider) wrap(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return &StatusError{Provider: p.Name(), StatusCode: se.StatusCode, Message: se.ErrorMessage}
	}
	return fmt.Errorf("ollama: %w", err)
}
