// Package openai implements the gateway.Provider adapter for the OpenAI API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/provider"
	"github.com/eugener/elrond/internal/provider/sseutil"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

var _ gateway.Provider = (*Client)(nil)

// Client is an OpenAI provider adapter. Credentials arrive per request in
// gateway.ChatRequest; the client holds no key state of its own.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates an OpenAI Client.
// If baseURL is empty, it defaults to "https://api.openai.com/v1".
func New(baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string                `json:"model"`
	Messages      []gateway.ChatMessage `json:"messages"`
	Stream        bool                  `json:"stream"`
	StreamOptions streamOptions         `json:"stream_options"`

	// Exactly one of MaxTokens / MaxCompletionTokens is set, depending on
	// the model family.
	MaxTokens           int      `json:"max_tokens,omitempty"`
	MaxCompletionTokens int      `json:"max_completion_tokens,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// isReasoningModel reports whether the model rejects the legacy max_tokens
// parameter and fixed sampling temperature.
func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Stream sends a streaming chat completion request.
// Reasoning models take the token cap as max_completion_tokens and do not
// accept a temperature; other models use max_tokens as usual.
func (c *Client) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	out := chatRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
	}
	if isReasoningModel(req.Model) {
		out.MaxCompletionTokens = req.Options.MaxTokens
	} else {
		out.MaxTokens = req.Options.MaxTokens
		out.Temperature = req.Options.Temperature
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadChatStream(ctx, providerName, resp, ch)
	return ch, nil
}

// ListModels returns the chat model IDs this adapter serves. The catalog is
// static; GET /models needs a caller credential, which the gateway resolves
// per turn rather than per adapter.
func (c *Client) ListModels(_ context.Context) ([]string, error) {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"gpt-4.1-mini",
		"gpt-5",
		"o1",
		"o3-mini",
	}, nil
}
