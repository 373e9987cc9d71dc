// Package mistral implements the gateway.Provider adapter for the Mistral
// AI platform, which speaks the OpenAI-compatible chat completions format.
package mistral

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
	defaultBaseURL = "https://api.mistral.ai/v1"
	providerName   = "mistral"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a Mistral provider adapter. Credentials arrive per request in
// gateway.ChatRequest; the client holds no key state of its own.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Mistral Client.
// If baseURL is empty, it defaults to "https://api.mistral.ai/v1".
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

// chatRequest is the Mistral chat completions request body.
type chatRequest struct {
	Model       string                `json:"model"`
	Messages    []gateway.ChatMessage `json:"messages"`
	Stream      bool                  `json:"stream"`
	MaxTokens   int                   `json:"max_tokens,omitempty"`
	Temperature *float64              `json:"temperature,omitempty"`
}

// Stream sends a streaming chat completion request. Malformed SSE frames
// from the platform are skipped rather than failing the turn.
func (c *Client) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	out := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      true,
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("mistral: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mistral: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mistral: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadChatStream(ctx, providerName, resp, ch)
	return ch, nil
}

// ListModels returns the chat model IDs this adapter serves.
func (c *Client) ListModels(_ context.Context) ([]string, error) {
	return []string{
		"mistral-large-latest",
		"mistral-medium-latest",
		"mistral-small-latest",
		"codestral-latest",
		"open-mistral-nemo",
	}, nil
}
