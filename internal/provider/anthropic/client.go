// Package anthropic implements the gateway.Provider adapter for the
// Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	anthropicVersion = "2023-06-01"

	// The API requires max_tokens on every request.
	defaultMaxTokens = 4096

	// Extended thinking reserves this many tokens for internal reasoning;
	// max_tokens must leave headroom above the budget for the visible answer.
	thinkingBudget   = 16384
	thinkingHeadroom = 4096
)

var _ gateway.Provider = (*Client)(nil)

// Client is an Anthropic provider adapter. Credentials arrive per request
// in gateway.ChatRequest; the client holds no key state of its own.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates an Anthropic Client.
// If baseURL is empty, it defaults to "https://api.anthropic.com/v1".
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

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []messagesMsg `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
	Thinking    *thinkingOpts `json:"thinking,omitempty"`
}

type messagesMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type thinkingOpts struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// translateRequest converts a normalized ChatRequest to the Messages API
// shape. System prompts move from the message list into the system field;
// the API rejects a "system" role in messages.
func translateRequest(req *gateway.ChatRequest) *messagesRequest {
	out := &messagesRequest{
		Model:       req.Model,
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
		Stream:      true,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var system strings.Builder
	for _, m := range req.Messages {
		if m.Role == gateway.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}
		out.Messages = append(out.Messages, messagesMsg{Role: m.Role, Content: m.Content})
	}
	out.System = system.String()

	if req.Options.ExtendedThinking {
		out.Thinking = &thinkingOpts{Type: "enabled", BudgetTokens: thinkingBudget}
		if out.MaxTokens < thinkingBudget+thinkingHeadroom {
			out.MaxTokens = thinkingBudget + thinkingHeadroom
		}
		// Thinking requests reject an explicit sampling temperature.
		out.Temperature = nil
	}
	return out
}

// Stream sends a streaming request to the Messages API and translates its
// event-stream protocol into the normalized chunk sequence.
func (c *Client) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(translateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("x-api-key", req.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

// ListModels returns the known model IDs. There is no key-free models
// endpoint, so the catalog is static.
func (c *Client) ListModels(_ context.Context) ([]string, error) {
	return []string{
		"claude-opus-4-1",
		"claude-sonnet-4-0",
		"claude-3-7-sonnet-latest",
		"claude-3-5-haiku-latest",
	}, nil
}
