package sseutil

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/elrond/internal"
)

// ReadChatStream reads OpenAI-format SSE chat completion frames from resp
// and sends the extracted text deltas as StreamChunks on ch. It handles the
// "[DONE]" sentinel, extracts usage from the final frame, and silently skips
// frames that are not valid JSON so one corrupt frame cannot kill the turn.
// Shared by adapters that speak the OpenAI wire format. The channel is
// closed when done.
func ReadChatStream(ctx context.Context, providerName string, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		_, data, ok := ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			ch <- gateway.StreamChunk{Done: true}
			return
		}
		if !gjson.Valid(data) {
			continue
		}

		frame := gjson.Parse(data)
		chunk := gateway.StreamChunk{
			Text: frame.Get("choices.0.delta.content").String(),
		}
		if u := frame.Get("usage"); u.IsObject() {
			chunk.Usage = &gateway.TokenUsage{
				InputTokens:  int(u.Get("prompt_tokens").Int()),
				OutputTokens: int(u.Get("completion_tokens").Int()),
				TotalTokens:  int(u.Get("total_tokens").Int()),
			}
		}
		if chunk.Text == "" && chunk.Usage == nil {
			// Role preamble, tool noise, or an empty delta.
			continue
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", providerName, err)}
		return
	}
	// Connection dropped mid-stream without the terminal sentinel.
	ch <- gateway.StreamChunk{Err: fmt.Errorf("%s: stream ended without done sentinel: %w",
		providerName, gateway.ErrProviderError)}
}
