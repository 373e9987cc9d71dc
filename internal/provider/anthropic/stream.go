package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/provider/sseutil"
)

// streamState tracks token counts across the event-stream protocol:
// input tokens arrive in message_start, output tokens in message_delta,
// and the turn ends at message_stop.
type streamState struct {
	inputTokens  int
	outputTokens int
}

// readStream reads Messages API SSE events and emits normalized StreamChunks.
// The channel is closed when done.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	var state streamState
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" || !gjson.Valid(data) {
			continue
		}

		chunk, terminal := state.handleEvent(currentEvent, data)
		currentEvent = ""
		if chunk == nil {
			continue
		}
		select {
		case ch <- *chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
		if terminal {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: read stream: %w", err)}
		return
	}
	// EOF before message_stop: the connection dropped mid-stream.
	ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: stream ended without message_stop: %w",
		gateway.ErrProviderError)}
}

// handleEvent processes one SSE event. It returns the chunk to emit (nil
// for events with nothing to forward) and whether the stream is complete.
func (s *streamState) handleEvent(event, data string) (*gateway.StreamChunk, bool) {
	switch event {
	case "message_start":
		s.inputTokens = int(gjson.Get(data, "message.usage.input_tokens").Int())
		return nil, false

	case "content_block_delta":
		r := gjson.Parse(data)
		// Thinking deltas are internal reasoning and are not forwarded.
		if r.Get("delta.type").String() != "text_delta" {
			return nil, false
		}
		text := r.Get("delta.text").String()
		if text == "" {
			return nil, false
		}
		return &gateway.StreamChunk{Text: text}, false

	case "message_delta":
		s.outputTokens = int(gjson.Get(data, "usage.output_tokens").Int())
		return nil, false

	case "message_stop":
		return &gateway.StreamChunk{
			Usage: &gateway.TokenUsage{
				InputTokens:  s.inputTokens,
				OutputTokens: s.outputTokens,
				TotalTokens:  s.inputTokens + s.outputTokens,
			},
			Done: true,
		}, true

	case "error":
		msg := gjson.Get(data, "error.message").String()
		if msg == "" {
			msg = "upstream stream error"
		}
		return &gateway.StreamChunk{
			Err: fmt.Errorf("anthropic: %s: %w", msg, gateway.ErrProviderError),
		}, true

	default:
		// ping, content_block_start, content_block_stop
		return nil, false
	}
}
