// Package tokencount provides token estimation for prompt budgeting.
// Uses a character-based heuristic (~4 chars per token for English) which is
// sufficient for context-window pruning. Can be replaced with a real
// tokenizer for exact counts if needed.
package tokencount

import (
	gateway "github.com/eugener/elrond/internal"
)

// Counter estimates token counts for prompts and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimatePrompt estimates the total token count for a prompt.
// Accounts for per-message overhead (role, formatting).
func (c *Counter) EstimatePrompt(messages []gateway.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += messageOverhead
		total += estimateTokens(m.Role)
		total += estimateTokens(m.Content)
	}
	total += 3 // reply priming
	return max(total, 1)
}

// EstimateMessage estimates tokens for a single prompt entry including
// its per-message overhead.
func (c *Counter) EstimateMessage(m gateway.ChatMessage) int {
	return messageOverhead + estimateTokens(m.Role) + estimateTokens(m.Content)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead is the per-message token overhead for chat formats.
const messageOverhead = 4
