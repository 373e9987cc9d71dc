package app

import (
	"strings"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/tokencount"
)

// contextBudget returns the prompt token budget for a model. Unknown models
// get a conservative default.
func contextBudget(model string) int {
	switch {
	case strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "claude"):
		return 200_000
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "mistral-large"),
		strings.HasPrefix(model, "mistral-medium"),
		strings.HasPrefix(model, "codestral"):
		return 128_000
	case strings.HasPrefix(model, "mistral-small"),
		strings.HasPrefix(model, "open-mistral"):
		return 32_000
	default:
		return 32_000
	}
}

// assemblePrompt converts the session log into provider messages, pruning
// oldest non-system messages until the estimate fits the budget. System
// messages are never pruned.
func assemblePrompt(counter *tokencount.Counter, history []*gateway.Message, budget int) []gateway.ChatMessage {
	prompt := make([]gateway.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Content == "" {
			// Empty partials from failed turns carry no signal.
			continue
		}
		prompt = append(prompt, gateway.ChatMessage{Role: m.Role, Content: m.Content})
	}

	total := counter.EstimatePrompt(prompt)
	for total > budget {
		pruned := false
		for i, m := range prompt {
			if m.Role == gateway.RoleSystem {
				continue
			}
			total -= counter.EstimateMessage(m)
			prompt = append(prompt[:i], prompt[i+1:]...)
			pruned = true
			break
		}
		if !pruned {
			// Only system messages remain; nothing further can go.
			break
		}
	}
	return prompt
}
