package memory

import (
	"strings"

	"github.com/dohr-michael/tether/internal/agents"
)

// EstimateTokens returns a word-based token estimate: words × 1.33, with
// len/4 as a floor for code and non-English text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// AgentTokens returns the agent's own estimated_tokens hint when set, and
// an estimate over its brief otherwise.
func AgentTokens(a *agents.Agent) int {
	if a.EstimatedTokens > 0 {
		return a.EstimatedTokens
	}
	return EstimateTokens(a.Brief())
}
