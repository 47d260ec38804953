package invoke

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostDerivation(t *testing.T) {
	// gpt-4o-mini: $0.15/1M prompt, $0.60/1M completion
	usage := TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 500_000, TotalTokens: 1_500_000}
	cost := Cost("openai/gpt-4o-mini", usage)
	assert.InDelta(t, 0.15+0.30, cost, 1e-9)
}

func TestUnknownModelCostsZero(t *testing.T) {
	usage := TokenUsage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}
	assert.Zero(t, Cost("selfhosted/mystery-model", usage))

	_, known := PricingFor("selfhosted/mystery-model")
	assert.False(t, known)
}

func TestCostAccumulatesUnrounded(t *testing.T) {
	// Tiny usage produces sub-cent costs that must not collapse to zero.
	usage := TokenUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}
	cost := Cost("openai/gpt-4o", usage)
	assert.Greater(t, cost, 0.0)
	assert.Less(t, cost, 0.0001)
}
