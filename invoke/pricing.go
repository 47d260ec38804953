package invoke

// ModelPricing contains per-token pricing information.
// Prices are in USD per million tokens.
type ModelPricing struct {
	PromptPrice     float64 // USD per 1M prompt tokens
	CompletionPrice float64 // USD per 1M completion tokens
}

// modelPricing contains hardcoded pricing for common models.
// TODO: pull pricing from the provider API periodically instead of hardcoding.
var modelPricing = map[string]ModelPricing{
	// OpenAI models via OpenRouter
	"openai/gpt-4o": {
		PromptPrice:     2.50,
		CompletionPrice: 10.00,
	},
	"openai/gpt-4o-mini": {
		PromptPrice:     0.15,
		CompletionPrice: 0.60,
	},
	"openai/gpt-4-turbo": {
		PromptPrice:     10.00,
		CompletionPrice: 30.00,
	},
	"openai/gpt-3.5-turbo": {
		PromptPrice:     0.50,
		CompletionPrice: 1.50,
	},

	// Anthropic models via OpenRouter
	"anthropic/claude-3.5-sonnet": {
		PromptPrice:     3.00,
		CompletionPrice: 15.00,
	},
	"anthropic/claude-3-haiku": {
		PromptPrice:     0.25,
		CompletionPrice: 1.25,
	},

	// Google models via OpenRouter
	"google/gemini-pro-1.5": {
		PromptPrice:     1.25,
		CompletionPrice: 5.00,
	},
	"google/gemini-flash-1.5": {
		PromptPrice:     0.075,
		CompletionPrice: 0.30,
	},

	// Meta models via OpenRouter
	"meta-llama/llama-3.1-70b-instruct": {
		PromptPrice:     0.52,
		CompletionPrice: 0.75,
	},
	"meta-llama/llama-3.1-8b-instruct": {
		PromptPrice:     0.055,
		CompletionPrice: 0.055,
	},
}

// PricingFor returns pricing for a model and whether it is known.
func PricingFor(model string) (ModelPricing, bool) {
	p, ok := modelPricing[model]
	return p, ok
}

// Cost derives the USD cost of a call from token usage. Unknown models cost 0
// so aggregation still works for self-hosted or unpriced models.
// No rounding here: costs accumulate at full precision and are rounded only at
// presentation time.
func Cost(model string, usage TokenUsage) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1_000_000*pricing.PromptPrice +
		float64(usage.CompletionTokens)/1_000_000*pricing.CompletionPrice
}
