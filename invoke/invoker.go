// Package invoke abstracts model invocation: given a model configuration and a
// test input, produce an output with token usage, latency, and derived cost.
// One implementation per provider; the dispatch engine only sees the interface.
package invoke

import (
	"context"
)

// ModelConfig identifies a model and its sampling parameters for one run.
type ModelConfig struct {
	Provider    string   `json:"provider"` // "openrouter", "stub", ...
	Model       string   `json:"model"`    // provider-scoped model name, e.g. "openai/gpt-4o-mini"
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Key returns the model identity used to group results: provider/model.
func (m ModelConfig) Key() string {
	return m.Provider + "/" + m.Model
}

// TestInput is one prompt variant to evaluate against every model in a run.
type TestInput struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// TokenUsage mirrors the provider-reported token counts.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Invocation is the successful outcome of one model call.
type Invocation struct {
	Output       string     `json:"output"`
	ParsedOutput string     `json:"parsed_output,omitempty"` // structured extraction, when an evaluator produced one
	Usage        TokenUsage `json:"usage"`
	LatencyMS    int64      `json:"latency_ms"`
	CostUSD      float64    `json:"cost_usd"`
}

// Invoker executes a single model call. Implementations must respect the
// context deadline; the dispatch engine derives it from the run's job timeout.
// Failures should be *InvocationError so retryability is preserved; any other
// error is classified by message as a fallback.
type Invoker interface {
	// Invoke runs prompt+input against the configured model.
	Invoke(ctx context.Context, cfg ModelConfig, prompt string, input TestInput) (*Invocation, error)

	// Name returns the provider name this invoker serves.
	Name() string
}

// Registry routes invocations to the Invoker registered for a provider.
// The zero value is not usable; create with NewRegistry.
type Registry struct {
	invokers map[string]Invoker
}

// NewRegistry creates an empty invoker registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register adds an invoker under its provider name.
// Registration happens at startup before dispatch begins; not safe for
// concurrent mutation afterwards.
func (r *Registry) Register(inv Invoker) {
	r.invokers[inv.Name()] = inv
}

// Get returns the invoker for a provider, or nil if none is registered.
func (r *Registry) Get(provider string) Invoker {
	return r.invokers[provider]
}
