package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/promptarena/promptarena/errors"
)

const openRouterDefaultBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterInvoker executes model calls against the OpenRouter chat
// completions API. It makes exactly one attempt per Invoke call; retry policy
// belongs to the dispatch engine, not the provider client.
type OpenRouterInvoker struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// OpenRouterConfig holds invoker construction parameters.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string        // empty = api.openrouter.ai default
	Timeout time.Duration // transport-level ceiling; per-job deadlines come via context
	Logger  *zap.SugaredLogger
}

// NewOpenRouterInvoker creates an OpenRouter-backed invoker.
func NewOpenRouterInvoker(cfg OpenRouterConfig) *OpenRouterInvoker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openRouterDefaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &OpenRouterInvoker{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Name implements Invoker.
func (c *OpenRouterInvoker) Name() string { return "openrouter" }

// chatMessage is a message in a chat completion request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest is the wire request to /chat/completions.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// chatCompletionResponse is the wire response from /chat/completions.
type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

// Invoke implements Invoker. The prompt becomes the system message and the
// test input the user message, matching how run specs are authored.
func (c *OpenRouterInvoker) Invoke(ctx context.Context, cfg ModelConfig, prompt string, input TestInput) (*Invocation, error) {
	if c.apiKey == "" {
		return nil, Fatalf(ErrorCodeAuth, nil, "OpenRouter API key not configured")
	}
	if cfg.Model == "" {
		return nil, Fatalf(ErrorCodeBadConfig, nil, "model name is empty")
	}

	temperature := 0.2
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	maxTokens := 1000
	if cfg.MaxTokens != nil {
		maxTokens = *cfg.MaxTokens
	}

	messages := []chatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: input.Content},
	}

	reqBody, err := json.Marshal(chatCompletionRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, Fatalf(ErrorCodeBadConfig, err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, Fatalf(ErrorCodeBadConfig, err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", "promptarena")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, Retryablef(ErrorCodeTimeout, err, "invocation timed out")
		}
		return nil, Retryablef(ErrorCodeNetwork, err, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Retryablef(ErrorCodeNetwork, err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, respBody)
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, Retryablef(ErrorCodeBadResponse, err, "failed to unmarshal response")
	}
	if len(chatResp.Choices) == 0 {
		return nil, Retryablef(ErrorCodeBadResponse, nil, "response contained no choices")
	}

	latency := time.Since(start)
	output := chatResp.Choices[0].Message.Content

	c.logger.Debugw("Model invocation complete",
		"model", cfg.Model,
		"latency_ms", latency.Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
	)

	return &Invocation{
		Output:    output,
		Usage:     chatResp.Usage,
		LatencyMS: latency.Milliseconds(),
		CostUSD:   Cost(cfg.Model, chatResp.Usage),
	}, nil
}

// statusError maps an HTTP status to a typed invocation error.
// 429 and 5xx are transient; auth and config failures can never succeed.
func (c *OpenRouterInvoker) statusError(status int, body []byte) *InvocationError {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}

	switch {
	case status == http.StatusTooManyRequests:
		return Retryablef(ErrorCodeRateLimited, nil, "provider rate limit (status %d): %s", status, msg)
	case status >= 500:
		return Retryablef(ErrorCodeProvider, nil, "provider error (status %d): %s", status, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Fatalf(ErrorCodeAuth, nil, "authentication failed (status %d): %s", status, msg)
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		return Fatalf(ErrorCodeBadConfig, nil, "invalid model request (status %d): %s", status, msg)
	default:
		return Retryablef(ErrorCodeUnknown, nil, "unexpected status %d: %s", status, msg)
	}
}
