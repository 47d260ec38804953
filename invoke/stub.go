package invoke

import (
	"context"
	"sync"
	"time"
)

// StubResponse scripts one model's behavior in a StubInvoker.
type StubResponse struct {
	Output    string
	Usage     TokenUsage
	LatencyMS int64
	Err       error         // returned instead of an Invocation when set
	Delay     time.Duration // wall-clock delay before responding
}

// StubInvoker is a scriptable in-memory invoker used by tests and local dry
// runs. Responses are keyed by model name; unknown models get a canned reply.
// Safe for concurrent use.
type StubInvoker struct {
	mu        sync.Mutex
	responses map[string]StubResponse
	calls     map[string]int
	inFlight  int
	peak      int // highest concurrent in-flight count observed
}

// NewStubInvoker creates an empty stub invoker.
func NewStubInvoker() *StubInvoker {
	return &StubInvoker{
		responses: make(map[string]StubResponse),
		calls:     make(map[string]int),
	}
}

// Name implements Invoker.
func (s *StubInvoker) Name() string { return "stub" }

// Script sets the response for a model.
func (s *StubInvoker) Script(model string, resp StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[model] = resp
}

// Calls returns how many times a model was invoked.
func (s *StubInvoker) Calls(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[model]
}

// PeakInFlight returns the highest concurrent invocation count observed.
func (s *StubInvoker) PeakInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Invoke implements Invoker.
func (s *StubInvoker) Invoke(ctx context.Context, cfg ModelConfig, prompt string, input TestInput) (*Invocation, error) {
	s.mu.Lock()
	s.calls[cfg.Model]++
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	resp, ok := s.responses[cfg.Model]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if !ok {
		resp = StubResponse{
			Output:    "stub output for " + input.ID,
			Usage:     TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			LatencyMS: 1,
		}
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, Retryablef(ErrorCodeTimeout, ctx.Err(), "invocation timed out")
		}
	}

	if resp.Err != nil {
		return nil, resp.Err
	}

	return &Invocation{
		Output:    resp.Output,
		Usage:     resp.Usage,
		LatencyMS: resp.LatencyMS,
		CostUSD:   Cost(cfg.Model, resp.Usage),
	}, nil
}
