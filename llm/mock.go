package llm

import (
	"context"
	"sync"
)

// MockLLM is a mock implementation of the LLM interface.
// Responses are returned in order; once exhausted, Response is returned.
type MockLLM struct {
	// Response is the default text response.
	Response string
	// Responses are consumed one per call before falling back to Response.
	Responses []string
	// Err is the error to return (if any).
	Err error
	// ResponseFunc, when set, computes the response from the prompt.
	ResponseFunc func(prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

// NewMockLLM creates a new MockLLM with a simple response.
func NewMockLLM(response string) *MockLLM {
	return &MockLLM{Response: response}
}

// NewMockLLMWithError creates a new MockLLM that returns an error.
func NewMockLLMWithError(err error) *MockLLM {
	return &MockLLM{Err: err}
}

func (m *MockLLM) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts = append(m.prompts, prompt)
	if m.Err != nil {
		return "", m.Err
	}
	if m.ResponseFunc != nil {
		return m.ResponseFunc(prompt)
	}
	if len(m.Responses) > 0 {
		next := m.Responses[0]
		m.Responses = m.Responses[1:]
		return next, nil
	}
	return m.Response, nil
}

// Metadata returns the mock model metadata.
func (m *MockLLM) Metadata() LLMMetadata {
	return DefaultLLMMetadata("mock-model")
}

// Prompts returns every prompt received, in call order.
func (m *MockLLM) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Calls returns the number of Complete calls.
func (m *MockLLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

var _ LLMWithMetadata = (*MockLLM)(nil)
