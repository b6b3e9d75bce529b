package llm

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MockProvider is a deterministic in-memory provider for tests and dry runs.
type MockProvider struct {
	NameValue string
	Response  string
	Err       error
	calls     atomic.Int64
}

// NewMockProvider returns a provider that always answers with response.
func NewMockProvider(name, response string) *MockProvider {
	return &MockProvider{NameValue: name, Response: response}
}

func (m *MockProvider) Name() string      { return m.NameValue }
func (m *MockProvider) ModelName() string { return "mock-model" }

// Calls returns how many completions were requested.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

func (m *MockProvider) Complete(ctx context.Context, prompt string, maxTokens int) (*Completion, error) {
	n := m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &Completion{
		Text:      m.Response,
		RequestID: fmt.Sprintf("%s-req-%d", m.NameValue, n),
		Usage:     TokenUsage{InputTokens: int64(len(prompt) / 4), OutputTokens: int64(len(m.Response) / 4)},
	}, nil
}

func (m *MockProvider) HealthCheck(ctx context.Context) error { return m.Err }
