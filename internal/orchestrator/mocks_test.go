package orchestrator

import (
	"context"
	"sync"

	"sdlcagent/internal/tactile"
)

// mockClient implements perception.LLMClient and ModelSwitcher.
type mockClient struct {
	mu                     sync.Mutex
	CompleteWithSystemFunc func(call int, systemPrompt, userPrompt string) (string, error)
	model                  string
	calls                  int
	prompts                []string
}

func (m *mockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *mockClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.mu.Lock()
	call := m.calls
	m.calls++
	m.prompts = append(m.prompts, userPrompt)
	fn := m.CompleteWithSystemFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(call, systemPrompt, userPrompt)
	}
	return "x = 1", nil
}

func (m *mockClient) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
}

func (m *mockClient) GetModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

func (m *mockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.prompts...)
}

// mockExecutor implements TestExecutor.
type mockExecutor struct {
	mu      sync.Mutex
	RunFunc func(run int, testPath string) (*tactile.TestRunResult, error)
	runs    int
	paths   []string
}

func (m *mockExecutor) Run(ctx context.Context, testPath string) (*tactile.TestRunResult, error) {
	m.mu.Lock()
	run := m.runs
	m.runs++
	m.paths = append(m.paths, testPath)
	fn := m.RunFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(run, testPath)
	}
	return &tactile.TestRunResult{Passed: true, ExitCode: 0}, nil
}

func (m *mockExecutor) RunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

func failingResult(summary string) *tactile.TestRunResult {
	return &tactile.TestRunResult{
		Passed:         false,
		ExitCode:       1,
		Stdout:         "1 failed",
		FailureSummary: summary,
	}
}
