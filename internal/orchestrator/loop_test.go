package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"sdlcagent/internal/perception"
	"sdlcagent/internal/runlog"
	"sdlcagent/internal/tactile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		MaxRetries:    3,
		OutputDir:     t.TempDir(),
		Language:      "python",
		FileExtension: "py",
	}
}

func TestRunFirstAttemptSuccess(t *testing.T) {
	client := &mockClient{}
	executor := &mockExecutor{}
	recorder := &runlog.MemoryRecorder{}
	cfg := testConfig(t)

	loop := NewLoop(client, executor, recorder, cfg)
	outcome, err := loop.Run(context.Background(), "add two numbers")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if outcome.Status != StatusSuccess {
		t.Errorf("expected success, got %s", outcome.Status)
	}
	if outcome.Attempts != 0 {
		t.Errorf("first-attempt success must report 0 repair attempts, got %d", outcome.Attempts)
	}
	if executor.RunCount() != 1 {
		t.Errorf("expected 1 test run, got %d", executor.RunCount())
	}
	// One call for code, one for tests.
	if client.CallCount() != 2 {
		t.Errorf("expected 2 backend calls, got %d", client.CallCount())
	}

	for _, path := range []string{outcome.CodePath, outcome.TestPath} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact not persisted at %s: %v", path, err)
		}
	}
	if filepath.Base(outcome.CodePath) != "add_two_numbers.py" {
		t.Errorf("unexpected code path: %s", outcome.CodePath)
	}
	if filepath.Base(outcome.TestPath) != "test_add_two_numbers.py" {
		t.Errorf("unexpected test path: %s", outcome.TestPath)
	}
}

func TestRunRepairsAfterFailure(t *testing.T) {
	client := &mockClient{
		CompleteWithSystemFunc: func(call int, systemPrompt, userPrompt string) (string, error) {
			switch call {
			case 0:
				return "def add(a, b):\n    return a - b", nil
			case 1:
				return "def test_add():\n    assert add(1, 2) == 3", nil
			case 2:
				return "def add(a, b):\n    return a + b", nil
			default:
				return "def test_add():\n    assert add(1, 2) == 3", nil
			}
		},
	}
	executor := &mockExecutor{
		RunFunc: func(run int, testPath string) (*tactile.TestRunResult, error) {
			if run == 0 {
				return failingResult("AssertionError"), nil
			}
			return &tactile.TestRunResult{Passed: true}, nil
		},
	}
	recorder := &runlog.MemoryRecorder{}

	loop := NewLoop(client, executor, recorder, testConfig(t))
	outcome, err := loop.Run(context.Background(), "add two numbers")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if outcome.Status != StatusSuccess {
		t.Fatalf("expected success after repair, got %s", outcome.Status)
	}
	if outcome.Attempts != 1 {
		t.Errorf("expected 1 repair attempt, got %d", outcome.Attempts)
	}
	if executor.RunCount() != 2 {
		t.Errorf("expected 2 test runs, got %d", executor.RunCount())
	}

	// The repair prompt must carry the failing code from the attempt just
	// before it, not anything older.
	prompts := client.Prompts()
	if len(prompts) != 4 {
		t.Fatalf("expected 4 prompts, got %d", len(prompts))
	}
	if !strings.Contains(prompts[2], "return a - b") {
		t.Error("repair prompt missing the failing code")
	}
	if !strings.Contains(prompts[2], "1 failed") {
		t.Error("repair prompt missing the test output")
	}

	// The repaired code must be what ends up on disk.
	data, err := os.ReadFile(outcome.CodePath)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if !strings.Contains(string(data), "return a + b") {
		t.Errorf("persisted code is not the repaired version: %q", data)
	}
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	client := &mockClient{}
	executor := &mockExecutor{
		RunFunc: func(run int, testPath string) (*tactile.TestRunResult, error) {
			return failingResult("AssertionError"), nil
		},
	}
	recorder := &runlog.MemoryRecorder{}
	cfg := testConfig(t)
	cfg.MaxRetries = 2

	loop := NewLoop(client, executor, recorder, cfg)
	outcome, err := loop.Run(context.Background(), "impossible requirement")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if outcome.Status != StatusExhausted {
		t.Errorf("expected exhausted, got %s", outcome.Status)
	}
	if outcome.Attempts != 2 {
		t.Errorf("expected attempts == budget, got %d", outcome.Attempts)
	}
	// Initial run plus one per repair attempt.
	if executor.RunCount() != 3 {
		t.Errorf("expected 3 test runs, got %d", executor.RunCount())
	}
	if outcome.Result == nil || outcome.Result.Passed {
		t.Error("exhausted outcome must carry the last failing result")
	}

	// Last attempt's artifacts stay on disk for inspection.
	if _, err := os.Stat(outcome.CodePath); err != nil {
		t.Errorf("failing artifact must remain persisted: %v", err)
	}
}

func TestRunSingleRetryBudget(t *testing.T) {
	executor := &mockExecutor{
		RunFunc: func(run int, testPath string) (*tactile.TestRunResult, error) {
			return failingResult("still wrong"), nil
		},
	}
	cfg := testConfig(t)
	cfg.MaxRetries = 1

	loop := NewLoop(&mockClient{}, executor, &runlog.MemoryRecorder{}, cfg)
	outcome, err := loop.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if outcome.Status != StatusExhausted {
		t.Errorf("expected exhausted, got %s", outcome.Status)
	}
	if executor.RunCount() != 2 {
		t.Errorf("budget of 1 means exactly 2 test runs, got %d", executor.RunCount())
	}
}

func TestRunZeroRetryBudget(t *testing.T) {
	executor := &mockExecutor{
		RunFunc: func(run int, testPath string) (*tactile.TestRunResult, error) {
			return failingResult("wrong"), nil
		},
	}
	cfg := testConfig(t)
	cfg.MaxRetries = 0

	loop := NewLoop(&mockClient{}, executor, &runlog.MemoryRecorder{}, cfg)
	outcome, err := loop.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if outcome.Status != StatusExhausted {
		t.Errorf("expected exhausted, got %s", outcome.Status)
	}
	if executor.RunCount() != 1 {
		t.Errorf("budget of 0 means a single test run, got %d", executor.RunCount())
	}
}

func TestRunQuotaBackoffDoesNotConsumeAttempts(t *testing.T) {
	const retryDelay = 20 * time.Millisecond

	var quotaRaised bool
	client := &mockClient{}
	client.CompleteWithSystemFunc = func(call int, systemPrompt, userPrompt string) (string, error) {
		if call == 0 {
			quotaRaised = true
			return "", &perception.QuotaError{RetryAfter: retryDelay, Message: "slow down"}
		}
		return "x = 1", nil
	}
	recorder := &runlog.MemoryRecorder{}

	loop := NewLoop(client, &mockExecutor{}, recorder, testConfig(t))
	start := time.Now()
	outcome, err := loop.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !quotaRaised {
		t.Fatal("test did not exercise the quota path")
	}
	if outcome.Status != StatusSuccess {
		t.Fatalf("expected success after backoff, got %s", outcome.Status)
	}
	if outcome.Attempts != 0 {
		t.Errorf("quota backoff must not consume repair attempts, got %d", outcome.Attempts)
	}
	if elapsed := time.Since(start); elapsed < retryDelay {
		t.Errorf("run finished in %s, must wait at least %s", elapsed, retryDelay)
	}

	var sawBackoff bool
	for _, entry := range recorder.Entries() {
		if entry.Stage == runlog.StageBackoff {
			sawBackoff = true
		}
	}
	if !sawBackoff {
		t.Error("backoff must be recorded in the run log")
	}
}

func TestRunFallsBackWhenModelUnavailable(t *testing.T) {
	client := &mockClient{model: "primary-model"}
	client.CompleteWithSystemFunc = func(call int, systemPrompt, userPrompt string) (string, error) {
		if client.GetModel() == "primary-model" {
			return "", &perception.ModelUnavailableError{Model: "primary-model", Message: "not found"}
		}
		return "x = 1", nil
	}
	recorder := &runlog.MemoryRecorder{}
	cfg := testConfig(t)
	cfg.FallbackModel = "fallback-model"

	loop := NewLoop(client, &mockExecutor{}, recorder, cfg)
	outcome, err := loop.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if outcome.Status != StatusSuccess {
		t.Fatalf("expected success on the fallback model, got %s: %s", outcome.Status, outcome.Summary)
	}
	if client.GetModel() != "fallback-model" {
		t.Errorf("model not switched: %q", client.GetModel())
	}

	var sawFallback bool
	for _, entry := range recorder.Entries() {
		if entry.Stage == runlog.StageModelFallback {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Error("fallback must be recorded in the run log")
	}
}

func TestRunModelUnavailableWithoutFallbackIsFatal(t *testing.T) {
	client := &mockClient{}
	client.CompleteWithSystemFunc = func(call int, systemPrompt, userPrompt string) (string, error) {
		return "", &perception.ModelUnavailableError{Model: "gone", Message: "not found"}
	}

	loop := NewLoop(client, &mockExecutor{}, &runlog.MemoryRecorder{}, testConfig(t))
	outcome, err := loop.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if outcome.Status != StatusFatal {
		t.Errorf("expected fatal, got %s", outcome.Status)
	}
	if outcome.Err == nil {
		t.Error("fatal outcome must carry the cause")
	}
}

func TestRunTimeoutResultEntersRepair(t *testing.T) {
	executor := &mockExecutor{
		RunFunc: func(run int, testPath string) (*tactile.TestRunResult, error) {
			if run == 0 {
				return &tactile.TestRunResult{
					Passed:         false,
					FailureSummary: tactile.FailureSummaryTimeout,
				}, nil
			}
			return &tactile.TestRunResult{Passed: true}, nil
		},
	}

	loop := NewLoop(&mockClient{}, executor, &runlog.MemoryRecorder{}, testConfig(t))
	outcome, err := loop.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if outcome.Status != StatusSuccess {
		t.Errorf("a timed-out test run must feed the repair cycle, got %s", outcome.Status)
	}
	if outcome.Attempts != 1 {
		t.Errorf("timeout must consume one repair attempt, got %d", outcome.Attempts)
	}
}

func TestRunWriteFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("file, not dir"), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	cfg := testConfig(t)
	cfg.OutputDir = filepath.Join(blocked, "sub")

	loop := NewLoop(&mockClient{}, &mockExecutor{}, &runlog.MemoryRecorder{}, cfg)
	outcome, err := loop.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if outcome.Status != StatusFatal {
		t.Errorf("expected fatal on write failure, got %s", outcome.Status)
	}
	if outcome.Err == nil {
		t.Error("fatal outcome must carry the write error")
	}
}

func TestRunEmptyRequirement(t *testing.T) {
	loop := NewLoop(&mockClient{}, &mockExecutor{}, &runlog.MemoryRecorder{}, testConfig(t))
	if _, err := loop.Run(context.Background(), ""); err == nil {
		t.Fatal("empty requirement must be rejected")
	}
}

func TestRunRecordsLifecycle(t *testing.T) {
	recorder := &runlog.MemoryRecorder{}
	loop := NewLoop(&mockClient{}, &mockExecutor{}, recorder, testConfig(t))

	outcome, err := loop.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries := recorder.Entries()
	if len(entries) < 2 {
		t.Fatalf("expected lifecycle entries, got %d", len(entries))
	}
	if entries[0].Stage != runlog.StageRunStart {
		t.Errorf("first entry must be run_start, got %s", entries[0].Stage)
	}
	last := entries[len(entries)-1]
	if last.Stage != runlog.StageRunEnd {
		t.Errorf("last entry must be run_end, got %s", last.Stage)
	}
	if last.Payload["run_id"] != outcome.RunID {
		t.Error("run_end must carry the run ID")
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &mockClient{}
	client.CompleteWithSystemFunc = func(call int, systemPrompt, userPrompt string) (string, error) {
		return "", ctx.Err()
	}

	loop := NewLoop(client, &mockExecutor{}, &runlog.MemoryRecorder{}, testConfig(t))
	outcome, err := loop.Run(ctx, "anything")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if outcome.Status != StatusFatal {
		t.Errorf("cancelled run must end fatal, got %s", outcome.Status)
	}
}

func TestStateHistoryEndsAtDone(t *testing.T) {
	loop := NewLoop(&mockClient{}, &mockExecutor{}, &runlog.MemoryRecorder{}, testConfig(t))
	if _, err := loop.Run(context.Background(), "anything"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	history := loop.GetHistory()
	if len(history) == 0 {
		t.Fatal("expected recorded transitions")
	}
	if history[0].ToState != StateGeneratingCode {
		t.Errorf("first transition must enter generating_code, got %s", history[0].ToState)
	}
	if history[len(history)-1].ToState != StateDone {
		t.Errorf("last transition must enter done, got %s", history[len(history)-1].ToState)
	}
	if loop.GetState() != StateDone {
		t.Errorf("loop must settle in done, got %s", loop.GetState())
	}
}
