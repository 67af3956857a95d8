// Package orchestrator drives the generate / persist / test / repair cycle
// as an explicit state machine with a bounded retry budget.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sdlcagent/internal/generation"
	"sdlcagent/internal/perception"
	"sdlcagent/internal/runlog"
	"sdlcagent/internal/tactile"
)

// RunState represents the current phase of a run.
type RunState string

const (
	StateInit            RunState = "init"
	StateGeneratingCode  RunState = "generating_code"
	StateGeneratingTests RunState = "generating_tests"
	StatePersisting      RunState = "persisting"
	StateExecuting       RunState = "executing"
	StateEvaluating      RunState = "evaluating"
	StateRetrying        RunState = "retrying"
	StateDone            RunState = "done"
)

// RunStatus classifies how a finished run ended.
type RunStatus string

const (
	StatusSuccess   RunStatus = "success"
	StatusExhausted RunStatus = "exhausted"
	StatusFatal     RunStatus = "fatal"
)

// StateTransition records one state change for post-run inspection.
type StateTransition struct {
	FromState RunState
	ToState   RunState
	Timestamp time.Time
	Metadata  map[string]any
}

// RunOutcome is the final report of a single requirement run.
type RunOutcome struct {
	RunID       string
	Requirement string
	Status      RunStatus
	Attempts    int
	CodePath    string
	TestPath    string
	Result      *tactile.TestRunResult
	Summary     string
	Err         error
	Duration    time.Duration
}

// Succeeded reports whether the generated code passed its tests.
func (o *RunOutcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Config holds orchestrator settings.
type Config struct {
	MaxRetries    int
	OutputDir     string
	Language      string
	FileExtension string
	FallbackModel string
	RunDeadline   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		OutputDir:     "generated",
		Language:      "python",
		FileExtension: "py",
		RunDeadline:   30 * time.Minute,
	}
}

// ModelSwitcher is implemented by clients whose target model can be changed
// mid-run, used for the one-time fallback when a model is unavailable.
type ModelSwitcher interface {
	SetModel(model string)
	GetModel() string
}

// TestExecutor runs a persisted test file and reports the result.
type TestExecutor interface {
	Run(ctx context.Context, testPath string) (*tactile.TestRunResult, error)
}

// Loop executes requirement runs end to end.
type Loop struct {
	mu sync.RWMutex

	state    RunState
	attempts int

	config    Config
	client    perception.LLMClient
	generator *generation.Generator
	executor  TestExecutor
	recorder  runlog.Recorder

	fellBack bool
	history  []StateTransition
}

// NewLoop creates a loop with custom configuration.
func NewLoop(client perception.LLMClient, executor TestExecutor, recorder runlog.Recorder, config Config) *Loop {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.FileExtension == "" {
		config.FileExtension = "py"
	}
	gen := generation.NewGenerator(client, config.Language)
	gen.SetRecorder(recorder)
	return &Loop{
		state:     StateInit,
		config:    config,
		client:    client,
		generator: gen,
		executor:  executor,
		recorder:  recorder,
		history:   make([]StateTransition, 0),
	}
}

// GetState returns the current state.
func (l *Loop) GetState() RunState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// GetAttempts returns how many repair attempts have been consumed.
func (l *Loop) GetAttempts() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.attempts
}

// GetHistory returns the state transition history.
func (l *Loop) GetHistory() []StateTransition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]StateTransition{}, l.history...)
}

func (l *Loop) transition(newState RunState, meta map[string]any) {
	l.mu.Lock()
	from := l.state
	l.history = append(l.history, StateTransition{
		FromState: from,
		ToState:   newState,
		Timestamp: time.Now(),
		Metadata:  meta,
	})
	l.state = newState
	l.mu.Unlock()

	payload := map[string]any{
		"from": string(from),
		"to":   string(newState),
	}
	for k, v := range meta {
		payload[k] = v
	}
	l.recorder.Record(runlog.StageTransition, payload)
}

// Run takes a requirement from natural language to a tested artifact pair.
// It never returns an error for failing tests; those are reflected in the
// outcome status. A non-nil error means the run could not proceed at all.
func (l *Loop) Run(ctx context.Context, requirement string) (*RunOutcome, error) {
	if requirement == "" {
		return nil, fmt.Errorf("requirement must not be empty")
	}

	if l.config.RunDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.RunDeadline)
		defer cancel()
	}

	runID := uuid.New().String()
	start := time.Now()

	l.mu.Lock()
	l.state = StateInit
	l.attempts = 0
	l.fellBack = false
	l.history = l.history[:0]
	l.mu.Unlock()

	l.recorder.Record(runlog.StageRunStart, map[string]any{
		"run_id":      runID,
		"requirement": requirement,
		"max_retries": l.config.MaxRetries,
	})

	outcome := &RunOutcome{
		RunID:       runID,
		Requirement: requirement,
	}

	writer := generation.NewWriter(l.config.OutputDir, requirement, l.config.FileExtension)
	outcome.CodePath = writer.CodePath()
	outcome.TestPath = writer.TestPath()

	var lastCode, lastTests string
	var lastResult *tactile.TestRunResult

	for {
		code, tests, err := l.generate(ctx, requirement, lastCode, lastTests, lastResult)
		if err != nil {
			return l.finish(outcome, StatusFatal, lastResult, err, start), nil
		}
		lastCode, lastTests = code, tests

		if err := l.persist(writer, code, tests); err != nil {
			return l.finish(outcome, StatusFatal, lastResult, err, start), nil
		}

		result, err := l.execute(ctx, writer.TestPath())
		if err != nil {
			return l.finish(outcome, StatusFatal, lastResult, err, start), nil
		}
		lastResult = result

		l.transition(StateEvaluating, map[string]any{
			"passed":    result.Passed,
			"exit_code": result.ExitCode,
		})

		if result.Passed {
			return l.finish(outcome, StatusSuccess, result, nil, start), nil
		}

		l.mu.RLock()
		exhausted := l.attempts >= l.config.MaxRetries
		l.mu.RUnlock()
		if exhausted {
			return l.finish(outcome, StatusExhausted, result, nil, start), nil
		}

		l.mu.Lock()
		l.attempts++
		attempt := l.attempts
		l.mu.Unlock()
		l.transition(StateRetrying, map[string]any{
			"attempt": attempt,
			"summary": result.FailureSummary,
		})
	}
}

// generate produces code and tests, applying quota backoff and a one-time
// model fallback. Quota waits do not consume repair attempts.
func (l *Loop) generate(ctx context.Context, requirement, lastCode, lastTests string, lastResult *tactile.TestRunResult) (string, string, error) {
	l.transition(StateGeneratingCode, nil)

	code, err := l.callWithRecovery(ctx, func() (string, error) {
		if lastResult == nil {
			return l.generator.GenerateCode(ctx, requirement)
		}
		return l.generator.RepairCode(ctx, requirement, lastCode, lastTests, failureContext(lastResult))
	})
	if err != nil {
		return "", "", err
	}

	l.transition(StateGeneratingTests, nil)

	tests, err := l.callWithRecovery(ctx, func() (string, error) {
		return l.generator.GenerateTests(ctx, requirement, code)
	})
	if err != nil {
		return "", "", err
	}

	return code, tests, nil
}

// callWithRecovery wraps a generation call with quota backoff and the
// fallback-model switch. Each quota wait honors the backend's retry delay.
func (l *Loop) callWithRecovery(ctx context.Context, call func() (string, error)) (string, error) {
	for {
		out, err := call()
		if err == nil {
			return out, nil
		}

		if delay, ok := perception.IsQuota(err); ok {
			l.recorder.Record(runlog.StageBackoff, map[string]any{
				"delay_ms": delay.Milliseconds(),
				"reason":   "quota_exceeded",
			})
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return "", sleepErr
			}
			continue
		}

		if perception.IsModelUnavailable(err) && l.config.FallbackModel != "" {
			l.mu.Lock()
			alreadyFellBack := l.fellBack
			l.fellBack = true
			l.mu.Unlock()
			if !alreadyFellBack {
				if switcher, ok := l.client.(ModelSwitcher); ok {
					prev := switcher.GetModel()
					switcher.SetModel(l.config.FallbackModel)
					l.recorder.Record(runlog.StageModelFallback, map[string]any{
						"from": prev,
						"to":   l.config.FallbackModel,
					})
					continue
				}
			}
		}

		return "", err
	}
}

func (l *Loop) persist(writer *generation.Writer, code, tests string) error {
	l.transition(StatePersisting, nil)

	codeArtifact, err := writer.Write(generation.ArtifactCode, code)
	if err != nil {
		return err
	}
	l.recorder.Record(runlog.StageArtifactWritten, map[string]any{
		"kind":  string(codeArtifact.Kind),
		"path":  codeArtifact.Path,
		"bytes": len(codeArtifact.Content),
	})

	testArtifact, err := writer.Write(generation.ArtifactTest, tests)
	if err != nil {
		return err
	}
	l.recorder.Record(runlog.StageArtifactWritten, map[string]any{
		"kind":  string(testArtifact.Kind),
		"path":  testArtifact.Path,
		"bytes": len(testArtifact.Content),
	})

	return nil
}

func (l *Loop) execute(ctx context.Context, testPath string) (*tactile.TestRunResult, error) {
	l.transition(StateExecuting, map[string]any{"test_path": testPath})

	result, err := l.executor.Run(ctx, testPath)
	if err != nil {
		return nil, fmt.Errorf("test execution failed: %w", err)
	}

	l.recorder.Record(runlog.StageTestRun, map[string]any{
		"passed":      result.Passed,
		"exit_code":   result.ExitCode,
		"duration_ms": result.Duration.Milliseconds(),
		"summary":     result.FailureSummary,
	})

	return result, nil
}

func (l *Loop) finish(outcome *RunOutcome, status RunStatus, result *tactile.TestRunResult, runErr error, start time.Time) *RunOutcome {
	l.mu.RLock()
	attempts := l.attempts
	l.mu.RUnlock()

	outcome.Status = status
	outcome.Attempts = attempts
	outcome.Result = result
	outcome.Err = runErr
	outcome.Duration = time.Since(start)

	switch status {
	case StatusSuccess:
		outcome.Summary = fmt.Sprintf("tests passed after %d repair attempt(s)", attempts)
	case StatusExhausted:
		outcome.Summary = fmt.Sprintf("tests still failing after %d repair attempt(s)", attempts)
		if result != nil && result.FailureSummary != "" {
			outcome.Summary += ": " + result.FailureSummary
		}
	case StatusFatal:
		outcome.Summary = fmt.Sprintf("run aborted during %s", l.GetState())
		if runErr != nil {
			outcome.Summary = fmt.Sprintf("run aborted during %s: %v", l.GetState(), runErr)
		}
	}

	l.transition(StateDone, map[string]any{
		"status":   string(status),
		"attempts": attempts,
	})
	l.recorder.Record(runlog.StageRunEnd, map[string]any{
		"run_id":      outcome.RunID,
		"status":      string(status),
		"attempts":    attempts,
		"duration_ms": outcome.Duration.Milliseconds(),
	})

	return outcome
}

// failureContext assembles the repair prompt's view of a failing run: the
// summary line first, so a Timeout stays visible when the output is empty.
func failureContext(result *tactile.TestRunResult) string {
	output := result.CombinedOutput()
	if result.FailureSummary == "" {
		return output
	}
	if output == "" {
		return result.FailureSummary
	}
	return result.FailureSummary + "\n" + output
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
