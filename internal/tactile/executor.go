// Package tactile runs generated test files as isolated subprocesses and
// captures structured results. A failing test suite is a normal outcome
// represented in the result, never a Go error; only infrastructure faults
// (missing file, unrunnable interpreter) surface as errors.
package tactile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// FailureSummaryTimeout marks results whose run was killed by the enforced
// wall-clock timeout.
const FailureSummaryTimeout = "Timeout"

// TestRunResult captures one test execution. Immutable once returned.
type TestRunResult struct {
	Passed         bool
	ExitCode       int
	Stdout         string
	Stderr         string
	FailureSummary string
	Duration       time.Duration
	Truncated      bool
	TruncatedBytes int64
}

// CombinedOutput returns stdout and stderr joined, for repair prompts.
func (r *TestRunResult) CombinedOutput() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ExecutorConfig configures subprocess execution.
type ExecutorConfig struct {
	PythonBinary   string
	WorkingDir     string
	Timeout        time.Duration
	MaxOutputBytes int64
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PythonBinary:   "python3",
		Timeout:        2 * time.Minute,
		MaxOutputBytes: 1 << 20, // 1MB per stream
	}
}

// PytestExecutor invokes pytest against a persisted test file.
type PytestExecutor struct {
	config ExecutorConfig
}

// NewPytestExecutor creates an executor with default config.
func NewPytestExecutor() *PytestExecutor {
	return NewPytestExecutorWithConfig(DefaultExecutorConfig())
}

// NewPytestExecutorWithConfig creates an executor with custom config.
func NewPytestExecutorWithConfig(config ExecutorConfig) *PytestExecutor {
	if config.PythonBinary == "" {
		config.PythonBinary = "python3"
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = 1 << 20
	}
	return &PytestExecutor{config: config}
}

// Run executes the test file and reports the outcome. Nonzero exit is a
// failed result regardless of output parsing; a hang is killed at the
// configured timeout and reported failed with a Timeout summary.
func (e *PytestExecutor) Run(ctx context.Context, testPath string) (*TestRunResult, error) {
	if _, err := os.Stat(testPath); err != nil {
		return nil, fmt.Errorf("test file not found at %s: %w", testPath, err)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.config.PythonBinary, "-m", "pytest", testPath)
	cmd.Dir = e.config.WorkingDir
	// Do not let orphaned children holding the output pipes stall Wait
	// after the process itself has been killed.
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: e.config.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: e.config.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &TestRunResult{
		ExitCode: -1,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}
	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
	}

	if err != nil {
		// The caller's context ending is a run-level event, not a verdict on
		// the tests. Only the executor's own deadline counts as a timeout.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if execCtx.Err() == context.DeadlineExceeded {
			result.Passed = false
			result.FailureSummary = FailureSummaryTimeout
			return result, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			// Tests ran and failed (or pytest collected nothing).
			result.Passed = false
			result.ExitCode = exitErr.ExitCode()
			result.FailureSummary = fmt.Sprintf("pytest exited with code %d", result.ExitCode)
			return result, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", e.config.PythonBinary, err)
	}

	result.Passed = true
	result.ExitCode = 0
	return result, nil
}

// limitedWriter caps total bytes written, accounting for what it discards.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // report full length to avoid short-write errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
