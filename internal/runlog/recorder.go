// Package runlog provides the append-only run record: structured JSONL
// events covering every stage transition, prompt, response, and outcome of
// one requirement's run. Logging is observability, not correctness-critical;
// a sink failure degrades to in-memory recording instead of aborting the run.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Stage identifies the orchestration stage an entry belongs to.
type Stage string

const (
	StageRunStart        Stage = "run_start"
	StageTransition      Stage = "transition"
	StagePromptSent      Stage = "prompt_sent"
	StageResponse        Stage = "response_received"
	StageArtifactWritten Stage = "artifact_written"
	StageTestRun         Stage = "test_run"
	StageBackoff         Stage = "backoff"
	StageModelFallback   Stage = "model_fallback"
	StageSinkDegraded    Stage = "log_sink_degraded"
	StageRunEnd          Stage = "run_end"
)

// Entry is one record in the run's append-only history.
type Entry struct {
	Timestamp int64          `json:"ts"` // Unix milliseconds
	Stage     Stage          `json:"stage"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Recorder accepts run-record entries. Implementations must tolerate
// concurrent use from independent runs sharing one sink.
type Recorder interface {
	Record(stage Stage, payload map[string]any)
}

// FileRecorder appends JSONL entries to a per-run log file while mirroring
// the full record in memory for the final report.
type FileRecorder struct {
	mu      sync.Mutex
	file    *os.File
	entries []Entry
	sinkErr error
	closed  bool
}

// NewFileRecorder opens (or creates) the log file in append mode.
func NewFileRecorder(path string) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return &FileRecorder{file: file}, nil
}

// NewMemoryFileRecorder returns a recorder with no backing file, used when
// the log sink cannot be opened at all. Entries are kept in memory only.
func NewMemoryFileRecorder() *FileRecorder {
	return &FileRecorder{}
}

// Record appends an entry. Best-effort: a sink write failure is captured
// once as a log_sink_degraded entry in the in-memory record and recording
// continues in memory only.
func (r *FileRecorder) Record(stage Stage, payload map[string]any) {
	entry := Entry{
		Timestamp: time.Now().UnixMilli(),
		Stage:     stage,
		Payload:   payload,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.entries = append(r.entries, entry)

	if r.sinkErr != nil || r.file == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err == nil {
		_, err = r.file.Write(append(data, '\n'))
	}
	if err != nil {
		r.sinkErr = err
		r.entries = append(r.entries, Entry{
			Timestamp: time.Now().UnixMilli(),
			Stage:     StageSinkDegraded,
			Payload:   map[string]any{"error": err.Error()},
		})
	}
}

// Entries returns a copy of the full in-memory record.
func (r *FileRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// SinkError returns the first sink write failure, if any.
func (r *FileRecorder) SinkError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinkErr
}

// Close finalizes the record. Further Record calls are dropped.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// MemoryRecorder keeps entries in memory only. Used in tests and as the
// recorder of last resort when no log file can be opened.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Record appends an entry.
func (r *MemoryRecorder) Record(stage Stage, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{
		Timestamp: time.Now().UnixMilli(),
		Stage:     stage,
		Payload:   payload,
	})
}

// Entries returns a copy of the record.
func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
