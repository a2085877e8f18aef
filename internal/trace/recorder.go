package trace

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vidpipe/pipeline/internal/model"
)

// Recorder is the TraceRecorder from spec §4.9: an append-only JSONL
// writer of TraceEvents, opened lazily per session and closed once the
// session reaches a terminal state. Write failures never propagate —
// they fall back to the process's structured logger.
type Recorder struct {
	mu        sync.Mutex
	f         *os.File
	sessionID string
}

// OpenRecorder opens (creating if needed) dir/trace.jsonl for append.
// A failure to open degrades to a Recorder that only logs to the
// secondary (process) log — the pipeline never fails a session over a
// trace write.
func OpenRecorder(dir, sessionID string) *Recorder {
	path := filepath.Join(dir, "trace.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("open trace recorder failed, degrading to secondary log", "session_id", sessionID, "error", err)
		return &Recorder{sessionID: sessionID}
	}
	return &Recorder{f: f, sessionID: sessionID}
}

func (r *Recorder) emit(ev model.TraceEvent) {
	ev.SessionID = r.sessionID
	ev.Instant = time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal trace event failed", "session_id", r.sessionID, "stage", ev.Stage, "error", err)
		return
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		slog.Warn("trace event dropped, recorder unavailable", "session_id", r.sessionID, "stage", ev.Stage, "kind", ev.Kind)
		return
	}
	if _, err := r.f.Write(data); err != nil {
		slog.Error("trace append failed", "session_id", r.sessionID, "stage", ev.Stage, "error", err)
	}
}

// Start records a stage's start.
func (r *Recorder) Start(stage string, attrs map[string]any) {
	r.emit(model.TraceEvent{Stage: stage, Kind: model.TraceStart, Attrs: attrs})
}

// End records a stage's end with its wall-clock duration.
func (r *Recorder) End(stage string, attrs map[string]any, dur time.Duration) {
	ms := dur.Milliseconds()
	r.emit(model.TraceEvent{Stage: stage, Kind: model.TraceEnd, Attrs: attrs, DurationMs: &ms})
}

// Error records a stage-ending failure.
func (r *Recorder) Error(stage string, err error) {
	r.emit(model.TraceEvent{Stage: stage, Kind: model.TraceError, Error: err.Error()})
}

// Note records a non-fatal degradation (empty transcript, fallback
// moment, STT fallback, ...) per spec §7's propagation policy.
func (r *Recorder) Note(stage string, attrs map[string]any) {
	r.emit(model.TraceEvent{Stage: stage, Kind: model.TraceNote, Attrs: attrs})
}

// Close closes the underlying file, if one was opened.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}
