package trace

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vidpipe/pipeline/internal/model"
)

func readEvents(t *testing.T, path string) []model.TraceEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []model.TraceEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev model.TraceEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal trace line: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestRecorderWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	rec := OpenRecorder(dir, "sess-1")

	rec.Start("probe", map[string]any{"foo": "bar"})
	rec.End("probe", map[string]any{"duration_sec": 12.5}, 250*time.Millisecond)
	rec.Note("transcribe", map[string]any{"kind": "TranscriptionUnavailable"})
	rec.Error("generate", errTest{"boom"})
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	events := readEvents(t, filepath.Join(dir, "trace.jsonl"))
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if events[0].Kind != model.TraceStart || events[0].SessionID != "sess-1" {
		t.Errorf("event[0] = %+v", events[0])
	}
	if events[1].Kind != model.TraceEnd || events[1].DurationMs == nil || *events[1].DurationMs != 250 {
		t.Errorf("event[1] = %+v", events[1])
	}
	if events[2].Kind != model.TraceNote {
		t.Errorf("event[2] = %+v", events[2])
	}
	if events[3].Kind != model.TraceError || events[3].Error != "boom" {
		t.Errorf("event[3] = %+v", events[3])
	}
}

func TestRecorderDegradesOnOpenFailure(t *testing.T) {
	// A directory that doesn't exist can't have trace.jsonl created in it;
	// OpenRecorder must degrade rather than panic or return nil.
	rec := OpenRecorder(filepath.Join(t.TempDir(), "missing", "nested"), "sess-2")
	rec.Start("probe", nil)
	if err := rec.Close(); err != nil {
		t.Errorf("Close on degraded recorder should be a no-op, got %v", err)
	}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }
