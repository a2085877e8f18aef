package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vidpipe/pipeline/internal/artifact"
	"github.com/vidpipe/pipeline/internal/capability"
	"github.com/vidpipe/pipeline/internal/config"
	"github.com/vidpipe/pipeline/internal/model"
	"github.com/vidpipe/pipeline/internal/prompt"
	"github.com/vidpipe/pipeline/internal/session"
)

// --- pure helper tests ---

func TestNormalizeMomentsMergesAndClamps(t *testing.T) {
	moments := []model.RelevantMoment{
		{StartSec: -5, EndSec: 3, Reason: "a"},
		{StartSec: 3.2, EndSec: 6, Reason: "b"}, // within mergeGap of the first
		{StartSec: 50, EndSec: 50.1, Reason: "too short"},
		{StartSec: 20, EndSec: 200, Reason: "beyond duration"},
	}
	out := normalizeMoments(moments, 100, 1.0, 1.0)

	if len(out) != 2 {
		t.Fatalf("got %d moments, want 2: %+v", len(out), out)
	}
	if out[0].StartSec != 0 || out[0].EndSec != 6 {
		t.Errorf("merged moment = %+v, want [0,6]", out[0])
	}
	if out[1].EndSec != 100 {
		t.Errorf("clamped moment end = %v, want 100", out[1].EndSec)
	}
}

func TestDistributeTimestampsProportional(t *testing.T) {
	moments := []model.RelevantMoment{
		{StartSec: 0, EndSec: 10},  // span 10
		{StartSec: 10, EndSec: 40}, // span 30
	}
	ts := distributeTimestamps(moments, 8)
	if len(ts) != 8 {
		t.Fatalf("got %d timestamps, want 8", len(ts))
	}
	for _, x := range ts {
		if x < 0 || x > 40 {
			t.Errorf("timestamp %v out of range [0,40]", x)
		}
	}
}

func TestDistributeTimestampsNoBudget(t *testing.T) {
	if got := distributeTimestamps([]model.RelevantMoment{{StartSec: 0, EndSec: 10}}, 0); got != nil {
		t.Errorf("expected nil for zero budget, got %v", got)
	}
}

func TestNoteFallback(t *testing.T) {
	cases := []struct {
		pref model.STTPreference
		used string
		want bool
	}{
		{model.STTFast, "remote", true},
		{model.STTFast, "local", false},
		{model.STTAccurate, "local", true},
		{model.STTAccurate, "remote", false},
		{model.STTAuto, "remote", false},
	}
	for _, c := range cases {
		if got := noteFallback(c.pref, c.used); got != c.want {
			t.Errorf("noteFallback(%v, %v) = %v, want %v", c.pref, c.used, got, c.want)
		}
	}
}

func TestFormatSRT(t *testing.T) {
	segs := []model.TranscriptSegment{
		{StartSec: 0, EndSec: 1.5, Text: "hello"},
		{StartSec: 61, EndSec: 62, Text: "world"},
	}
	srt := formatSRT(segs)
	if srt == "" {
		t.Fatal("expected non-empty SRT")
	}
	if !strings.Contains(srt, "00:00:00,000 --> 00:00:01,500") {
		t.Errorf("srt missing first cue timing, got %q", srt)
	}
	if !strings.Contains(srt, "00:01:01,000 --> 00:01:02,000") {
		t.Errorf("srt missing second cue timing, got %q", srt)
	}
}

// --- stub capability adapters for an end-to-end Run test ---

type happyProbe struct{ duration float64 }

func (p happyProbe) Probe(context.Context, string) (capability.ProbeResult, error) {
	return capability.ProbeResult{DurationSec: p.duration, Width: 1280, Height: 720, AudioPresent: true}, nil
}

type happyTranscoder struct{}

func (happyTranscoder) BuildProxy(_ context.Context, _ string, _, _ int, outPath string) error {
	return os.WriteFile(outPath, []byte("proxy"), 0o644)
}
func (happyTranscoder) ExtractAudio(_ context.Context, _ string, outPath string) error {
	return os.WriteFile(outPath, []byte("audio"), 0o644)
}
func (happyTranscoder) ExtractFrame(_ context.Context, _ string, _ float64, outPath string) error {
	return os.WriteFile(outPath, []byte("frame"), 0o644)
}
func (happyTranscoder) CutClip(_ context.Context, _ string, _, _ float64, _, outPath string) error {
	return os.WriteFile(outPath, []byte("clip"), 0o644)
}

type happySTT struct{}

func (happySTT) Transcribe(context.Context, string, string) ([]model.TranscriptSegment, error) {
	return []model.TranscriptSegment{{StartSec: 0, EndSec: 5, Text: "hello there"}}, nil
}
func (happySTT) Available() bool { return true }
func (happySTT) Name() string    { return "local" }

type happyRelevance struct{}

func (happyRelevance) Analyze(_ context.Context, _ []model.TranscriptSegment, _ []string, _ *model.PromptRecord, duration float64) ([]model.RelevantMoment, error) {
	return []model.RelevantMoment{{StartSec: 0, EndSec: duration, Reason: "whole clip"}}, nil
}

type happyGenerator struct{ payload []byte }

func (g happyGenerator) Generate(context.Context, string, string, []model.Keyframe, []model.TranscriptSegment, model.OutputFormat) ([]byte, error) {
	return g.payload, nil
}

func newTestOrchestrator(t *testing.T, gen capability.Generator) (*Orchestrator, *session.Manager) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	idx, err := session.OpenIndex(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	mgr, err := session.NewManager(store, idx, 600, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	promptDir := t.TempDir()
	writePromptFile(t, promptDir, "general_doc.json", promptFile{
		ID: "general_doc", Model: "quality", SystemInstruction: "doc for ${title}", OutputFormat: "markdown",
	})
	writePromptFile(t, promptDir, "audio_filter.json", promptFile{
		ID: "audio_filter", Model: "fast", SystemInstruction: "select moments", OutputFormat: "json",
	})
	registry := prompt.NewRegistry()
	if err := registry.Load(promptDir); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	cfg.FrameDedup = false
	cfg.MaxKeyframes = 3

	orch := New(cfg, mgr, store, registry, happyProbe{duration: 30}, happyTranscoder{}, happySTT{}, happySTT{}, happyRelevance{}, gen)
	return orch, mgr
}

type promptFile struct {
	ID                string `json:"id"`
	Model             string `json:"model"`
	SystemInstruction string `json:"system_instruction"`
	OutputFormat      string `json:"output_format"`
}

func writePromptFile(t *testing.T, dir, name string, pf promptFile) {
	t.Helper()
	data, err := json.Marshal(pf)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunHappyPath(t *testing.T) {
	orch, mgr := newTestOrchestrator(t, happyGenerator{payload: []byte("# Doc\n\nBody")})

	_, err := mgr.Create("sess-happy", session.Metadata{
		Mode:   "general_doc",
		Title:  "Demo",
		Source: model.Source{Kind: "local", Path: "/tmp/fake.mp4"},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := orch.Run(context.Background(), "sess-happy", Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.DocPayload) == 0 {
		t.Error("expected non-empty doc payload")
	}
	if len(result.TranscriptSegments) != 1 {
		t.Errorf("got %d transcript segments, want 1", len(result.TranscriptSegments))
	}
	if len(result.Keyframes) == 0 {
		t.Error("expected at least one keyframe")
	}

	sess, err := mgr.Get("sess-happy")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != model.StatusCompleted {
		t.Errorf("status = %v, want completed", sess.Status)
	}
	if sess.Progress != 100 {
		t.Errorf("progress = %d, want 100", sess.Progress)
	}
}

func TestRunSubtitleExtractorShortCircuits(t *testing.T) {
	orch, mgr := newTestOrchestrator(t, happyGenerator{})

	_, err := mgr.Create("sess-subs", session.Metadata{
		Mode:   modeSubtitleExtractor,
		Source: model.Source{Kind: "local", Path: "/tmp/fake.mp4"},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := orch.Run(context.Background(), "sess-subs", Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(string(result.DocPayload), "-->") {
		t.Errorf("expected SRT payload, got %q", result.DocPayload)
	}
	if len(result.Keyframes) != 0 {
		t.Errorf("subtitle_extractor should skip keyframe extraction, got %d", len(result.Keyframes))
	}
}

func TestRunClipGeneratorAppendsClipsSection(t *testing.T) {
	clipDoc, _ := json.Marshal(map[string]any{
		"narrative": "# Clips",
		"clips": []map[string]any{
			{"start": 1.0, "end": 5.0, "hook": "you won't believe this"},
		},
	})

	orch, mgr := newTestOrchestrator(t, happyGenerator{payload: clipDoc})
	promptDir := t.TempDir()
	writePromptFile(t, promptDir, "clip_generator.json", promptFile{
		ID: "clip_generator", Model: "quality", SystemInstruction: "clips", OutputFormat: "json",
	})
	writePromptFile(t, promptDir, "audio_filter.json", promptFile{
		ID: "audio_filter", Model: "fast", SystemInstruction: "select moments", OutputFormat: "json",
	})
	if err := orch.prompts.Load(promptDir); err != nil {
		t.Fatal(err)
	}

	_, err := mgr.Create("sess-clips", session.Metadata{
		Mode:   modeClipGenerator,
		Source: model.Source{Kind: "local", Path: "/tmp/fake.mp4"},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := orch.Run(context.Background(), "sess-clips", Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(string(result.DocPayload), "## Generated Clips") {
		t.Errorf("expected clips section, got %q", result.DocPayload)
	}
	if !strings.Contains(string(result.DocPayload), "you won't believe this") {
		t.Errorf("expected hook text in output, got %q", result.DocPayload)
	}
}

func TestRunSegmentedPipelineConcatenatesChunks(t *testing.T) {
	orch, mgr := newTestOrchestrator(t, happyGenerator{payload: []byte("chunk body")})
	orch.cfg.SegmentPipelineChunkSec = 10 // 30s duration -> 3 chunks

	_, err := mgr.Create("sess-segmented", session.Metadata{
		Mode:   "general_doc",
		Title:  "Demo",
		Source: model.Source{Kind: "local", Path: "/tmp/fake.mp4"},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := orch.Run(context.Background(), "sess-segmented", Options{SegmentPipeline: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(string(result.DocPayload), "chunk body") {
		t.Errorf("expected concatenated chunk output, got %q", result.DocPayload)
	}

	sess, err := mgr.Get("sess-segmented")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != model.StatusCompleted {
		t.Errorf("status = %v, want completed", sess.Status)
	}
}

func TestSplitIntoChunksTruncatesLast(t *testing.T) {
	chunks := splitIntoChunks(25, 10)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[2].startSec != 20 || chunks[2].endSec != 25 {
		t.Errorf("last chunk = %+v, want [20,25]", chunks[2])
	}
}

func TestSplitIntoChunksEmptyForZeroDuration(t *testing.T) {
	if got := splitIntoChunks(0, 10); got != nil {
		t.Errorf("expected nil chunks for zero duration, got %v", got)
	}
}

func TestFilterTranscriptOverlapsWindow(t *testing.T) {
	segs := []model.TranscriptSegment{
		{StartSec: 0, EndSec: 5, Text: "a"},
		{StartSec: 8, EndSec: 12, Text: "b"},
		{StartSec: 20, EndSec: 25, Text: "c"},
	}
	out := filterTranscript(segs, 5, 15)
	if len(out) != 1 || out[0].Text != "b" {
		t.Errorf("filterTranscript = %+v, want just segment b", out)
	}
}
