// Package capability defines the pluggable interfaces the Orchestrator
// drives: the boundary between the pipeline core and the external tools
// (transcoder, transcriber, LLM client, storage) it depends on.
package capability

import (
	"context"

	"github.com/vidpipe/pipeline/internal/model"
)

// ProbeResult is what MediaProbe reports about a source file.
type ProbeResult struct {
	DurationSec float64
	Width       int
	Height      int
	AudioPresent bool
}

// MediaProbe inspects a source file without transcoding it.
type MediaProbe interface {
	Probe(ctx context.Context, sourcePath string) (ProbeResult, error)
}

// Transcoder builds the low-cost analysis proxy, extracts audio, and
// pulls single full-resolution frames. Callers supply the destination
// path; the ArtifactStore owns naming.
type Transcoder interface {
	BuildProxy(ctx context.Context, sourcePath string, fps, longEdgePx int, outPath string) error
	ExtractAudio(ctx context.Context, sourcePath, outPath string) error
	ExtractFrame(ctx context.Context, sourcePath string, timestampSec float64, outPath string) error
	CutClip(ctx context.Context, sourcePath string, startSec, durationSec float64, outputFormat, outPath string) error
}

// STT transcribes an audio track into ordered segments.
type STT interface {
	Transcribe(ctx context.Context, audioPath, languageHint string) ([]model.TranscriptSegment, error)
	Available() bool
	Name() string // "local" or "remote"
}

// RelevanceAnalyzer locates semantically relevant moments from a
// transcript. The adapter never errors outward: on repeated invalid LLM
// output it degenerates to a single whole-video moment per spec §4.4,
// and the Orchestrator detects that degradation by inspecting the
// returned Reason rather than an error value.
type RelevanceAnalyzer interface {
	Analyze(ctx context.Context, transcript []model.TranscriptSegment,
		hintKeywords []string, prompt *model.PromptRecord, durationSec float64) ([]model.RelevantMoment, error)
}

// FrameExtractor pulls still frames from the original source. Negative
// timestamps are clamped to 0; timestamps at or beyond durationSec are
// skipped, not clamped.
type FrameExtractor interface {
	Extract(ctx context.Context, sourcePath string, durationSec float64, timestamps []float64) ([]model.Keyframe, error)
}

// Generator synthesizes the final document payload.
type Generator interface {
	Generate(ctx context.Context, systemInstruction, userPrompt string, keyframes []model.Keyframe,
		transcript []model.TranscriptSegment, outputFormat model.OutputFormat) ([]byte, error)
}
