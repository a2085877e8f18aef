package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/vidpipe/pipeline/internal/errors"
	"github.com/vidpipe/pipeline/internal/model"
	"github.com/vidpipe/pipeline/internal/prompt"
	"github.com/vidpipe/pipeline/internal/syncx"
	"github.com/vidpipe/pipeline/internal/trace"
)

// videoChunk is one fixed-length slice of the source timeline that the
// segmented pipeline variant processes independently.
type videoChunk struct {
	index    int
	startSec float64
	endSec   float64
}

// splitIntoChunks divides [0, duration] into fixed-length chunks, the last
// one truncated to fit. Grounded in original_source's split_into_segments.
func splitIntoChunks(duration, chunkSec float64) []videoChunk {
	if duration <= 0 || chunkSec <= 0 {
		return nil
	}
	var chunks []videoChunk
	for start, idx := 0.0, 0; start < duration; start, idx = start+chunkSec, idx+1 {
		end := start + chunkSec
		if end > duration {
			end = duration
		}
		chunks = append(chunks, videoChunk{index: idx, startSec: start, endSec: end})
	}
	return chunks
}

type chunkOutcome struct {
	index     int
	doc       []byte
	keyframes []model.Keyframe
	err       error
}

// runSegmented implements the segmented pipeline variant: stages 5-6 run
// per fixed-length chunk, bounded concurrently, with results concatenated
// in source order. Grounded in
// original_source/backend/app/services/video_pipeline.py's
// process_video_pipeline_segmented, generalized to run chunks concurrently
// instead of the original's sequential loop.
func (o *Orchestrator) runSegmented(ctx context.Context, sess *model.Session, dir string, durationSec float64,
	transcriptSegs []model.TranscriptSegment, moments []model.RelevantMoment,
	genPrompt *model.PromptRecord, vars map[string]string, maxKeyframes int, rec *trace.Recorder) ([]byte, []model.Keyframe, error) {

	sessionID := sess.ID
	chunkSec := float64(o.cfg.SegmentPipelineChunkSec)
	if chunkSec <= 0 {
		chunkSec = 30
	}
	chunks := splitIntoChunks(durationSec, chunkSec)
	if len(chunks) == 0 {
		chunks = []videoChunk{{index: 0, startSec: 0, endSec: durationSec}}
	}

	concurrency := len(chunks)
	if concurrency > 4 {
		concurrency = 4
	}
	chunkSem := syncx.NewSemaphore(concurrency)

	rec.Start("extract", map[string]any{"segmented": true, "chunks": len(chunks)})
	rec.Start("generate", map[string]any{"segmented": true, "chunks": len(chunks)})
	fanoutStart := time.Now()

	framesDir := o.store.Path(dir, "frames")
	timestamps := distributeTimestamps(moments, maxKeyframes)

	// cancelCtx is derived from ctx and additionally torn down once the
	// session's cooperative cancel flag flips, so in-flight chunk tasks
	// observe cancellation without each polling SessionManager itself.
	cancelCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
				if o.sessions.IsCancelled(sessionID) {
					cancelAll()
					return
				}
			}
		}
	}()

	results := make([]chunkOutcome, len(chunks))
	var wg sync.WaitGroup
	for _, c := range chunks {
		if err := o.checkCancel(sessionID); err != nil {
			cancelAll()
			wg.Wait()
			<-watchDone
			return nil, nil, err
		}
		if err := chunkSem.Acquire(cancelCtx); err != nil {
			wg.Wait()
			<-watchDone
			return nil, nil, apperrors.Wrap(err, apperrors.KindCancelled, "wait for chunk admission").WithStage("extract")
		}
		wg.Add(1)
		go func(c videoChunk) {
			defer wg.Done()
			defer chunkSem.Release()
			doc, keyframes, err := o.processChunk(cancelCtx, sess, dir, framesDir, c, timestamps, transcriptSegs, moments, genPrompt, vars)
			results[c.index] = chunkOutcome{index: c.index, doc: doc, keyframes: keyframes, err: err}
			if o.sessions.IsCancelled(sessionID) {
				cancelAll()
			}
		}(c)
	}
	wg.Wait()
	cancelAll()
	<-watchDone

	if err := o.checkCancel(sessionID); err != nil {
		return nil, nil, err
	}

	var allKeyframes []model.Keyframe
	docs := make([]string, len(results))
	for _, r := range results {
		if r.err != nil {
			rec.Note("extract", map[string]any{"chunk": r.index, "error": r.err.Error()})
			docs[r.index] = fmt.Sprintf("*Segment %d processing failed.*\n", r.index+1)
			continue
		}
		allKeyframes = append(allKeyframes, r.keyframes...)
		docs[r.index] = string(r.doc)
	}
	sort.Slice(allKeyframes, func(i, j int) bool { return allKeyframes[i].TimestampSec < allKeyframes[j].TimestampSec })

	elapsed := time.Since(fanoutStart)
	totalBytes := 0
	for _, d := range docs {
		totalBytes += len(d)
	}
	rec.End("extract", map[string]any{"keyframes": len(allKeyframes), "chunks": len(chunks)}, elapsed)
	rec.End("generate", map[string]any{"bytes": totalBytes, "chunks": len(chunks)}, elapsed)

	return []byte(strings.Join(docs, "\n\n")), allKeyframes, nil
}

// processChunk extracts keyframes and generates a per-chunk document scoped
// to [c.startSec, c.endSec). A chunk with no relevant timestamps is skipped
// without an LLM call, mirroring the original's "No frames extracted for
// segment" placeholder.
func (o *Orchestrator) processChunk(ctx context.Context, sess *model.Session, dir, framesDir string, c videoChunk, timestamps []float64,
	transcriptSegs []model.TranscriptSegment, moments []model.RelevantMoment, genPrompt *model.PromptRecord, vars map[string]string) ([]byte, []model.Keyframe, error) {

	chunkTimestamps := filterTimestamps(timestamps, c.startSec, c.endSec)
	if len(chunkTimestamps) == 0 {
		return []byte(fmt.Sprintf("*No relevant content in segment %d (%.0fs-%.0fs).*\n", c.index+1, c.startSec, c.endSec)), nil, nil
	}

	chunkFramesDir := filepath.Join(framesDir, fmt.Sprintf("seg_%02d", c.index))
	keyframes, err := o.extractFrames(ctx, chunkFramesDir, sess.Source.Path, c.endSec, chunkTimestamps)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.KindFrameExtractionFailed, "extract segment keyframes").WithStage("extract").WithMetadata("segment", fmt.Sprintf("%d", c.index))
	}
	relPrefix := filepath.Join("frames", fmt.Sprintf("seg_%02d", c.index))
	for i := range keyframes {
		keyframes[i].Path = filepath.Join(relPrefix, keyframes[i].Path)
	}

	chunkTranscript := filterTranscript(transcriptSegs, c.startSec, c.endSec)
	chunkMoments := filterMoments(moments, c.startSec, c.endSec)

	systemInstruction, guidelines := prompt.Interpolate(genPrompt, vars)
	userPrompt := buildUserPrompt(systemInstruction, guidelines, chunkMoments)

	absKeyframes := make([]model.Keyframe, len(keyframes))
	for i, kf := range keyframes {
		absKeyframes[i] = kf
		absKeyframes[i].Path = filepath.Join(dir, kf.Path)
	}

	if err := o.acquire(ctx, "generator"); err != nil {
		return nil, keyframes, err
	}
	gctx, cancel := context.WithTimeout(ctx, o.stageTimeout("generate"))
	doc, err := o.generator.Generate(gctx, systemInstruction, userPrompt, absKeyframes, chunkTranscript, genPrompt.OutputFormat)
	cancel()
	o.release("generator")
	if err != nil {
		return nil, keyframes, err
	}
	return doc, keyframes, nil
}

func filterTimestamps(timestamps []float64, start, end float64) []float64 {
	var out []float64
	for _, t := range timestamps {
		if t >= start && t < end {
			out = append(out, t)
		}
	}
	return out
}

func filterTranscript(segs []model.TranscriptSegment, start, end float64) []model.TranscriptSegment {
	var out []model.TranscriptSegment
	for _, s := range segs {
		if s.StartSec < end && s.EndSec > start {
			out = append(out, s)
		}
	}
	return out
}

func filterMoments(moments []model.RelevantMoment, start, end float64) []model.RelevantMoment {
	var out []model.RelevantMoment
	for _, m := range moments {
		if m.StartSec < end && m.EndSec > start {
			out = append(out, m)
		}
	}
	return out
}
