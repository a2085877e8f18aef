// Package orchestrator implements the staged, asynchronous engine that
// drives one Session from a raw video handle to a synthesized
// documentation artifact: probe, proxy+audio, transcribe, select
// moments, extract keyframes, generate. It owns concurrency, failure
// recovery, cancellation, and the contract with the pluggable
// capability adapters (§4.1).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vidpipe/pipeline/internal/artifact"
	"github.com/vidpipe/pipeline/internal/capability"
	"github.com/vidpipe/pipeline/internal/config"
	apperrors "github.com/vidpipe/pipeline/internal/errors"
	"github.com/vidpipe/pipeline/internal/frame"
	"github.com/vidpipe/pipeline/internal/model"
	"github.com/vidpipe/pipeline/internal/prompt"
	"github.com/vidpipe/pipeline/internal/relevance"
	"github.com/vidpipe/pipeline/internal/session"
	"github.com/vidpipe/pipeline/internal/stt"
	"github.com/vidpipe/pipeline/internal/syncx"
	"github.com/vidpipe/pipeline/internal/trace"
)

// relevancePromptID is the fixed PromptRegistry key stage 4 consults,
// per spec §4.1 step 5 ("the PromptRecord for audio_filter/relevance
// purpose").
const relevancePromptID = "audio_filter"

// Supplemental modes short-circuit or post-process the standard six
// stages; every other mode runs stages 1-6 unmodified.
const (
	modeSubtitleExtractor = "subtitle_extractor"
	modeClipGenerator     = "clip_generator"
)

// Options are the per-run knobs spec §4.1 names, layered over the
// session's own Mode/Language/STTPreference.
type Options struct {
	MaxKeyframes    int
	SegmentPipeline bool
	MergeGapSec     float64
	MinSegmentSec   float64
	Attendees       []string
	Keywords        []string
}

// Result is what Run hands back: the final document plus the artifacts
// produced along the way, mirroring the caller-facing GetResult shape
// from spec §6.
type Result struct {
	DocPayload         []byte
	ArtifactPaths      map[string]string
	TranscriptSegments []model.TranscriptSegment
	Keyframes          []model.Keyframe
	STTAdapterUsed     string
}

// Orchestrator executes stages 1-6 for one session at a time, dispatched
// concurrently across sessions by whatever caller drives Run.
type Orchestrator struct {
	cfg      *config.Config
	sessions *session.Manager
	store    *artifact.Store
	prompts  *prompt.Registry

	probe      capability.MediaProbe
	transcoder capability.Transcoder
	frameDedup bool
	sttLocal   stt.Adapter
	sttRemote  stt.Adapter
	relevance  capability.RelevanceAnalyzer
	generator  capability.Generator

	semaphores map[string]*syncx.Semaphore
}

// New wires an Orchestrator against every capability it drives. Either
// STT adapter may be nil in a partial deployment (e.g. no remote STT
// configured); transcription then degrades per spec §4.3/§7 rather than
// panicking. The probe, transcoder, relevance and generator adapters are
// called without a nil check.
func New(cfg *config.Config, sessions *session.Manager, store *artifact.Store, prompts *prompt.Registry,
	probe capability.MediaProbe, transcoder capability.Transcoder,
	sttLocal, sttRemote stt.Adapter, relevance capability.RelevanceAnalyzer, generator capability.Generator) *Orchestrator {

	sems := make(map[string]*syncx.Semaphore, len(cfg.AdapterConcurrency))
	for name, n := range cfg.AdapterConcurrency {
		sems[name] = syncx.NewSemaphore(n)
	}

	return &Orchestrator{
		cfg:        cfg,
		sessions:   sessions,
		store:      store,
		prompts:    prompts,
		probe:      probe,
		transcoder: transcoder,
		frameDedup: cfg.FrameDedup,
		sttLocal:   sttLocal,
		sttRemote:  sttRemote,
		relevance:  relevance,
		generator:  generator,
		semaphores: sems,
	}
}

// Run drives a prepared session through all six stages to completion,
// failure, or cancellation. The session must already exist in
// SessionManager (draft or queued); Run claims it.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, opts Options) (*Result, error) {
	sess, err := o.sessions.Claim(sessionID)
	if err != nil {
		return nil, err
	}

	dir, err := o.store.Root(sessionID)
	if err != nil {
		return nil, o.fail(sessionID, apperrors.Wrap(err, apperrors.KindInternal, "create session root"))
	}

	rec := trace.OpenRecorder(dir, sessionID)
	defer rec.Close()
	runStart := time.Now()
	rec.Start("run", map[string]any{"mode": sess.Mode})

	result, runErr := o.run(ctx, sess, dir, opts, rec)

	if runErr != nil {
		if apperrors.IsKind(runErr, apperrors.KindCancelled) {
			rec.End("run", map[string]any{"outcome": "cancelled"}, time.Since(runStart))
			return nil, runErr
		}
		rec.Error("run", runErr)
		return nil, o.fail(sessionID, runErr)
	}

	rec.End("run", map[string]any{"outcome": "completed"}, time.Since(runStart))
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, sess *model.Session, dir string, opts Options, rec *trace.Recorder) (*Result, error) {
	sessionID := sess.ID
	maxKeyframes := opts.MaxKeyframes
	if maxKeyframes <= 0 {
		maxKeyframes = o.cfg.MaxKeyframes
	}
	mergeGap := opts.MergeGapSec
	if mergeGap <= 0 {
		mergeGap = o.cfg.MergeGapSec
	}
	minSpan := opts.MinSegmentSec
	if minSpan <= 0 {
		minSpan = o.cfg.MinSegmentSec
	}

	// Stage 1: Probe.
	if err := o.checkCancel(sessionID); err != nil {
		return nil, err
	}
	rec.Start("probe", nil)
	stageStart := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, o.stageTimeout("probe"))
	probeResult, err := o.probe.Probe(probeCtx, sess.Source.Path)
	cancel()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInputInvalid, "probe source").WithStage("probe")
	}
	if probeResult.DurationSec < 1 {
		return nil, apperrors.New(apperrors.KindInputInvalid, "source duration under 1s").WithStage("probe")
	}
	if probeResult.DurationSec > float64(o.cfg.MaxDurationSec) {
		return nil, apperrors.Newf(apperrors.KindInputTooLarge, "duration %.1fs exceeds max %ds", probeResult.DurationSec, o.cfg.MaxDurationSec).WithStage("probe")
	}
	o.progress(sessionID, "Probing", 5)
	rec.End("probe", map[string]any{"duration_sec": probeResult.DurationSec, "width": probeResult.Width, "height": probeResult.Height}, time.Since(stageStart))

	// Stage 2: Proxy + audio.
	if err := o.checkCancel(sessionID); err != nil {
		return nil, err
	}
	rec.Start("proxy", nil)
	stageStart = time.Now()
	proxyPath := o.store.Path(dir, "proxy.mp4")
	audioPath := o.store.Path(dir, "audio.wav")
	hasAudio := probeResult.AudioPresent

	if err := o.withAdapter(ctx, "transcoder", func(actx context.Context) error {
		actx, cancel := context.WithTimeout(actx, o.stageTimeout("proxy"))
		defer cancel()
		return o.transcoder.BuildProxy(actx, sess.Source.Path, o.cfg.ProxyFPS, o.cfg.ProxyLongEdgePx, proxyPath)
	}); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindPreprocessingFailed, "build analysis proxy").WithStage("proxy")
	}

	if hasAudio {
		if err := o.withAdapter(ctx, "transcoder", func(actx context.Context) error {
			actx, cancel := context.WithTimeout(actx, o.stageTimeout("proxy"))
			defer cancel()
			return o.transcoder.ExtractAudio(actx, sess.Source.Path, audioPath)
		}); err != nil {
			hasAudio = false
			rec.Note("proxy", map[string]any{"audio_extraction_failed": err.Error()})
		}
	}
	o.progress(sessionID, "Building proxy", 15)
	rec.End("proxy", map[string]any{"has_audio": hasAudio}, time.Since(stageStart))

	// Stage 3: Transcribe.
	if err := o.checkCancel(sessionID); err != nil {
		return nil, err
	}
	rec.Start("transcribe", nil)
	stageStart = time.Now()
	var transcriptSegs []model.TranscriptSegment
	sttUsed := ""
	if hasAudio {
		pref := sess.STTPreference
		if pref == "" {
			pref = model.STTPreference(o.cfg.STTPreferenceDefault)
		}
		if err := o.acquire(ctx, "stt"); err != nil {
			return nil, err
		}
		sctx, cancel := context.WithTimeout(ctx, o.stageTimeout("transcribe"))
		transcriptSegs, sttUsed = stt.Select(sctx, pref, o.sttLocal, o.sttRemote, audioPath, sess.Language, probeResult.DurationSec)
		cancel()
		o.release("stt")

		if noteFallback(pref, sttUsed) {
			rec.Note("transcribe", map[string]any{"fallback": sttUsed})
		}
	}
	if sess.Mode == modeSubtitleExtractor && len(transcriptSegs) == 0 {
		return nil, apperrors.New(apperrors.KindTranscriptionRequired, "mode requires a non-empty transcript").WithStage("transcribe")
	}
	if sttUsed == "" && len(transcriptSegs) == 0 {
		rec.Note("transcribe", map[string]any{"kind": string(apperrors.KindTranscriptionUnavailable)})
	}
	o.progress(sessionID, "Transcribing", 35)
	rec.End("transcribe", map[string]any{"segments": len(transcriptSegs), "adapter": sttUsed}, time.Since(stageStart))

	if sess.Mode == modeSubtitleExtractor {
		return o.finishSubtitleExtractor(sess, dir, transcriptSegs, sttUsed, rec)
	}

	// Stage 4: Select moments.
	if err := o.checkCancel(sessionID); err != nil {
		return nil, err
	}
	rec.Start("relevance", nil)
	stageStart = time.Now()
	relevancePrompt, ok := o.prompts.Get(relevancePromptID)
	if !ok {
		relevancePrompt = defaultRelevancePrompt()
	}
	if err := o.acquire(ctx, "relevance"); err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, o.stageTimeout("relevance"))
	moments, err := o.relevance.Analyze(rctx, transcriptSegs, opts.Keywords, relevancePrompt, probeResult.DurationSec)
	cancel()
	o.release("relevance")
	if err != nil {
		moments = []model.RelevantMoment{{StartSec: 0, EndSec: probeResult.DurationSec, Reason: relevance.DegenerateReason}}
	}
	if len(moments) == 1 && moments[0].Reason == relevance.DegenerateReason {
		rec.Note("relevance", map[string]any{"kind": string(apperrors.KindRelevanceUnavailable)})
	}
	moments = normalizeMoments(moments, probeResult.DurationSec, mergeGap, minSpan)
	if len(moments) == 0 {
		moments = []model.RelevantMoment{{StartSec: 0, EndSec: probeResult.DurationSec, Reason: "fallback"}}
	}
	o.progress(sessionID, "Selecting moments", 50)
	rec.End("relevance", map[string]any{"moments": len(moments)}, time.Since(stageStart))

	// Stage 5+6: Extract keyframes and generate, or the segmented variant.
	if err := o.checkCancel(sessionID); err != nil {
		return nil, err
	}
	genPrompt, ok := o.prompts.Get(sess.Mode)
	if !ok {
		return nil, apperrors.Newf(apperrors.KindInternal, "no prompt registered for mode %q", sess.Mode).WithStage("generate")
	}
	vars := buildTemplateVars(sess, opts, probeResult.DurationSec, len(transcriptSegs), len(moments))

	var doc []byte
	var keyframes []model.Keyframe
	if opts.SegmentPipeline {
		doc, keyframes, err = o.runSegmented(ctx, sess, dir, probeResult.DurationSec, transcriptSegs, moments, genPrompt, vars, maxKeyframes, rec)
		if err != nil {
			return nil, err
		}
		o.progress(sessionID, "Extracting keyframes", 70)
		o.progress(sessionID, "Generating document", 95)
	} else {
		rec.Start("extract", nil)
		stageStart = time.Now()
		framesDir := o.store.Path(dir, "frames")
		timestamps := distributeTimestamps(moments, maxKeyframes)
		keyframes, err = o.extractFrames(ctx, framesDir, sess.Source.Path, probeResult.DurationSec, timestamps)
		if err != nil {
			halved := distributeTimestamps(moments, maxKeyframes/2)
			keyframes, err = o.extractFrames(ctx, framesDir, sess.Source.Path, probeResult.DurationSec, halved)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.KindFrameExtractionFailed, "extract keyframes after retry").WithStage("extract")
			}
		}
		for i := range keyframes {
			keyframes[i].Path = filepath.Join("frames", keyframes[i].Path)
		}
		o.progress(sessionID, "Extracting keyframes", 70)
		rec.End("extract", map[string]any{"keyframes": len(keyframes)}, time.Since(stageStart))

		rec.Start("generate", nil)
		stageStart = time.Now()
		systemInstruction, guidelines := prompt.Interpolate(genPrompt, vars)
		userPrompt := buildUserPrompt(systemInstruction, guidelines, moments)

		absKeyframes := make([]model.Keyframe, len(keyframes))
		for i, kf := range keyframes {
			absKeyframes[i] = kf
			absKeyframes[i].Path = filepath.Join(dir, kf.Path)
		}

		if err := o.acquire(ctx, "generator"); err != nil {
			return nil, err
		}
		gctx, cancel := context.WithTimeout(ctx, o.stageTimeout("generate"))
		doc, err = o.generator.Generate(gctx, systemInstruction, userPrompt, absKeyframes, transcriptSegs, genPrompt.OutputFormat)
		cancel()
		o.release("generator")
		if err != nil {
			return nil, err
		}
		o.progress(sessionID, "Generating document", 95)
		rec.End("generate", map[string]any{"bytes": len(doc)}, time.Since(stageStart))
	}

	finalFormat := genPrompt.OutputFormat
	if sess.Mode == modeClipGenerator {
		doc = o.cutClips(ctx, sess, dir, doc, rec)
		finalFormat = model.OutputMarkdown
	}

	// Stage 7: Persist & complete.
	rec.Start("persist", nil)
	stageStart = time.Now()
	if err := o.persistArtifacts(dir, doc, finalFormat, transcriptSegs, moments, keyframes); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "persist artifacts").WithStage("persist")
	}
	manifest, err := o.store.Manifest(dir)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "build artifact manifest").WithStage("persist")
	}
	if err := o.sessions.Complete(sessionID, doc, manifest); err != nil {
		return nil, err
	}
	rec.End("persist", nil, time.Since(stageStart))

	return &Result{
		DocPayload:         doc,
		ArtifactPaths:      manifest,
		TranscriptSegments: transcriptSegs,
		Keyframes:          keyframes,
		STTAdapterUsed:     sttUsed,
	}, nil
}

// finishSubtitleExtractor short-circuits stages 4-6: the transcript
// itself, formatted as SRT, is the product.
func (o *Orchestrator) finishSubtitleExtractor(sess *model.Session, dir string, transcriptSegs []model.TranscriptSegment, sttUsed string, rec *trace.Recorder) (*Result, error) {
	sessionID := sess.ID
	srt := []byte(formatSRT(transcriptSegs))

	rec.Start("persist", map[string]any{"mode": modeSubtitleExtractor})
	stageStart := time.Now()
	if err := o.persistArtifacts(dir, srt, model.OutputMarkdown, transcriptSegs, nil, nil); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "persist subtitle artifacts").WithStage("persist")
	}
	manifest, err := o.store.Manifest(dir)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "build artifact manifest").WithStage("persist")
	}
	if err := o.sessions.Complete(sessionID, srt, manifest); err != nil {
		return nil, err
	}
	rec.End("persist", map[string]any{"mode": modeSubtitleExtractor}, time.Since(stageStart))

	return &Result{
		DocPayload:         srt,
		ArtifactPaths:      manifest,
		TranscriptSegments: transcriptSegs,
		STTAdapterUsed:     sttUsed,
	}, nil
}

// formatSRT renders transcript segments as SubRip subtitles.
func formatSRT(segs []model.TranscriptSegment) string {
	var b []byte
	for i, s := range segs {
		b = append(b, fmt.Sprintf("%d\n%s --> %s\n%s\n\n", i+1, srtTimestamp(s.StartSec), srtTimestamp(s.EndSec), s.Text)...)
	}
	return string(b)
}

func srtTimestamp(sec float64) string {
	d := time.Duration(sec * float64(time.Second))
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// clipGeneratorDoc is the shape stage 6's generator produces for
// clip_generator mode: a list of viral-clip candidates cut from the
// original source.
type clipGeneratorDoc struct {
	Narrative string `json:"narrative"`
	Clips     []struct {
		StartSec float64 `json:"start"`
		EndSec   float64 `json:"end"`
		Hook     string  `json:"hook"`
	} `json:"clips"`
}

// cutClips parses the generator's JSON payload, cuts each clip from the
// original source via ffmpeg, and returns a markdown document combining
// the narrative with a listing of the clips actually produced. A clip
// whose cut fails is skipped with a trace note rather than failing the
// session.
func (o *Orchestrator) cutClips(ctx context.Context, sess *model.Session, dir string, doc []byte, rec *trace.Recorder) []byte {
	var parsed clipGeneratorDoc
	if err := json.Unmarshal(doc, &parsed); err != nil {
		rec.Note("generate", map[string]any{"clip_parse_failed": err.Error()})
		return doc
	}

	outputFormat := sess.ModeOptions["output_format"]
	if outputFormat == "" {
		outputFormat = "vertical"
	}

	var produced []string
	for i, c := range parsed.Clips {
		if c.EndSec <= c.StartSec {
			continue
		}
		name := fmt.Sprintf("clip_%02d.mp4", i)
		outPath := o.store.Path(dir, filepath.Join("clips", name))
		err := o.withAdapter(ctx, "transcoder", func(actx context.Context) error {
			return o.transcoder.CutClip(actx, sess.Source.Path, c.StartSec, c.EndSec-c.StartSec, outputFormat, outPath)
		})
		if err != nil {
			rec.Note("generate", map[string]any{"clip_cut_failed": name, "error": err.Error()})
			continue
		}
		produced = append(produced, fmt.Sprintf("- [%s](clips/%s) — %s", name, name, c.Hook))
	}

	md := parsed.Narrative
	if md == "" {
		md = "# Generated Clips"
	}
	md += "\n\n## Generated Clips\n"
	if len(produced) == 0 {
		md += "\n(no clips produced)\n"
	} else {
		md += "\n" + strings.Join(produced, "\n") + "\n"
	}
	return []byte(md)
}

func (o *Orchestrator) extractFrames(ctx context.Context, framesDir, sourcePath string, durationSec float64, timestamps []float64) ([]model.Keyframe, error) {
	extractor := frame.NewExtractor(o.transcoder, framesDir, o.frameDedup)
	var keyframes []model.Keyframe
	err := o.withAdapter(ctx, "transcoder", func(actx context.Context) error {
		actx, cancel := context.WithTimeout(actx, o.stageTimeout("extract"))
		defer cancel()
		var err error
		keyframes, err = extractor.Extract(actx, sourcePath, durationSec, timestamps)
		return err
	})
	return keyframes, err
}

func (o *Orchestrator) persistArtifacts(dir string, doc []byte, format model.OutputFormat,
	transcript []model.TranscriptSegment, moments []model.RelevantMoment, keyframes []model.Keyframe) error {

	transcriptJSON, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if _, err := o.store.Put(dir, "transcript.json", transcriptJSON); err != nil {
		return err
	}

	momentsJSON, err := json.MarshalIndent(moments, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal moments: %w", err)
	}
	if _, err := o.store.Put(dir, "moments.json", momentsJSON); err != nil {
		return err
	}

	docName := "doc.md"
	if format == model.OutputJSON {
		docName = "doc.json"
	}
	if _, err := o.store.Put(dir, docName, doc); err != nil {
		return err
	}

	entries := make([]artifact.KeyframeManifestEntry, len(keyframes))
	for i, kf := range keyframes {
		entries[i] = artifact.KeyframeManifestEntry{Index: i, TimestampSec: kf.TimestampSec, Path: kf.Path}
	}
	kfJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyframe manifest: %w", err)
	}
	_, err = o.store.Put(dir, "keyframes.json", kfJSON)
	return err
}

// checkCancel is the cooperative cancellation checkpoint spec §5
// requires at every stage boundary and before every adapter call.
func (o *Orchestrator) checkCancel(sessionID string) error {
	if o.sessions.IsCancelled(sessionID) {
		return apperrors.New(apperrors.KindCancelled, "session cancelled").WithSession(sessionID)
	}
	return nil
}

func (o *Orchestrator) progress(sessionID, label string, pct int) {
	if err := o.sessions.UpdateProgress(sessionID, label, pct); err != nil {
		// A terminal session (e.g. concurrently cancelled) rejects further
		// updates; that's expected, not an orchestrator bug.
		_ = err
	}
}

func (o *Orchestrator) fail(sessionID string, err error) error {
	kind := apperrors.KindOf(err)
	_ = o.sessions.Fail(sessionID, kind, err.Error())
	return err
}

func (o *Orchestrator) stageTimeout(stage string) time.Duration {
	if d, ok := o.cfg.StageTimeouts[stage]; ok {
		return d
	}
	return 60 * time.Second
}

func (o *Orchestrator) acquire(ctx context.Context, adapter string) error {
	sem, ok := o.semaphores[adapter]
	if !ok {
		return nil
	}
	if err := sem.Acquire(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.KindCancelled, "wait for adapter admission").WithMetadata("adapter", adapter)
	}
	return nil
}

func (o *Orchestrator) release(adapter string) {
	if sem, ok := o.semaphores[adapter]; ok {
		sem.Release()
	}
}

// withAdapter gates fn behind the named adapter's semaphore, releasing
// on every exit path.
func (o *Orchestrator) withAdapter(ctx context.Context, adapter string, fn func(context.Context) error) error {
	if err := o.acquire(ctx, adapter); err != nil {
		return err
	}
	defer o.release(adapter)
	return fn(ctx)
}

// noteFallback reports whether the STT adapter actually used diverges
// from the caller's stated preference, warranting a trace note per spec
// §8 scenario 4.
func noteFallback(pref model.STTPreference, used string) bool {
	switch pref {
	case model.STTFast:
		return used == "remote"
	case model.STTAccurate:
		return used == "local"
	default:
		return false
	}
}

// normalizeMoments sorts, clamps to [0, duration], merges gaps under
// mergeGapSec, and drops spans under minSpanSec, per spec §3's
// RelevantMoment invariants.
func normalizeMoments(moments []model.RelevantMoment, duration, mergeGapSec, minSpanSec float64) []model.RelevantMoment {
	clamped := make([]model.RelevantMoment, 0, len(moments))
	for _, m := range moments {
		start, end := m.StartSec, m.EndSec
		if start < 0 {
			start = 0
		}
		if end > duration {
			end = duration
		}
		if start >= end {
			continue
		}
		clamped = append(clamped, model.RelevantMoment{StartSec: start, EndSec: end, Reason: m.Reason})
	}
	sort.Slice(clamped, func(i, j int) bool { return clamped[i].StartSec < clamped[j].StartSec })

	merged := make([]model.RelevantMoment, 0, len(clamped))
	for _, m := range clamped {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if m.StartSec-last.EndSec < mergeGapSec {
				if m.EndSec > last.EndSec {
					last.EndSec = m.EndSec
				}
				continue
			}
		}
		merged = append(merged, m)
	}

	out := merged[:0]
	for _, m := range merged {
		if m.EndSec-m.StartSec < minSpanSec {
			continue
		}
		out = append(out, m)
	}
	return out
}

// distributeTimestamps allocates up to maxKeyframes evenly across
// moments, proportional to each moment's length, per spec §4.1 step 6.
func distributeTimestamps(moments []model.RelevantMoment, maxKeyframes int) []float64 {
	if maxKeyframes <= 0 || len(moments) == 0 {
		return nil
	}
	totalSpan := 0.0
	for _, m := range moments {
		totalSpan += m.EndSec - m.StartSec
	}
	if totalSpan <= 0 {
		return nil
	}

	var timestamps []float64
	allocated := 0
	for i, m := range moments {
		span := m.EndSec - m.StartSec
		count := int(math.Ceil(span / totalSpan * float64(maxKeyframes)))
		if count < 1 {
			count = 1
		}
		if i == len(moments)-1 {
			count = maxKeyframes - allocated
			if count < 1 {
				count = 1
			}
		}
		if allocated+count > maxKeyframes {
			count = maxKeyframes - allocated
		}
		if count <= 0 {
			break
		}
		for k := 0; k < count; k++ {
			frac := (float64(k) + 0.5) / float64(count)
			timestamps = append(timestamps, m.StartSec+frac*span)
		}
		allocated += count
	}
	return timestamps
}

func buildTemplateVars(sess *model.Session, opts Options, duration float64, segCount, momentCount int) map[string]string {
	return map[string]string{
		"title":         sess.Title,
		"language":      sess.Language,
		"attendees":     joinStrings(opts.Attendees),
		"keywords":      joinStrings(opts.Keywords),
		"duration":      formatDuration(duration),
		"segment_count": fmt.Sprintf("%d", segCount),
		"moment_count":  fmt.Sprintf("%d", momentCount),
	}
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func formatDuration(sec float64) string {
	d := time.Duration(sec * float64(time.Second))
	return d.Round(time.Second).String()
}

func buildUserPrompt(systemInstruction string, guidelines []string, moments []model.RelevantMoment) string {
	prompt := systemInstruction
	for _, g := range guidelines {
		prompt += "\n- " + g
	}
	prompt += "\n\nRelevant moments:\n"
	for _, m := range moments {
		prompt += fmt.Sprintf("[%.1f-%.1f] %s\n", m.StartSec, m.EndSec, m.Reason)
	}
	return prompt
}

func defaultRelevancePrompt() *model.PromptRecord {
	return &model.PromptRecord{
		ID:                relevancePromptID,
		DisplayName:       "Relevance Selection",
		ModelPreference:   model.ModelFast,
		SystemInstruction: "Identify the moments in this transcript worth visualizing with a screenshot.",
		OutputFormat:      model.OutputJSON,
	}
}
