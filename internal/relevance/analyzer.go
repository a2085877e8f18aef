// Package relevance implements the RelevanceAnalyzer capability: an
// LLM call that locates semantically relevant moments in a transcript,
// with the retry-then-degenerate contract spec §4.4 requires.
package relevance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vidpipe/pipeline/internal/llmclient"
	"github.com/vidpipe/pipeline/internal/model"
	"github.com/vidpipe/pipeline/internal/textutil"
)

// Analyzer implements capability.RelevanceAnalyzer against an LLM
// client.
type Analyzer struct {
	client *llmclient.Model
}

// NewAnalyzer wraps an llmclient.Model (the "fast" tier, per spec §2).
func NewAnalyzer(client *llmclient.Model) *Analyzer {
	return &Analyzer{client: client}
}

type momentJSON struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Reason string  `json:"reason"`
}

// DegenerateReason marks a moment list the analyzer produced by
// falling back rather than genuinely locating relevant spans; the
// Orchestrator checks for it to emit the RelevanceUnavailable trace
// note.
const DegenerateReason = "fallback"

// Analyze calls the LLM once, retries once with a stricter
// "JSON only" reinforcement on invalid output, and degenerates to a
// single whole-duration moment if the second attempt also fails to
// parse. It never returns an error: degradation is the contract.
func (a *Analyzer) Analyze(ctx context.Context, transcript []model.TranscriptSegment, hintKeywords []string,
	prompt *model.PromptRecord, durationSec float64) ([]model.RelevantMoment, error) {

	transcriptText := formatTranscript(transcript)

	raw, err := a.client.AnalyzeMoments(ctx, prompt.SystemInstruction, transcriptText, hintKeywords)
	if err == nil {
		if moments, ok := parseMoments(raw); ok {
			return moments, nil
		}
	}

	reinforced := prompt.SystemInstruction + "\n\nReturn STRICT JSON only. No prose, no markdown fences."
	raw, err = a.client.AnalyzeMoments(ctx, reinforced, transcriptText, hintKeywords)
	if err == nil {
		if moments, ok := parseMoments(raw); ok {
			return moments, nil
		}
	}

	// Degenerate result per spec §4.4/§7: whole-video fallback, caller
	// records the RelevanceUnavailable trace note.
	return []model.RelevantMoment{{StartSec: 0, EndSec: durationSec, Reason: DegenerateReason}}, nil
}

func parseMoments(raw string) ([]model.RelevantMoment, bool) {
	stripped := textutil.StripCodeFence(raw)
	var parsed []momentJSON
	if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
		return nil, false
	}
	moments := make([]model.RelevantMoment, 0, len(parsed))
	for _, m := range parsed {
		if m.Start >= m.End {
			continue
		}
		moments = append(moments, model.RelevantMoment{StartSec: m.Start, EndSec: m.End, Reason: m.Reason})
	}
	return moments, true
}

func formatTranscript(segs []model.TranscriptSegment) string {
	var b strings.Builder
	for _, s := range segs {
		fmt.Fprintf(&b, "[%.1f-%.1f] %s\n", s.StartSec, s.EndSec, s.Text)
	}
	return b.String()
}
