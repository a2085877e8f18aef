// Package generator implements the Generator capability: the second LLM
// pass that synthesizes the mode-specific document payload from the
// resolved prompt, keyframes, and transcript.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	apperrors "github.com/vidpipe/pipeline/internal/errors"
	"github.com/vidpipe/pipeline/internal/llmclient"
	"github.com/vidpipe/pipeline/internal/model"
	"github.com/vidpipe/pipeline/internal/textutil"
)

// Generator implements capability.Generator against an LLM client.
type Generator struct {
	client *llmclient.Model
}

// New wraps an llmclient.Model (the "quality" tier, per spec §2).
func New(client *llmclient.Model) *Generator {
	return &Generator{client: client}
}

// Generate sends the resolved prompt, keyframes, and transcript excerpt
// to the LLM and validates the result against outputFormat. Keyframes
// must carry absolute, readable paths — the Orchestrator resolves the
// artifact-relative paths it persists before calling in.
func (g *Generator) Generate(ctx context.Context, systemInstruction, userPrompt string, keyframes []model.Keyframe,
	transcript []model.TranscriptSegment, outputFormat model.OutputFormat) ([]byte, error) {

	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCancelled, "generation aborted before start")
	}

	images := loadImages(keyframes)
	fullPrompt := userPrompt + "\n\n" + formatTranscript(transcript)

	raw, err := g.client.GenerateWithImages(ctx, systemInstruction, fullPrompt, images)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.KindCancelled, "generation aborted")
		}
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "generate document")
	}

	switch outputFormat {
	case model.OutputJSON:
		stripped := textutil.StripCodeFence(raw)
		var probe any
		if err := json.Unmarshal([]byte(stripped), &probe); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.KindOutputFormatInvalid, "generator output is not valid JSON")
		}
		return []byte(stripped), nil
	default: // model.OutputMarkdown
		return []byte(raw), nil
	}
}

// loadImages best-effort reads keyframe bytes for multimodal
// generation. An unreadable keyframe is skipped rather than failing the
// whole generation stage.
func loadImages(keyframes []model.Keyframe) [][]byte {
	images := make([][]byte, 0, len(keyframes))
	for _, kf := range keyframes {
		data, err := os.ReadFile(kf.Path)
		if err != nil {
			continue
		}
		images = append(images, data)
	}
	return images
}

func formatTranscript(segs []model.TranscriptSegment) string {
	if len(segs) == 0 {
		return "Transcript: (none available)"
	}
	var b strings.Builder
	b.WriteString("Transcript:\n")
	for _, s := range segs {
		fmt.Fprintf(&b, "[%.1f-%.1f] %s\n", s.StartSec, s.EndSec, s.Text)
	}
	return b.String()
}
