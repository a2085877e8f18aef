// Package stt implements the two STT adapters (fast/local and
// accurate/remote) and the selection policy and normalization pass
// spec §4.3 requires of both.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/vidpipe/pipeline/internal/model"
)

// FastAdapter shells out to a local whisper.cpp/faster-whisper-compatible
// CLI binary. Availability is lazily probed once on first use, mirroring
// the reference service's "CPU-only, lazy-loaded, is_available health
// check" shape.
type FastAdapter struct {
	binPath string
	model   string

	mu        sync.Mutex
	probed    bool
	available bool
}

// NewFastAdapter returns a FastAdapter that will lazily probe binPath on
// first Available()/Transcribe() call.
func NewFastAdapter(binPath, model string) *FastAdapter {
	return &FastAdapter{binPath: binPath, model: model}
}

// Name implements capability.STT.
func (a *FastAdapter) Name() string { return "local" }

// Available reports whether the local binary can be found
// (exec.LookPath); the binary is not run, so no version probe is made.
// The first call does the lookup; subsequent calls reuse the cached result.
func (a *FastAdapter) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.probed {
		return a.available
	}
	a.probed = true
	_, err := exec.LookPath(a.binPath)
	a.available = err == nil
	return a.available
}

type whisperCLISegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperCLIOutput struct {
	Segments []whisperCLISegment `json:"segments"`
}

// Transcribe runs the local CLI with JSON output and converts its
// segments into TranscriptSegments.
func (a *FastAdapter) Transcribe(ctx context.Context, audioPath, languageHint string) ([]model.TranscriptSegment, error) {
	if !a.Available() {
		return nil, fmt.Errorf("local STT adapter unavailable: %s not found", a.binPath)
	}

	args := []string{"--model", a.model, "--output-json", "--file", audioPath}
	if languageHint != "" {
		args = append(args, "--language", languageHint)
	}

	cmd := exec.CommandContext(ctx, a.binPath, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("local STT run: %w", err)
	}

	var out whisperCLIOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("parse local STT output: %w", err)
	}

	segs := make([]model.TranscriptSegment, 0, len(out.Segments))
	for _, s := range out.Segments {
		segs = append(segs, model.TranscriptSegment{StartSec: s.Start, EndSec: s.End, Text: s.Text})
	}
	return Normalize(segs), nil
}
