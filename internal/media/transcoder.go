package media

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// Transcoder builds the low-fps analysis proxy and extracts a 16kHz mono
// WAV track, shelling out to ffmpeg with the same filter graph the
// reference pipeline used.
type Transcoder struct {
	FfmpegPath string
}

// NewTranscoder returns a Transcoder shelling out to the given ffmpeg
// binary.
func NewTranscoder(ffmpegPath string) *Transcoder {
	return &Transcoder{FfmpegPath: ffmpegPath}
}

// BuildProxy encodes a 1-fps (by default), long-edge-scaled H.264 proxy
// with no audio track, for cheap LLM analysis.
func (t *Transcoder) BuildProxy(ctx context.Context, sourcePath string, fps, longEdgePx int, outPath string) error {
	filter := fmt.Sprintf("fps=%d,scale=%d:-2", fps, longEdgePx)
	cmd := exec.CommandContext(ctx, t.FfmpegPath,
		"-i", sourcePath,
		"-filter:v", filter,
		"-c:v", "libx264",
		"-crf", "28",
		"-preset", "veryfast",
		"-an",
		"-y", outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg proxy encode: %w: %s", err, out)
	}
	return nil
}

// ExtractAudio pulls a 16kHz mono PCM WAV track for transcription.
func (t *Transcoder) ExtractAudio(ctx context.Context, sourcePath, outPath string) error {
	cmd := exec.CommandContext(ctx, t.FfmpegPath,
		"-i", sourcePath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-y", outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg audio extract: %w: %s", err, out)
	}
	return nil
}

// ExtractFrame pulls a single JPEG frame at timestampSec using ffmpeg's
// fast seek, since no in-process frame decoder exists in this stack.
func (t *Transcoder) ExtractFrame(ctx context.Context, sourcePath string, timestampSec float64, outPath string) error {
	cmd := exec.CommandContext(ctx, t.FfmpegPath,
		"-ss", strconv.FormatFloat(timestampSec, 'f', 3, 64),
		"-i", sourcePath,
		"-frames:v", "1",
		"-y", outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg frame extract: %w: %s", err, out)
	}
	return nil
}

// CutClip cuts [start, start+duration] from sourcePath with a
// format-specific crop filter, grounded in the reference clip generator's
// vertical/square/horizontal shapes.
func (t *Transcoder) CutClip(ctx context.Context, sourcePath string, startSec, durationSec float64, outputFormat, outPath string) error {
	args := []string{
		"-ss", strconv.FormatFloat(startSec, 'f', 3, 64),
		"-i", sourcePath,
		"-t", strconv.FormatFloat(durationSec, 'f', 3, 64),
	}

	switch outputFormat {
	case "vertical":
		args = append(args, "-vf", "crop=ih*(9/16):ih:(iw-ow)/2:0")
	case "square":
		args = append(args, "-vf", "crop=ih:ih:(iw-ow)/2:0")
	case "horizontal":
		// no crop filter
	default:
		return fmt.Errorf("unknown clip output format %q", outputFormat)
	}

	args = append(args, "-c:v", "libx264", "-c:a", "aac", "-strict", "experimental", "-y", outPath)
	cmd := exec.CommandContext(ctx, t.FfmpegPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg clip cut: %w: %s", err, out)
	}
	return nil
}
