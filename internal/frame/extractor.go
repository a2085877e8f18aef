// Package frame extracts full-resolution keyframes from the original
// source at analyzer-chosen timestamps and drops near-duplicates by
// perceptual hash, generalizing the screen-capture dedup pattern to
// keyframe extraction.
package frame

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // JPEG decoder
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/corona10/goimagehash"

	"github.com/vidpipe/pipeline/internal/model"
)

// MaxHashDistance is the Hamming-distance threshold under which two
// frames are considered near-duplicates. Perceptual-dedup thresholds are
// adapter-defined; the core asserts nothing beyond the ordering
// invariant.
const MaxHashDistance = 6

// ffmpegFrameExtractor is the minimal surface this package needs from
// media.Transcoder, kept narrow so tests can fake it.
type ffmpegFrameExtractor interface {
	ExtractFrame(ctx context.Context, sourcePath string, timestampSec float64, outPath string) error
}

// Extractor implements capability.FrameExtractor.
type Extractor struct {
	transcoder ffmpegFrameExtractor
	outDir     string
	dedup      bool
}

// NewExtractor returns an Extractor writing JPEGs under outDir
// ("frames/" inside a session's artifact root).
func NewExtractor(transcoder ffmpegFrameExtractor, outDir string, dedup bool) *Extractor {
	return &Extractor{transcoder: transcoder, outDir: outDir, dedup: dedup}
}

// Extract clamps negative timestamps to 0 and skips (does not clamp)
// timestamps at or beyond durationSec, extracts one JPEG per remaining
// timestamp via ffmpeg, and drops perceptual near-duplicates of the
// previously kept frame when dedup is enabled. Frame filenames encode
// the index and timestamp so downstream consumers can reconstruct the
// timestamp from the filename alone.
func (e *Extractor) Extract(ctx context.Context, sourcePath string, durationSec float64, timestamps []float64) ([]model.Keyframe, error) {
	sorted := append([]float64(nil), timestamps...)
	sort.Float64s(sorted)

	if err := os.MkdirAll(e.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}

	var kept []model.Keyframe
	var lastHash *goimagehash.ImageHash
	idx := 0

	for _, ts := range sorted {
		if ts < 0 {
			ts = 0
		}
		if ts >= durationSec {
			slog.Warn("frame timestamp beyond duration, skipping", "timestamp_sec", ts, "duration_sec", durationSec)
			continue
		}

		name := fmt.Sprintf("frame_%04d_t%.1fs.jpg", idx, ts)
		path := filepath.Join(e.outDir, name)

		if err := e.transcoder.ExtractFrame(ctx, sourcePath, ts, path); err != nil {
			return nil, fmt.Errorf("extract frame at %.3fs: %w", ts, err)
		}

		if e.dedup {
			skip, hash := shouldSkipDuplicate(path, lastHash)
			if skip {
				os.Remove(path)
				continue
			}
			if hash != nil {
				lastHash = hash
			}
		}

		kept = append(kept, model.Keyframe{TimestampSec: ts, Path: name})
		idx++
	}

	return kept, nil
}

// shouldSkipDuplicate decodes the frame at path and compares its
// perceptual hash to lastHash, returning whether to drop it and the
// frame's own hash (nil if decode/hash fails, in which case the frame is
// always kept).
func shouldSkipDuplicate(path string, lastHash *goimagehash.ImageHash) (bool, *goimagehash.ImageHash) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return false, nil
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return false, nil
	}
	if lastHash == nil {
		return false, hash
	}
	dist, err := lastHash.Distance(hash)
	if err != nil {
		return false, hash
	}
	if dist <= MaxHashDistance {
		return true, nil
	}
	return false, hash
}

// ParseTimestampFromFilename recovers the timestamp a frame filename
// encodes, for the round-trip property in spec §8 item 5.
func ParseTimestampFromFilename(name string) (float64, error) {
	var idx int
	var ts float64
	_, err := fmt.Sscanf(name, "frame_%04d_t%fs.jpg", &idx, &ts)
	if err != nil {
		return 0, fmt.Errorf("parse frame filename %q: %w", name, err)
	}
	return ts, nil
}
