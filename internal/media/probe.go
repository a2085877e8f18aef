// Package media shells out to ffprobe/ffmpeg for the MediaProbe and
// Transcoder capabilities.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/vidpipe/pipeline/internal/capability"
)

// Probe runs ffprobe and reports duration, dimensions, and whether an
// audio stream is present.
type Probe struct {
	FfprobePath string
}

// NewProbe returns a Probe shelling out to the given ffprobe binary.
func NewProbe(ffprobePath string) *Probe {
	return &Probe{FfprobePath: ffprobePath}
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe implements capability.MediaProbe.
func (p *Probe) Probe(ctx context.Context, sourcePath string) (capability.ProbeResult, error) {
	cmd := exec.CommandContext(ctx, p.FfprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		sourcePath,
	)
	out, err := cmd.Output()
	if err != nil {
		return capability.ProbeResult{}, fmt.Errorf("ffprobe: %w", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return capability.ProbeResult{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return capability.ProbeResult{}, fmt.Errorf("parse duration: %w", err)
	}

	var result capability.ProbeResult
	result.DurationSec = duration
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if result.Width == 0 {
				result.Width = s.Width
				result.Height = s.Height
			}
		case "audio":
			result.AudioPresent = true
		}
	}
	return result, nil
}
