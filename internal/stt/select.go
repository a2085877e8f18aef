package stt

import (
	"context"

	"github.com/vidpipe/pipeline/internal/model"
)

// Adapter is the narrow surface the selection policy needs; both
// FastAdapter and AccurateAdapter satisfy it.
type Adapter interface {
	Transcribe(ctx context.Context, audioPath, languageHint string) ([]model.TranscriptSegment, error)
	Available() bool
	Name() string
}

// AutoThresholdSec is the audio duration at or below which "auto" prefers the
// local adapter outright.
const AutoThresholdSec = 5 * 60

// Select runs the STT selection policy from spec §4.3 and returns the
// segments plus which adapter actually produced them ("local", "remote",
// or "" if both failed).
func Select(ctx context.Context, pref model.STTPreference, local, remote Adapter, audioPath, languageHint string, audioDurationSec float64) ([]model.TranscriptSegment, string) {
	switch pref {
	case model.STTFast:
		if segs, ok := tryAdapter(ctx, local, audioPath, languageHint); ok {
			return segs, "local"
		}
		if segs, ok := tryAdapter(ctx, remote, audioPath, languageHint); ok {
			return segs, "remote"
		}
		return nil, ""

	case model.STTAccurate:
		if segs, ok := tryAdapter(ctx, remote, audioPath, languageHint); ok {
			return segs, "remote"
		}
		if segs, ok := tryAdapter(ctx, local, audioPath, languageHint); ok {
			return segs, "local"
		}
		return nil, ""

	default: // auto
		preferLocal := audioDurationSec <= AutoThresholdSec || available(local)
		first, second := local, remote
		firstName, secondName := "local", "remote"
		if !preferLocal {
			first, second = remote, local
			firstName, secondName = "remote", "local"
		}
		if segs, ok := tryAdapter(ctx, first, audioPath, languageHint); ok {
			return segs, firstName
		}
		if segs, ok := tryAdapter(ctx, second, audioPath, languageHint); ok {
			return segs, secondName
		}
		return nil, ""
	}
}

func tryAdapter(ctx context.Context, a Adapter, audioPath, languageHint string) ([]model.TranscriptSegment, bool) {
	if !available(a) {
		return nil, false
	}
	segs, err := a.Transcribe(ctx, audioPath, languageHint)
	if err != nil {
		return nil, false
	}
	return segs, true
}

// available reports whether a is a usable adapter. a may be a nil
// interface in a partial deployment (e.g. FAST_STT_ENABLED=false), so this
// must run before any method call on a.
func available(a Adapter) bool {
	return a != nil && a.Available()
}
