package stt

import (
	"sort"

	"github.com/vidpipe/pipeline/internal/model"
)

// Normalize enforces TranscriptSegment's invariants regardless of what an
// adapter handed back: sorted by start, identical-text adjacent segments
// merged, overlaps split at their midpoint.
func Normalize(segs []model.TranscriptSegment) []model.TranscriptSegment {
	if len(segs) == 0 {
		return segs
	}

	sorted := append([]model.TranscriptSegment(nil), segs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartSec < sorted[j].StartSec })

	out := make([]model.TranscriptSegment, 0, len(sorted))
	out = append(out, sorted[0])

	for _, s := range sorted[1:] {
		last := &out[len(out)-1]

		if s.Text == last.Text {
			if s.EndSec > last.EndSec {
				last.EndSec = s.EndSec
			}
			continue
		}

		if s.StartSec < last.EndSec {
			mid := (last.EndSec + s.StartSec) / 2
			if mid < s.StartSec {
				mid = s.StartSec
			}
			last.EndSec = mid
			s.StartSec = mid
		}

		if s.EndSec <= s.StartSec {
			s.EndSec = s.StartSec + 0.001
		}

		out = append(out, s)
	}

	return out
}
