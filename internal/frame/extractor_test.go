package frame

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakeTranscoder struct {
	calls int
}

func (f *fakeTranscoder) ExtractFrame(ctx context.Context, sourcePath string, timestampSec float64, outPath string) error {
	f.calls++
	return os.WriteFile(outPath, []byte("not a real jpeg"), 0o644)
}

func TestExtractSkipsBeyondDuration(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTranscoder{}
	e := NewExtractor(ft, dir, false)

	frames, err := e.Extract(context.Background(), "src.mp4", 10.0, []float64{2, 5, 15})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2 (15s should be skipped)", len(frames))
	}
	if ft.calls != 2 {
		t.Errorf("ExtractFrame called %d times, want 2", ft.calls)
	}
}

func TestExtractSortsTimestamps(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTranscoder{}
	e := NewExtractor(ft, dir, false)

	frames, err := e.Extract(context.Background(), "src.mp4", 100.0, []float64{7, 1, 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].TimestampSec < frames[i-1].TimestampSec {
			t.Errorf("frames not sorted: %v", frames)
		}
	}
}

func TestFilenameTimestampRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTranscoder{}
	e := NewExtractor(ft, dir, false)

	frames, err := e.Extract(context.Background(), "src.mp4", 100.0, []float64{12.3})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}

	got, err := ParseTimestampFromFilename(filepath.Base(frames[0].Path))
	if err != nil {
		t.Fatal(err)
	}
	if diff := got - frames[0].TimestampSec; diff > 0.1 || diff < -0.1 {
		t.Errorf("round-trip timestamp = %f, want within 100ms of %f", got, frames[0].TimestampSec)
	}
}

func TestExtractClampsNegative(t *testing.T) {
	dir := t.TempDir()
	ft := &fakeTranscoder{}
	e := NewExtractor(ft, dir, false)

	frames, err := e.Extract(context.Background(), "src.mp4", 10.0, []float64{-3})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || frames[0].TimestampSec != 0 {
		t.Errorf("expected negative timestamp clamped to 0, got %+v", frames)
	}
}
