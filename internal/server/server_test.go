package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vidpipe/pipeline/internal/artifact"
	"github.com/vidpipe/pipeline/internal/capability"
	"github.com/vidpipe/pipeline/internal/config"
	"github.com/vidpipe/pipeline/internal/model"
	"github.com/vidpipe/pipeline/internal/orchestrator"
	"github.com/vidpipe/pipeline/internal/session"
)

// stubProbe always fails, so a submitted session's background run dies
// quickly at stage 1 without needing ffmpeg on the test machine.
type stubProbe struct{}

func (stubProbe) Probe(context.Context, string) (capability.ProbeResult, error) {
	return capability.ProbeResult{}, errStub
}

var errStub = &stubError{"stub probe failure"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

type stubTranscoder struct{}

func (stubTranscoder) BuildProxy(context.Context, string, int, int, string) error { return errStub }
func (stubTranscoder) ExtractAudio(context.Context, string, string) error         { return errStub }
func (stubTranscoder) ExtractFrame(context.Context, string, float64, string) error {
	return errStub
}
func (stubTranscoder) CutClip(context.Context, string, float64, float64, string, string) error {
	return errStub
}

type stubSTT struct{}

func (stubSTT) Transcribe(context.Context, string, string) ([]model.TranscriptSegment, error) {
	return nil, errStub
}
func (stubSTT) Available() bool { return false }
func (stubSTT) Name() string    { return "stub" }

type stubRelevance struct{}

func (stubRelevance) Analyze(context.Context, []model.TranscriptSegment, []string, *model.PromptRecord, float64) ([]model.RelevantMoment, error) {
	return nil, errStub
}

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, string, string, []model.Keyframe, []model.TranscriptSegment, model.OutputFormat) ([]byte, error) {
	return nil, errStub
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	idx, err := session.OpenIndex(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	mgr, err := session.NewManager(store, idx, 600, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	orch := orchestrator.New(cfg, mgr, store, nil, stubProbe{}, stubTranscoder{}, stubSTT{}, stubSTT{}, stubRelevance{}, stubGenerator{})
	return New(mgr, orch, store)
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
}

func TestSubmitAndGetStatus(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	body, _ := json.Marshal(submitRequest{
		Mode:   "general_doc",
		Title:  "Demo",
		Source: model.Source{Kind: "local", Path: "/tmp/does-not-exist.mp4"},
	})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want %d, body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	id := resp["session_id"]
	if id == "" {
		t.Fatal("expected non-empty session_id")
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/sessions/"+id, http.NoBody)
	statusRec := httptest.NewRecorder()
	handler.ServeHTTP(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", statusRec.Code, http.StatusOK)
	}
}

func TestSubmitRejectsMissingFields(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	body, _ := json.Marshal(submitRequest{})
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetStatusUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/sessions/nope", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCancelUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/sessions/nope/cancel", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

// TestGetResultServesMarkdownPayload guards against doc_payload being
// declared json.RawMessage: a markdown/SRT doc (the common case for
// general_doc/bug_report/feature_spec/subtitle_extractor) isn't valid JSON
// and must still round-trip as a plain string.
func TestGetResultServesMarkdownPayload(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Handler()

	if _, err := srv.sessions.Create("sess-md", session.Metadata{
		Mode:   "general_doc",
		Source: model.Source{Kind: "local", Path: "/tmp/does-not-exist.mp4"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.sessions.Claim("sess-md"); err != nil {
		t.Fatal(err)
	}
	doc := []byte("# Demo Doc\n\nSome markdown body, not JSON.")
	if err := srv.sessions.Complete("sess-md", doc, nil); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-md/result", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp resultResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode result response: %v, body=%s", err, rec.Body.String())
	}
	if resp.DocPayload != string(doc) {
		t.Errorf("DocPayload = %q, want %q", resp.DocPayload, string(doc))
	}
}
