package session

import (
	"testing"
	"time"

	"github.com/vidpipe/pipeline/internal/artifact"
	apperrors "github.com/vidpipe/pipeline/internal/errors"
	"github.com/vidpipe/pipeline/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	idx, err := OpenIndex(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	m, err := NewManager(store, idx, 600, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create("sess-1", Metadata{Mode: "general_doc", Title: "Demo"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != model.StatusDraft {
		t.Errorf("Status = %v, want draft", s.Status)
	}

	got, err := m.Get("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Demo" {
		t.Errorf("Title = %q, want Demo", got.Title)
	}
}

func TestCreateDuplicateID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("dup", Metadata{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("dup", Metadata{}); err == nil {
		t.Error("expected error creating duplicate session id")
	}
}

func TestClaimIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	m.Create("sess-2", Metadata{})

	if _, err := m.Claim("sess-2"); err != nil {
		t.Fatal(err)
	}
	s, err := m.Claim("sess-2")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != model.StatusRunning {
		t.Errorf("Status = %v, want running", s.Status)
	}
}

func TestUpdateProgressMonotone(t *testing.T) {
	m := newTestManager(t)
	m.Create("sess-3", Metadata{})
	m.Claim("sess-3")

	if err := m.UpdateProgress("sess-3", "probe", 5); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateProgress("sess-3", "proxy", 15); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateProgress("sess-3", "probe", 5); err == nil {
		t.Error("expected non-monotone update to be rejected")
	}
}

func TestUpdateProgressRejectedAfterTerminal(t *testing.T) {
	m := newTestManager(t)
	m.Create("sess-4", Metadata{})
	m.Claim("sess-4")
	if err := m.Complete("sess-4", []byte("# doc"), nil); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateProgress("sess-4", "x", 50); err == nil {
		t.Error("expected UpdateProgress to fail after terminal status")
	}
}

func TestCompleteSetsProgress100(t *testing.T) {
	m := newTestManager(t)
	m.Create("sess-5", Metadata{})
	m.Claim("sess-5")
	if err := m.Complete("sess-5", []byte("# doc"), map[string]string{"doc": "doc.md"}); err != nil {
		t.Fatal(err)
	}
	s, _ := m.Get("sess-5")
	if s.Status != model.StatusCompleted || s.Progress != 100 {
		t.Errorf("got status=%v progress=%d, want completed/100", s.Status, s.Progress)
	}
}

func TestFailSetsErrorInfo(t *testing.T) {
	m := newTestManager(t)
	m.Create("sess-6", Metadata{})
	m.Claim("sess-6")
	if err := m.Fail("sess-6", apperrors.KindInputTooLarge, "too long"); err != nil {
		t.Fatal(err)
	}
	s, _ := m.Get("sess-6")
	if s.Status != model.StatusFailed {
		t.Errorf("Status = %v, want failed", s.Status)
	}
	if s.Error == nil || s.Error.Kind != string(apperrors.KindInputTooLarge) {
		t.Errorf("Error = %+v, want kind InputTooLarge", s.Error)
	}
}

func TestCancelSetsFlagAndStatus(t *testing.T) {
	m := newTestManager(t)
	m.Create("sess-7", Metadata{})
	m.Claim("sess-7")
	if err := m.Cancel("sess-7"); err != nil {
		t.Fatal(err)
	}
	if !m.IsCancelled("sess-7") {
		t.Error("expected IsCancelled to be true")
	}
	s, _ := m.Get("sess-7")
	if s.Status != model.StatusCancelled {
		t.Errorf("Status = %v, want cancelled", s.Status)
	}
}

func TestListByStatus(t *testing.T) {
	m := newTestManager(t)
	m.Create("a", Metadata{Mode: "general_doc"})
	m.Create("b", Metadata{Mode: "general_doc"})
	m.Claim("b")

	running, err := m.List(Filter{Status: model.StatusRunning})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].ID != "b" {
		t.Errorf("List(running) = %+v, want [b]", running)
	}
}

func TestGetActive(t *testing.T) {
	m := newTestManager(t)
	m.Create("a", Metadata{})
	m.Claim("a")

	active, err := m.GetActive()
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != "a" {
		t.Errorf("GetActive = %+v, want a", active)
	}
}

func TestGetUnknownSession(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get("nope"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestCompleteDoesNotOverwriteCancelled(t *testing.T) {
	m := newTestManager(t)
	m.Create("sess-8", Metadata{})
	m.Claim("sess-8")
	if err := m.Cancel("sess-8"); err != nil {
		t.Fatal(err)
	}
	if err := m.Complete("sess-8", []byte("# doc"), nil); err == nil {
		t.Error("expected Complete to reject an already-cancelled session")
	}
	s, _ := m.Get("sess-8")
	if s.Status != model.StatusCancelled {
		t.Errorf("Status = %v, want cancelled (unchanged)", s.Status)
	}
}

func TestFailDoesNotOverwriteCompleted(t *testing.T) {
	m := newTestManager(t)
	m.Create("sess-9", Metadata{})
	m.Claim("sess-9")
	if err := m.Complete("sess-9", []byte("# doc"), nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Fail("sess-9", apperrors.KindInternal, "too late"); err == nil {
		t.Error("expected Fail to reject an already-completed session")
	}
	s, _ := m.Get("sess-9")
	if s.Status != model.StatusCompleted {
		t.Errorf("Status = %v, want completed (unchanged)", s.Status)
	}
}

func TestNewManagerRebuildsIndexFromDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := artifact.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := OpenIndex(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	m, err := NewManager(store, idx, 600, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("sess-disk", Metadata{Mode: "general_doc"}); err != nil {
		t.Fatal(err)
	}

	// A fresh Manager/Index pair over the same on-disk store should recover
	// the session into the index without ever going through Create again.
	// Every ":memory:" index shares one database while any of them is open,
	// so close the first one before opening the fresh one.
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}
	idx2, err := OpenIndex(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer idx2.Close()
	m2, err := NewManager(store, idx2, 600, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := m2.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range rows {
		if r.ID == "sess-disk" {
			found = true
		}
	}
	if !found {
		t.Errorf("List after rebuild = %+v, want sess-disk present", rows)
	}
}
