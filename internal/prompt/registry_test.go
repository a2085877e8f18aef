package prompt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/vidpipe/pipeline/internal/model"
)

func writePromptFile(t *testing.T, dir, id string, pf promptFile) {
	pf.ID = id
	data, err := json.Marshal(pf)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writePromptFile(t, dir, "general_doc", promptFile{
		Name:              "General Doc",
		SystemInstruction: "Write docs for ${title} in ${language}.",
		OutputFormat:      "markdown",
		Guidelines:        []string{"Be concise"},
	})

	r := NewRegistry()
	if err := r.Load(dir); err != nil {
		t.Fatal(err)
	}

	rec, ok := r.Get("general_doc")
	if !ok {
		t.Fatal("expected general_doc to be loaded")
	}
	if rec.OutputFormat != model.OutputMarkdown {
		t.Errorf("OutputFormat = %v, want markdown", rec.OutputFormat)
	}

	_, ok = r.Get("missing")
	if ok {
		t.Error("expected missing prompt to be absent")
	}
}

func TestInterpolateNoPlaceholders(t *testing.T) {
	rec := &model.PromptRecord{SystemInstruction: "no placeholders here", Guidelines: []string{"plain"}}
	si, _ := Interpolate(rec, map[string]string{"title": "x"})
	if si != rec.SystemInstruction {
		t.Errorf("expected byte-identical output, got %q", si)
	}
}

func TestInterpolateDeclaredPlaceholders(t *testing.T) {
	rec := &model.PromptRecord{SystemInstruction: "Title: ${title}, Lang: ${language}"}
	si, _ := Interpolate(rec, map[string]string{"title": "Demo", "language": "en"})
	want := "Title: Demo, Lang: en"
	if si != want {
		t.Errorf("Interpolate = %q, want %q", si, want)
	}
}

func TestInterpolateMissingName(t *testing.T) {
	rec := &model.PromptRecord{SystemInstruction: "Hello ${missing}!"}
	si, _ := Interpolate(rec, map[string]string{})
	if si != "Hello !" {
		t.Errorf("Interpolate = %q, want %q", si, "Hello !")
	}
}

func TestInterpolateStrayBrace(t *testing.T) {
	rec := &model.PromptRecord{SystemInstruction: `Sample JSON: {"a": 1} and ${title}`}
	si, _ := Interpolate(rec, map[string]string{"title": "X"})
	want := `Sample JSON: {"a": 1} and X`
	if si != want {
		t.Errorf("Interpolate = %q, want %q", si, want)
	}
}

func TestInterpolateIdempotent(t *testing.T) {
	rec := &model.PromptRecord{SystemInstruction: "Title: ${title}"}
	vars := map[string]string{"title": "Demo"}
	si1, _ := Interpolate(rec, vars)

	rec2 := &model.PromptRecord{SystemInstruction: si1}
	si2, _ := Interpolate(rec2, vars)

	if si1 != si2 {
		t.Errorf("second interpolation changed output: %q vs %q", si1, si2)
	}
}
