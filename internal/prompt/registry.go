// Package prompt loads and interpolates PromptRecords: the mode-keyed
// system instructions consumed by the relevance and generation stages.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vidpipe/pipeline/internal/model"
	"github.com/vidpipe/pipeline/internal/syncx"
)

// Registry holds the loaded set of PromptRecords, keyed by id.
// Reload() replaces the set atomically; readers that already obtained a
// record keep seeing it (records are immutable once loaded, so holding a
// stale pointer is always safe).
type Registry struct {
	records *syncx.RWGuard[map[string]*model.PromptRecord]
}

// NewRegistry returns an empty registry. Call Load before Get.
func NewRegistry() *Registry {
	return &Registry{records: syncx.NewGuard(map[string]*model.PromptRecord{})}
}

// promptFile is the on-disk shape from spec §6: id, name, description,
// model, system_instruction, output_format, guidelines.
type promptFile struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Model             string   `json:"model"`
	SystemInstruction string   `json:"system_instruction"`
	OutputFormat      string   `json:"output_format"`
	Guidelines        []string `json:"guidelines"`
	Department        string   `json:"department,omitempty"`
}

// Load reads every `*.json` prompt file in dir and replaces the loaded
// set atomically.
func (r *Registry) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read prompt dir: %w", err)
	}

	loaded := make(map[string]*model.PromptRecord, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read prompt file %s: %w", path, err)
		}
		var pf promptFile
		if err := json.Unmarshal(data, &pf); err != nil {
			return fmt.Errorf("parse prompt file %s: %w", path, err)
		}
		rec := &model.PromptRecord{
			ID:                pf.ID,
			DisplayName:       pf.Name,
			Description:       pf.Description,
			ModelPreference:   model.ModelPreference(pf.Model),
			SystemInstruction: pf.SystemInstruction,
			OutputFormat:      model.OutputFormat(pf.OutputFormat),
			Guidelines:        pf.Guidelines,
			Department:        pf.Department,
		}
		loaded[rec.ID] = rec
	}

	r.records.Set(loaded)
	return nil
}

// Reload is an alias for Load kept for symmetry with spec §4.8's naming;
// the underlying RWGuard swap is already copy-on-write.
func (r *Registry) Reload(dir string) error {
	return r.Load(dir)
}

// Get returns the PromptRecord for id, or false if unknown.
func (r *Registry) Get(id string) (*model.PromptRecord, bool) {
	rec, ok := r.records.Get()[id]
	return rec, ok
}

// placeholder matches `${name}` where name is alnum/underscore.
func interpolate(tpl string, vars map[string]string) string {
	var b strings.Builder
	i := 0
	for i < len(tpl) {
		start := strings.Index(tpl[i:], "${")
		if start < 0 {
			b.WriteString(tpl[i:])
			break
		}
		start += i
		b.WriteString(tpl[i:start])

		end := strings.IndexByte(tpl[start+2:], '}')
		if end < 0 {
			// No closing brace: stray "${" is preserved verbatim.
			b.WriteString(tpl[start:])
			break
		}
		end += start + 2

		name := tpl[start+2 : end]
		if isValidName(name) {
			b.WriteString(vars[name]) // missing names substitute to ""
		} else {
			// Not a well-formed placeholder: preserve verbatim.
			b.WriteString(tpl[start : end+1])
		}
		i = end + 1
	}
	return b.String()
}

func isValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

// Interpolate resolves every `${name}` placeholder in a record's
// SystemInstruction and Guidelines against vars, using safe substitution:
// missing names become empty strings, and malformed placeholders are
// preserved verbatim.
func Interpolate(rec *model.PromptRecord, vars map[string]string) (systemInstruction string, guidelines []string) {
	systemInstruction = interpolate(rec.SystemInstruction, vars)
	guidelines = make([]string, len(rec.Guidelines))
	for i, g := range rec.Guidelines {
		guidelines[i] = interpolate(g, vars)
	}
	return systemInstruction, guidelines
}
