// Package session is the sole authority for Session state: creation,
// lifecycle transitions, progress, and the zombie sweep that reclaims
// stuck sessions.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vidpipe/pipeline/internal/artifact"
	apperrors "github.com/vidpipe/pipeline/internal/errors"
	"github.com/vidpipe/pipeline/internal/model"
)

// entry is the per-session guarded state: one exclusive writer, many
// concurrent readers, plus a set-once cancel flag the Orchestrator polls
// at checkpoints.
type entry struct {
	mu        sync.RWMutex
	session   *model.Session
	cancelled atomic.Bool
}

// Manager is the SessionManager described in spec §4.2.
type Manager struct {
	store *artifact.Store
	index *Index

	mu      sync.Mutex // guards entries map membership only
	entries map[string]*entry

	staleSessionSec int
	sweepInterval   time.Duration
	stopSweep       chan struct{}
	sweepDone       chan struct{}
}

// Metadata supplies the caller-provided fields for Create.
type Metadata struct {
	Mode          string
	Title         string
	Language      string
	STTPreference model.STTPreference
	Source        model.Source
	ModeOptions   map[string]string
}

// NewManager wires a Manager against an ArtifactStore and its derived
// sqlite index, rebuilding the index from disk.
func NewManager(store *artifact.Store, index *Index, staleSessionSec int, sweepInterval time.Duration) (*Manager, error) {
	m := &Manager{
		store:           store,
		index:           index,
		entries:         make(map[string]*entry),
		staleSessionSec: staleSessionSec,
		sweepInterval:   sweepInterval,
		stopSweep:       make(chan struct{}),
		sweepDone:       make(chan struct{}),
	}
	if err := m.RebuildIndex(); err != nil {
		return nil, fmt.Errorf("rebuild session index: %w", err)
	}
	return m, nil
}

// RebuildIndex repopulates the derived sqlite index from every
// session.json on disk. The index is a cache, never a source of truth, so
// disagreement between it and disk is resolved by rebuilding here rather
// than reconciling row by row.
func (m *Manager) RebuildIndex() error {
	ids, err := m.store.SessionIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		s, err := m.loadFromDisk(id)
		if err != nil {
			slog.Warn("skipping session dir with unreadable session.json during index rebuild", "session_id", id, "error", err)
			continue
		}
		m.index.Upsert(s)
	}
	return nil
}

// Create registers a new draft session. id must be unused.
func (m *Manager) Create(id string, meta Metadata) (*model.Session, error) {
	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return nil, apperrors.Newf(apperrors.KindInputInvalid, "session id %q already in use", id)
	}
	now := time.Now()
	s := &model.Session{
		ID:            id,
		CreatedAt:     now,
		Mode:          meta.Mode,
		Title:         meta.Title,
		Language:      meta.Language,
		STTPreference: meta.STTPreference,
		Source:        meta.Source,
		ModeOptions:   meta.ModeOptions,
		Status:        model.StatusDraft,
		LastUpdated:   now,
	}
	e := &entry{session: s}
	m.entries[id] = e
	m.mu.Unlock()

	if err := m.persist(e); err != nil {
		return nil, err
	}
	m.index.Upsert(s)
	return s.Clone(), nil
}

// Claim transitions draft|queued → running. Idempotent within running.
func (m *Manager) Claim(id string) (*model.Session, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.session.Status {
	case model.StatusRunning:
		return e.session.Clone(), nil
	case model.StatusDraft, model.StatusQueued:
		e.session.Status = model.StatusRunning
		e.session.LastUpdated = time.Now()
	default:
		return nil, apperrors.Newf(apperrors.KindInternal, "cannot claim session %q in status %q", id, e.session.Status)
	}

	if err := m.persistLocked(e); err != nil {
		return nil, err
	}
	m.index.Upsert(e.session)
	return e.session.Clone(), nil
}

// UpdateProgress rejects non-monotone updates and advances last_updated.
// No-op once the session has reached a terminal status.
func (m *Manager) UpdateProgress(id, stageLabel string, progress int) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status.Terminal() {
		return apperrors.Newf(apperrors.KindInternal, "cannot update progress on terminal session %q", id)
	}
	if progress < e.session.Progress {
		return apperrors.Newf(apperrors.KindInternal, "non-monotone progress update for session %q: %d < %d", id, progress, e.session.Progress)
	}

	e.session.Progress = progress
	e.session.StageLabel = stageLabel
	e.session.LastUpdated = time.Now()

	if err := m.persistLocked(e); err != nil {
		return err
	}
	m.index.Upsert(e.session)
	return nil
}

// Complete marks a session completed with its final payload. No-op error
// once the session has already reached a terminal status — a run that
// finishes after a concurrent Cancel/Fail must not overwrite it.
func (m *Manager) Complete(id string, docPayload []byte, artifactPaths map[string]string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status.Terminal() {
		return apperrors.Newf(apperrors.KindInternal, "cannot complete terminal session %q in status %q", id, e.session.Status)
	}

	e.session.Status = model.StatusCompleted
	e.session.Progress = 100
	e.session.DocPayload = docPayload
	e.session.ArtifactPaths = artifactPaths
	e.session.LastUpdated = time.Now()

	if err := m.persistLocked(e); err != nil {
		return err
	}
	m.index.Upsert(e.session)
	return nil
}

// Fail marks a session terminally failed with the given error kind. No-op
// error once the session has already reached a terminal status — mirrors
// Complete's guard against overwriting a concurrent Cancel.
func (m *Manager) Fail(id string, kind apperrors.Kind, message string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status.Terminal() {
		return apperrors.Newf(apperrors.KindInternal, "cannot fail terminal session %q in status %q", id, e.session.Status)
	}

	e.session.Status = model.StatusFailed
	e.session.LastUpdated = time.Now()
	e.session.Error = &model.ErrorInfo{
		Kind:      string(kind),
		Message:   message,
		Stage:     e.session.StageLabel,
		SessionID: id,
	}

	if err := m.persistLocked(e); err != nil {
		return err
	}
	m.index.Upsert(e.session)
	return nil
}

// Cancel is allowed from queued or running; it sets the cancel flag the
// Orchestrator observes at its next checkpoint, and marks the session
// cancelled immediately (the Orchestrator's own run loop will stop
// shortly after and must not overwrite this terminal status).
func (m *Manager) Cancel(id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.session.Status {
	case model.StatusQueued, model.StatusRunning:
		e.cancelled.Store(true)
		e.session.Status = model.StatusCancelled
		e.session.LastUpdated = time.Now()
		if err := m.persistLocked(e); err != nil {
			return err
		}
		m.index.Upsert(e.session)
		return nil
	default:
		return apperrors.Newf(apperrors.KindInternal, "cannot cancel session %q in status %q", id, e.session.Status)
	}
}

// IsCancelled reports whether a cancel has been requested for id. The
// Orchestrator polls this at every checkpoint per spec §5.
func (m *Manager) IsCancelled(id string) bool {
	e, err := m.entry(id)
	if err != nil {
		return false
	}
	return e.cancelled.Load()
}

// Get returns a copy of the current session record.
func (m *Manager) Get(id string) (*model.Session, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.Clone(), nil
}

// Filter narrows List to sessions matching a non-empty field.
type Filter struct {
	Status model.Status
	Mode   string
}

// List returns summaries from the derived index.
func (m *Manager) List(filter Filter) ([]*model.Session, error) {
	return m.index.List(filter)
}

// GetActive returns the most recently active non-terminal session, if
// any.
func (m *Manager) GetActive() (*model.Session, error) {
	return m.index.GetActive()
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		// Fall back to disk: session.json in the session's artifact-store
		// directory is the source of truth; the index is not consulted.
		loaded, err := m.loadFromDisk(id)
		if err != nil {
			return nil, apperrors.Newf(apperrors.KindInputInvalid, "unknown session %q", id)
		}
		m.mu.Lock()
		if existing, ok := m.entries[id]; ok {
			m.mu.Unlock()
			return existing, nil
		}
		e = &entry{session: loaded}
		m.entries[id] = e
		m.mu.Unlock()
	}
	return e, nil
}

func (m *Manager) loadFromDisk(id string) (*model.Session, error) {
	dir, err := m.store.Root(id)
	if err != nil {
		return nil, err
	}
	data, err := m.store.Get(dir, "session.json")
	if err != nil {
		return nil, err
	}
	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session.json: %w", err)
	}
	return &s, nil
}

func (m *Manager) persist(e *entry) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return m.persistLocked(e)
}

// persistLocked assumes e.mu is already held (read or write) by the
// caller.
func (m *Manager) persistLocked(e *entry) error {
	dir, err := m.store.Root(e.session.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(e.session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if _, err := m.store.Put(dir, "session.json", data); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// StartSweeper launches the zombie sweep: a periodic task that promotes
// any running session whose last_updated is older than staleSessionSec
// to failed(StaleTimeout).
func (m *Manager) StartSweeper() {
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopSweep:
				return
			case <-ticker.C:
				m.sweepOnce()
			}
		}
	}()
}

// StopSweeper halts the zombie sweep and waits for it to exit.
func (m *Manager) StopSweeper() {
	close(m.stopSweep)
	<-m.sweepDone
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	threshold := time.Duration(m.staleSessionSec) * time.Second
	for _, id := range ids {
		e, err := m.entry(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if e.session.Status == model.StatusRunning && time.Since(e.session.LastUpdated) > threshold {
			e.cancelled.Store(true)
			e.session.Status = model.StatusFailed
			e.session.LastUpdated = time.Now()
			e.session.Error = &model.ErrorInfo{
				Kind:      string(apperrors.KindStaleTimeout),
				Message:   "zombie sweep: session exceeded stale threshold",
				Stage:     e.session.StageLabel,
				SessionID: id,
			}
			if err := m.persistLocked(e); err != nil {
				slog.Error("zombie sweep persist failed", "session_id", id, "error", err)
			}
			m.index.Upsert(e.session)
			slog.Warn("zombie sweep reclaimed session", "session_id", id)
		}
		e.mu.Unlock()
	}
}
