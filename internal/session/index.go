package session

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vidpipe/pipeline/internal/model"
)

// Index is a derived, rebuildable sqlite cache of session summaries used
// for List/GetActive without scanning every session.json on disk. It is
// never a second source of truth for status/progress: on disagreement
// with disk, it gets rebuilt, never migrated.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the sqlite index at path. Pass
// ":memory:" for an ephemeral index rebuilt fully on every startup.
func OpenIndex(path string) (*Index, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping session index: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL,
		stage_label TEXT NOT NULL,
		created_at REAL NOT NULL,
		last_updated REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_updated ON sessions(last_updated);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session index schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the index's database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Upsert writes or replaces a session's summary row. Failures are
// discarded, never fatal: the index is a cache, not a durable store.
func (idx *Index) Upsert(s *model.Session) {
	_, _ = idx.db.Exec(`
		INSERT INTO sessions (id, mode, status, progress, stage_label, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode=excluded.mode, status=excluded.status, progress=excluded.progress,
			stage_label=excluded.stage_label, last_updated=excluded.last_updated
	`, s.ID, s.Mode, string(s.Status), s.Progress, s.StageLabel,
		float64(s.CreatedAt.UnixNano())/1e9, float64(s.LastUpdated.UnixNano())/1e9)
}

// Remove deletes a session's row from the index.
func (idx *Index) Remove(id string) {
	_, _ = idx.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
}

// scanSummary reads one row holding the subset of Session fields the
// index can answer List and GetActive queries from, without touching disk.
func scanSummary(rows *sql.Rows) (*model.Session, error) {
	var s model.Session
	var status string
	var createdAt, lastUpdated float64
	if err := rows.Scan(&s.ID, &s.Mode, &status, &s.Progress, &s.StageLabel, &createdAt, &lastUpdated); err != nil {
		return nil, err
	}
	s.Status = model.Status(status)
	s.CreatedAt = timeFromUnix(createdAt)
	s.LastUpdated = timeFromUnix(lastUpdated)
	return &s, nil
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// List returns summary rows matching a non-empty filter field, newest
// first.
func (idx *Index) List(filter Filter) ([]*model.Session, error) {
	query := `SELECT id, mode, status, progress, stage_label, created_at, last_updated FROM sessions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, filter.Mode)
	}
	query += ` ORDER BY last_updated DESC`

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query session index: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetActive returns the most recently active non-terminal session.
func (idx *Index) GetActive() (*model.Session, error) {
	rows, err := idx.db.Query(`
		SELECT id, mode, status, progress, stage_label, created_at, last_updated
		FROM sessions
		WHERE status IN ('queued', 'running')
		ORDER BY last_updated DESC
		LIMIT 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	return scanSummary(rows)
}
