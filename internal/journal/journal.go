// Package journal persists session history to SQLite for post-hoc audit.
// Recording is best-effort by contract: the pipeline never blocks or fails
// because the journal is unavailable.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/throw-if-null/crucible/internal/api"
	"github.com/throw-if-null/crucible/internal/paths"
)

var ErrNotFound = errors.New("not found")

type Journal struct {
	db   *sql.DB
	root string
	log  *zap.Logger
}

// Open opens (creating if needed) the journal database at path and runs
// migrations. When root is non-empty, attempt artifacts and session
// snapshots are additionally archived best-effort under
// root/.crucible/runs/.
func Open(path, root string, log *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite is single-writer; serialize access instead of surfacing
	// SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	j := New(db, log)
	j.root = root
	if err := j.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func New(db *sql.DB, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{db: db, log: log}
}

func (j *Journal) Close() error { return j.db.Close() }

// Init runs migrations using PRAGMA user_version.
func (j *Journal) Init() error {
	var ver int
	if err := j.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  description TEXT NOT NULL,
  state TEXT NOT NULL,
  current_stage TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS transitions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
  at TEXT NOT NULL,
  from_state TEXT NOT NULL,
  to_state TEXT NOT NULL,
  event TEXT NOT NULL,
  detail TEXT
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
  stage TEXT NOT NULL,
  attempt_num INTEGER NOT NULL,
  outcome TEXT NOT NULL,
  generation_error TEXT,
  diagnostics TEXT NOT NULL DEFAULT '[]',
  started_at TEXT NOT NULL,
  finished_at TEXT
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordSession upserts the session row from a snapshot.
func (j *Journal) RecordSession(snap api.SessionSnapshot) {
	err := j.withBusyRetry(func() error {
		_, err := j.db.Exec(`
INSERT INTO sessions (session_id, description, state, current_stage, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, current_stage = excluded.current_stage, updated_at = excluded.updated_at`,
			snap.ID, snap.Description, string(snap.State), snap.CurrentStage, snap.CreatedAt, snap.UpdatedAt)
		return err
	})
	if err != nil {
		j.log.Warn("journal: record session", zap.String("session", snap.ID), zap.Error(err))
	}
	j.archiveSnapshot(snap)
}

// RecordTransition appends one FSM transition.
func (j *Journal) RecordTransition(sessionID string, e api.AuditEntry) {
	err := j.withBusyRetry(func() error {
		_, err := j.db.Exec(
			`INSERT INTO transitions (session_id, at, from_state, to_state, event, detail) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, e.At, string(e.From), string(e.To), e.Event, e.Detail)
		return err
	})
	if err != nil {
		j.log.Warn("journal: record transition", zap.String("session", sessionID), zap.Error(err))
	}
}

// RecordAttempt appends one attempt with its diagnostics serialized as JSON.
func (j *Journal) RecordAttempt(sessionID, stage string, a api.Attempt) {
	diags, err := json.Marshal(a.Diagnostics)
	if err != nil {
		diags = []byte("[]")
	}
	err = j.withBusyRetry(func() error {
		_, err := j.db.Exec(
			`INSERT INTO attempts (session_id, stage, attempt_num, outcome, generation_error, diagnostics, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, stage, a.Number, string(a.Outcome), a.GenerationError, string(diags), a.StartedAt, a.FinishedAt)
		return err
	})
	if err != nil {
		j.log.Warn("journal: record attempt", zap.String("session", sessionID), zap.Error(err))
	}
	j.archiveAttempt(sessionID, stage, a)
}

// archiveSnapshot writes the latest snapshot to the session's run directory.
// Best-effort.
func (j *Journal) archiveSnapshot(snap api.SessionSnapshot) {
	if j.root == "" {
		return
	}
	dir, err := paths.RunDir(snap.ID)
	if err != nil {
		return
	}
	full := filepath.Join(j.root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(full, "session.json"), b, 0o644)
}

// archiveAttempt writes the attempt's artifact files and diagnostics under
// the attempt directory. Best-effort.
func (j *Journal) archiveAttempt(sessionID, stage string, a api.Attempt) {
	if j.root == "" {
		return
	}
	dir, err := paths.AttemptDir(sessionID, stage, a.Number)
	if err != nil {
		return
	}
	full := filepath.Join(j.root, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return
	}
	for name, content := range a.Artifact.Files {
		p, err := paths.SafeJoin(full, filepath.FromSlash(name))
		if err != nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			continue
		}
		_ = os.WriteFile(p, []byte(content), 0o644)
	}
	if len(a.Diagnostics) > 0 {
		if b, err := json.MarshalIndent(a.Diagnostics, "", "  "); err == nil {
			_ = os.WriteFile(filepath.Join(full, "diagnostics.json"), b, 0o644)
		}
	}
}

// Transitions returns the recorded transitions for a session in order.
func (j *Journal) Transitions(sessionID string) ([]api.AuditEntry, error) {
	rows, err := j.db.Query(
		`SELECT at, from_state, to_state, event, COALESCE(detail, '') FROM transitions WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.AuditEntry
	for rows.Next() {
		var e api.AuditEntry
		var from, to string
		if err := rows.Scan(&e.At, &from, &to, &e.Event, &e.Detail); err != nil {
			return nil, err
		}
		e.From, e.To = api.State(from), api.State(to)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordedAttempt is one attempt row as persisted.
type RecordedAttempt struct {
	Stage           string
	Number          int
	Outcome         string
	GenerationError string
	Diagnostics     []api.Diagnostic
	StartedAt       string
	FinishedAt      string
}

// Attempts returns the recorded attempts for a session in insertion order.
func (j *Journal) Attempts(sessionID string) ([]RecordedAttempt, error) {
	rows, err := j.db.Query(`
	SELECT stage, attempt_num, outcome, COALESCE(generation_error, ''), diagnostics, started_at, COALESCE(finished_at, '')
	FROM attempts
	WHERE session_id = ?
	ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordedAttempt
	for rows.Next() {
		var a RecordedAttempt
		var diags string
		if err := rows.Scan(&a.Stage, &a.Number, &a.Outcome, &a.GenerationError, &diags, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(diags), &a.Diagnostics); err != nil {
			a.Diagnostics = nil
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetSession returns the persisted session row.
func (j *Journal) GetSession(sessionID string) (api.SessionSnapshot, error) {
	row := j.db.QueryRow(
		`SELECT session_id, description, state, current_stage, created_at, updated_at FROM sessions WHERE session_id = ?`,
		sessionID)
	var snap api.SessionSnapshot
	var state string
	if err := row.Scan(&snap.ID, &snap.Description, &state, &snap.CurrentStage, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.SessionSnapshot{}, ErrNotFound
		}
		return api.SessionSnapshot{}, err
	}
	snap.State = api.State(state)
	return snap, nil
}

// withBusyRetry retries a write a few times on transient SQLITE_BUSY.
func (j *Journal) withBusyRetry(fn func() error) error {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isSqliteBusy(lastErr) {
			return lastErr
		}
		time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
	}
	return lastErr
}

func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "database is locked" || msg == "database is busy" || strings.Contains(msg, "SQLITE_BUSY")
}
