// Package store provides SQLite-backed persistence for build sessions and the
// cache index.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/ninjateam/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the ninjateam SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		summary TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		number INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS exclusions (
		session_id TEXT NOT NULL,
		host TEXT NOT NULL,
		reason TEXT NOT NULL,
		at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT PRIMARY KEY,
		artifact_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		compression TEXT NOT NULL,
		last_access DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS discovered_deps (
		base TEXT PRIMARY KEY,
		deps TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_unit ON attempts(session_id, unit_id);
	CREATE INDEX IF NOT EXISTS idx_exclusions_session ON exclusions(session_id);
	CREATE INDEX IF NOT EXISTS idx_cache_last_access ON cache_entries(last_access);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Session Operations ---

// CreateSession inserts a new running session.
func (s *Store) CreateSession(id string, mode models.BuildMode) (*models.Session, error) {
	sess := &models.Session{
		ID:        id,
		Mode:      mode,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, mode, status, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Mode, sess.Status, sess.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// UpdateSessionMode records a mode transition.
func (s *Store) UpdateSessionMode(id string, mode models.BuildMode) error {
	_, err := s.db.Exec(`UPDATE sessions SET mode = ? WHERE id = ?`, mode, id)
	return err
}

// FinishSession marks a session terminal.
func (s *Store) FinishSession(id, status, summary string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, summary = ?, ended_at = ? WHERE id = ?`,
		status, summary, time.Now().UTC(), id,
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*models.Session, error) {
	sess := &models.Session{}
	var summary sql.NullString
	var endedAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT id, mode, status, summary, started_at, ended_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Mode, &sess.Status, &summary, &sess.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if summary.Valid {
		sess.Summary = summary.String
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, mode, status, summary, started_at, ended_at FROM sessions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		var summary sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.Mode, &sess.Status, &summary, &sess.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if summary.Valid {
			sess.Summary = summary.String
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Attempt Operations ---

// RecordAttempt inserts a finished attempt. An empty ID is assigned.
func (s *Store) RecordAttempt(a *models.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.db.Exec(
		`INSERT INTO attempts (id, session_id, unit_id, agent, number, outcome, exit_code, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.UnitID, a.Agent, a.Number, a.Outcome, a.ExitCode, a.Error, a.StartedAt.UTC(), a.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListAttempts returns all attempts of a session in start order.
func (s *Store) ListAttempts(sessionID string) ([]models.Attempt, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, unit_id, agent, number, outcome, exit_code, error, started_at, ended_at
		 FROM attempts WHERE session_id = ? ORDER BY started_at, number`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var errText sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &a.UnitID, &a.Agent, &a.Number, &a.Outcome, &a.ExitCode, &errText, &a.StartedAt, &a.EndedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if errText.Valid {
			a.Error = errText.String
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Exclusion Operations ---

// RecordExclusion stores why a host left the session.
func (s *Store) RecordExclusion(sessionID, host, reason string) error {
	_, err := s.db.Exec(
		`INSERT INTO exclusions (session_id, host, reason, at) VALUES (?, ?, ?, ?)`,
		sessionID, host, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert exclusion: %w", err)
	}
	return nil
}

// ListExclusions returns the excluded hosts of a session.
func (s *Store) ListExclusions(sessionID string) ([]models.Exclusion, error) {
	rows, err := s.db.Query(
		`SELECT session_id, host, reason, at FROM exclusions WHERE session_id = ? ORDER BY at, rowid`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query exclusions: %w", err)
	}
	defer rows.Close()

	var out []models.Exclusion
	for rows.Next() {
		var e models.Exclusion
		if err := rows.Scan(&e.SessionID, &e.Host, &e.Reason, &e.At); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Decision Operations ---

// WriteDecision writes a policy decision record.
func (s *Store) WriteDecision(sessionID, action, inputsHash, outcome, details string) (*models.DecisionRecord, error) {
	rec := &models.DecisionRecord{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO decisions (id, session_id, action, inputs_hash, outcome, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Action, rec.InputsHash, rec.Outcome, rec.Details, rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}
	return rec, nil
}

// ListDecisions returns the decisions of a session in order.
func (s *Store) ListDecisions(sessionID string) ([]models.DecisionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, action, inputs_hash, outcome, details, timestamp FROM decisions WHERE session_id = ? ORDER BY timestamp, rowid`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.DecisionRecord
	for rows.Next() {
		var d models.DecisionRecord
		var sid, details sql.NullString
		if err := rows.Scan(&d.ID, &sid, &d.Action, &d.InputsHash, &d.Outcome, &details, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.SessionID = sid.String
		d.Details = details.String
		out = append(out, d)
	}
	return out, rows.Err()
}
