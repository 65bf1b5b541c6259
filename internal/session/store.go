// Package session persists reactive workflow sessions in a project-local
// SQLite database.
package session

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/trunkline/pkg/models"
)

// ErrNotFound is returned when no session exists for the given id.
var ErrNotFound = errors.New("session not found")

// Store wraps the sessions database. Writes are serialized; WAL mode keeps
// reads concurrent.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DBPath returns the project-local sessions database path.
func DBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".pipeline", "sessions.db")
}

// Open opens (and migrates) the sessions database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Sessions},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	issue_number INTEGER NOT NULL DEFAULT 0,
	pr_number INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	ci_attempts INTEGER NOT NULL DEFAULT 0,
	review_attempts INTEGER NOT NULL DEFAULT 0,
	branch TEXT NOT NULL DEFAULT '',
	worktree_path TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_pr_number ON sessions(pr_number);
`

// Save inserts or replaces a session record.
func (s *Store) Save(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.conn.Exec(`
		INSERT INTO sessions
			(id, issue_number, pr_number, status, stage, ci_attempts, review_attempts,
			 branch, worktree_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			issue_number = excluded.issue_number,
			pr_number = excluded.pr_number,
			status = excluded.status,
			stage = excluded.stage,
			ci_attempts = excluded.ci_attempts,
			review_attempts = excluded.review_attempts,
			branch = excluded.branch,
			worktree_path = excluded.worktree_path,
			updated_at = excluded.updated_at
	`,
		session.ID, session.IssueNumber, session.PRNumber, string(session.Status),
		session.Stage, session.Attempts.CI, session.Attempts.Review,
		session.Branch, session.WorktreePath,
		formatTime(session.CreatedAt), formatTime(session.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// Get returns the session with the given id.
func (s *Store) Get(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanSession(s.conn.QueryRow(selectColumns+" WHERE id = ?", id))
}

// GetByPR returns the most recently updated session attached to a PR number.
func (s *Store) GetByPR(prNumber int) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanSession(s.conn.QueryRow(
		selectColumns+" WHERE pr_number = ? ORDER BY updated_at DESC LIMIT 1", prNumber))
}

// GetByBranch returns the most recently updated session for a branch.
func (s *Store) GetByBranch(branch string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanSession(s.conn.QueryRow(
		selectColumns+" WHERE branch = ? ORDER BY updated_at DESC LIMIT 1", branch))
}

// ListActive returns every session not in a terminal status.
func (s *Store) ListActive() ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(selectColumns + ` WHERE status NOT IN ('merged', 'failed', 'escalated')
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// SetStatus updates the lifecycle status and optional stage label.
func (s *Store) SetStatus(id string, status models.SessionStatus, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.Exec(`
		UPDATE sessions SET status = ?, stage = ?, updated_at = ? WHERE id = ?
	`, string(status), stage, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update session %s status: %w", id, err)
	}
	return oneRow(result, id)
}

// IncrementCIAttempts bumps the CI retry counter and returns the new value.
func (s *Store) IncrementCIAttempts(id string) (int, error) {
	return s.increment(id, "ci_attempts")
}

// IncrementReviewAttempts bumps the review retry counter and returns the
// new value.
func (s *Store) IncrementReviewAttempts(id string) (int, error) {
	return s.increment(id, "review_attempts")
}

func (s *Store) increment(id, column string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// column is one of two compile-time constants, never caller input.
	result, err := s.conn.Exec(
		"UPDATE sessions SET "+column+" = "+column+" + 1, updated_at = ? WHERE id = ?",
		formatTime(time.Now()), id)
	if err != nil {
		return 0, fmt.Errorf("increment %s for session %s: %w", column, id, err)
	}
	if err := oneRow(result, id); err != nil {
		return 0, err
	}

	var n int
	row := s.conn.QueryRow("SELECT "+column+" FROM sessions WHERE id = ?", id)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("read %s for session %s: %w", column, id, err)
	}
	return n, nil
}

// SetPRNumber attaches a pull request to the session.
func (s *Store) SetPRNumber(id string, prNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.Exec(`
		UPDATE sessions SET pr_number = ?, updated_at = ? WHERE id = ?
	`, prNumber, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set pr for session %s: %w", id, err)
	}
	return oneRow(result, id)
}

// PurgeTerminal deletes terminal sessions older than the cutoff. Returns the
// number of rows removed.
func (s *Store) PurgeTerminal(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.Exec(`
		DELETE FROM sessions
		WHERE status IN ('merged', 'failed', 'escalated') AND updated_at < ?
	`, formatTime(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("purge terminal sessions: %w", err)
	}
	return result.RowsAffected()
}

const selectColumns = `SELECT id, issue_number, pr_number, status, stage,
	ci_attempts, review_attempts, branch, worktree_path, created_at, updated_at
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session              models.Session
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&session.ID, &session.IssueNumber, &session.PRNumber, &status,
		&session.Stage, &session.Attempts.CI, &session.Attempts.Review,
		&session.Branch, &session.WorktreePath, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.Status = models.SessionStatus(status)
	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if session.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &session, nil
}

func oneRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
