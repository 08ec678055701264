// Package state provides durable SQLite-backed storage for orchestration
// history: recipe task runs and archived terminal sessions. Live session
// state never touches the database; only finished work is recorded here.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store wraps the history database.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens or creates the database at path. An empty path defaults to
// ~/.config/memini/history.db.
func Open(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		path = filepath.Join(home, ".config", "memini", "history.db")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Migrate creates the schema when missing.
func (s *Store) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recipe TEXT NOT NULL,
			session_id INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_runs_recipe ON task_runs(recipe, started_at DESC);

		CREATE TABLE IF NOT EXISTS session_archive (
			session_id INTEGER PRIMARY KEY,
			origin TEXT NOT NULL,
			recipe TEXT NOT NULL DEFAULT '',
			group_key TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			state TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			failure TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			archived_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// TaskRun is one recorded recipe execution, including skips.
type TaskRun struct {
	ID         int64      `json:"id"`
	Recipe     string     `json:"recipe"`
	SessionID  int        `json:"session_id,omitempty"`
	Status     string     `json:"status"` // ok, failed, skipped
	Detail     string     `json:"detail,omitempty"`
	Result     string     `json:"result,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RecordTaskRun inserts a run and returns its row id.
func (s *Store) RecordTaskRun(run *TaskRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO task_runs (recipe, session_id, status, detail, result, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.Recipe, run.SessionID, run.Status, run.Detail, run.Result, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("record task run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record task run: %w", err)
	}
	return id, nil
}

// FinishTaskRun sets the outcome of a previously recorded run.
func (s *Store) FinishTaskRun(id int64, status, detail, result string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE task_runs SET status = ?, detail = ?, result = ?, finished_at = ?
		WHERE id = ?`,
		status, detail, result, finishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("finish task run: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task run not found: %d", id)
	}
	return nil
}

// TaskRuns returns the most recent runs for a recipe, newest first. An empty
// recipe matches all recipes.
func (s *Store) TaskRuns(recipe string, limit int) ([]TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var rows *sql.Rows
	var err error
	if recipe == "" {
		rows, err = s.db.Query(`
			SELECT id, recipe, session_id, status, detail, result, started_at, finished_at
			FROM task_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, recipe, session_id, status, detail, result, started_at, finished_at
			FROM task_runs WHERE recipe = ? ORDER BY started_at DESC, id DESC LIMIT ?`, recipe, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		var run TaskRun
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Recipe, &run.SessionID, &run.Status, &run.Detail, &run.Result, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PruneTaskRuns keeps at most keep rows per recipe, dropping the oldest.
func (s *Store) PruneTaskRuns(recipe string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep <= 0 {
		keep = 20
	}
	_, err := s.db.Exec(`
		DELETE FROM task_runs WHERE recipe = ? AND id NOT IN (
			SELECT id FROM task_runs WHERE recipe = ? ORDER BY started_at DESC, id DESC LIMIT ?
		)`, recipe, recipe, keep)
	if err != nil {
		return fmt.Errorf("prune task runs: %w", err)
	}
	return nil
}

// ArchivedSession is a terminal session kept for later inspection.
type ArchivedSession struct {
	SessionID  int       `json:"session_id"`
	Origin     string    `json:"origin"`
	Recipe     string    `json:"recipe,omitempty"`
	GroupKey   string    `json:"group_key,omitempty"`
	Prompt     string    `json:"prompt"`
	State      string    `json:"state"`
	Result     string    `json:"result,omitempty"`
	Failure    string    `json:"failure,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ArchivedAt time.Time `json:"archived_at"`
}

// ArchiveSession upserts one terminal session record.
func (s *Store) ArchiveSession(a *ArchivedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO session_archive (session_id, origin, recipe, group_key, prompt, state, result, failure, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			failure = excluded.failure,
			archived_at = excluded.archived_at`,
		a.SessionID, a.Origin, a.Recipe, a.GroupKey, a.Prompt, a.State, a.Result, a.Failure, a.CreatedAt, a.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// ArchivedSessions lists archived sessions, newest first.
func (s *Store) ArchivedSessions(limit int) ([]ArchivedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT session_id, origin, recipe, group_key, prompt, state, result, failure, created_at, archived_at
		FROM session_archive ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived sessions: %w", err)
	}
	defer rows.Close()

	var out []ArchivedSession
	for rows.Next() {
		var a ArchivedSession
		if err := rows.Scan(&a.SessionID, &a.Origin, &a.Recipe, &a.GroupKey, &a.Prompt, &a.State, &a.Result, &a.Failure, &a.CreatedAt, &a.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan archived session: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
