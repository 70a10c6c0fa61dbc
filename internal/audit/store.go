// Package audit persists the per-attempt records the UpstreamDispatcher
// emits to a local sqlite database.
//
// This is deliberately NOT the quota cache: the dispatcher's in-memory
// quota/cached-error state never touches this store, and nothing here
// is read back to influence account selection. It exists purely so an
// operator or the admin API can see request history across restarts,
// a standalone store rather than living inside the account package.
package audit

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one terminal dispatcher attempt.
type Record struct {
	ID         int64
	RequestID  string
	Method     string
	Group      string
	Model      string
	AccountKey string
	Attempt    int
	MaxAttempts int
	Status     int
	DurationMs int
	ErrorKind  string
	CreatedAt  time.Time
}

// Store wraps the sqlite-backed audit log.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the sqlite database at dbPath, migrating its
// schema if necessary.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT,
		method TEXT,
		quota_group TEXT,
		model TEXT,
		account_key TEXT,
		attempt INTEGER,
		max_attempts INTEGER,
		status INTEGER,
		duration_ms INTEGER,
		error_kind TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_model ON attempts(model);
	CREATE INDEX IF NOT EXISTS idx_attempts_account ON attempts(account_key);
	CREATE INDEX IF NOT EXISTS idx_attempts_created ON attempts(created_at);
	`)
	return err
}

// Log appends one attempt record.
func (s *Store) Log(r Record) error {
	_, err := s.db.Exec(`
		INSERT INTO attempts (request_id, method, quota_group, model, account_key, attempt, max_attempts, status, duration_ms, error_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RequestID, r.Method, r.Group, r.Model, r.AccountKey, r.Attempt, r.MaxAttempts, r.Status, r.DurationMs, r.ErrorKind)
	return err
}

// Recent returns the most recent attempt records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, request_id, method, quota_group, model, account_key, attempt, max_attempts, status, duration_ms, error_kind, created_at
		FROM attempts ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var errKind sql.NullString
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Method, &r.Group, &r.Model, &r.AccountKey,
			&r.Attempt, &r.MaxAttempts, &r.Status, &r.DurationMs, &errKind, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ErrorKind = errKind.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// ModelStats summarizes attempt counts and status codes per model.
type ModelStats struct {
	Model      string `json:"model"`
	Attempts   int    `json:"attempts"`
	Successes  int    `json:"successes"`
	RateLimits int    `json:"rate_limits"`
	Errors     int    `json:"errors"`
}

// StatsByModel aggregates attempts per model.
func (s *Store) StatsByModel() ([]ModelStats, error) {
	rows, err := s.db.Query(`
		SELECT model,
			COUNT(*),
			SUM(CASE WHEN status >= 200 AND status < 300 THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 429 THEN 1 ELSE 0 END),
			SUM(CASE WHEN status >= 400 AND status != 429 THEN 1 ELSE 0 END)
		FROM attempts GROUP BY model
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelStats
	for rows.Next() {
		var m ModelStats
		if err := rows.Scan(&m.Model, &m.Attempts, &m.Successes, &m.RateLimits, &m.Errors); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
