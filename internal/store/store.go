// Package store persists session metadata and credentials in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// SessionRow is the persisted metadata for a session. PTY processes do not
// survive a server restart; live rows are swept to exited at startup.
type SessionRow struct {
	ID        string
	Name      string
	Kind      string
	CWD       string
	CreatedAt time.Time
	Exited    bool
	ExitCode  int
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			cwd TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			exited INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS server_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession inserts a new session row.
func (s *Store) SaveSession(row SessionRow) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, name, kind, cwd, created_at) VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.Name, row.Kind, row.CWD, row.CreatedAt.UTC(),
	)
	return err
}

// RenameSession updates the display name.
func (s *Store) RenameSession(id, name string) error {
	res, err := s.db.Exec(`UPDATE sessions SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkExited records the exit of a session's process.
func (s *Store) MarkExited(id string, exitCode int) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET exited = 1, exit_code = ? WHERE id = ?`, exitCode, id)
	return err
}

// SweepLive marks every non-exited row as exited. Called at startup: any PTY
// recorded as live belonged to a previous server process and is gone.
func (s *Store) SweepLive() (int64, error) {
	res, err := s.db.Exec(`UPDATE sessions SET exited = 1, exit_code = -1 WHERE exited = 0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListSessions returns all session rows, newest first.
func (s *Store) ListSessions() ([]SessionRow, error) {
	rows, err := s.db.Query(
		`SELECT id, name, kind, cwd, created_at, exited, exit_code
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Kind, &r.CWD, &r.CreatedAt, &r.Exited, &r.ExitCode); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateToken stores a credential hash under an opaque token ID.
func (s *Store) CreateToken(id, hash, label string) error {
	_, err := s.db.Exec(
		`INSERT INTO tokens (id, hash, label, created_at) VALUES (?, ?, ?, ?)`,
		id, hash, label, time.Now().UTC(),
	)
	return err
}

// TokenHash returns the stored hash and label for a token ID.
func (s *Store) TokenHash(id string) (hash, label string, err error) {
	err = s.db.QueryRow(`SELECT hash, label FROM tokens WHERE id = ?`, id).Scan(&hash, &label)
	return hash, label, err
}

// DeleteToken revokes a token.
func (s *Store) DeleteToken(id string) error {
	_, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, id)
	return err
}

// GetConfig reads a value from the server_config table ("" if absent).
func (s *Store) GetConfig(key string) (string, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM server_config WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return val, err
}

// SetConfig writes a value to the server_config table.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO server_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
