// Package store persists settings, auth tokens and the telemetry buffer
// in a SQLite database. All writes funnel through a single writer
// goroutine; reads snapshot directly.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/m4xw311/qagent/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS auth_tokens (
	provider   TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS telemetry (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event      TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

type writeOp struct {
	query string
	args  []any
	done  chan error
}

// Store wraps the database with a single-writer queue.
type Store struct {
	db     *sql.DB
	writes chan writeOp
	closed chan struct{}
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create database directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open database %q", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "could not initialize database schema")
	}
	s := &Store{
		db:     db,
		writes: make(chan writeOp, 64),
		closed: make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	for op := range s.writes {
		_, err := s.db.Exec(op.query, op.args...)
		if op.done != nil {
			op.done <- err
		}
	}
	close(s.closed)
}

// write enqueues a statement and waits for the writer to apply it.
func (s *Store) write(query string, args ...any) error {
	done := make(chan error, 1)
	s.writes <- writeOp{query: query, args: args, done: done}
	return <-done
}

// Close drains the write queue and closes the database.
func (s *Store) Close() error {
	close(s.writes)
	<-s.closed
	return s.db.Close()
}

// GetSetting returns the stored value, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "could not read setting %q", key)
	}
	return value, nil
}

// SetSetting stores a key/value pair.
func (s *Store) SetSetting(key, value string) error {
	return s.write(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
}

// AllSettings snapshots the settings table.
func (s *Store) AllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read settings")
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SaveToken stores a credential for a provider.
func (s *Store) SaveToken(provider, token string) error {
	return s.write(`INSERT INTO auth_tokens (provider, token, created_at) VALUES (?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET token = excluded.token, created_at = excluded.created_at`,
		provider, token, time.Now().UTC())
}

// GetToken returns the stored credential, or "" when absent.
func (s *Store) GetToken(provider string) (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM auth_tokens WHERE provider = ?`, provider).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "could not read token for %q", provider)
	}
	return token, nil
}

// DeleteToken removes a stored credential.
func (s *Store) DeleteToken(provider string) error {
	return s.write(`DELETE FROM auth_tokens WHERE provider = ?`, provider)
}

// AppendTelemetry buffers one telemetry event.
func (s *Store) AppendTelemetry(event, payload string) error {
	return s.write(`INSERT INTO telemetry (event, payload, created_at) VALUES (?, ?, ?)`,
		event, payload, time.Now().UTC())
}

// AppendHistory records a named conversation snapshot reference.
func (s *Store) AppendHistory(name, payload string) error {
	return s.write(`INSERT INTO history (name, payload, created_at) VALUES (?, ?, ?)`,
		name, payload, time.Now().UTC())
}
