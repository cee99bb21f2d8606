// Package session persists the authenticated platform session so the
// daemon and CLI stay logged in across restarts. It holds only the
// bearer token and the account name it belongs to; device state is
// never cached here.
package session

import (
	"database/sql"
	"fmt"
	"time"
)

// Store persists the current session in SQLite. A single row carries
// the whole session; logging in replaces it, logging out deletes it.
type Store struct {
	db *sql.DB
}

// NewStore creates a session store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate session: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			token      TEXT NOT NULL,
			username   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Save stores the session, replacing any previous one.
func (s *Store) Save(token, username string) error {
	_, err := s.db.Exec(
		`INSERT INTO session (id, token, username, updated_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET token = excluded.token, username = excluded.username,
		     updated_at = excluded.updated_at`,
		token, username, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Token returns the stored bearer token, or "" when no session exists.
func (s *Store) Token() (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM session WHERE id = 1`).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session token: %w", err)
	}
	return token, nil
}

// Username returns the account the session belongs to, or "" when no
// session exists.
func (s *Store) Username() (string, error) {
	var username string
	err := s.db.QueryRow(`SELECT username FROM session WHERE id = 1`).Scan(&username)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session username: %w", err)
	}
	return username, nil
}

// Clear deletes the stored session. Clearing an absent session is a
// no-op.
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM session WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
