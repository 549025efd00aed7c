// Package store persists local client state between runs: the saved
// username and the pending session used for crash/reload rejoin.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// SavedUsername returns the last username the user entered, if any.
func (s *Store) SavedUsername() (string, error) {
	var name string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = 'username'").Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read username: %w", err)
	}
	return name, nil
}

// SaveUsername remembers the username for the next run.
func (s *Store) SaveUsername(name string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES ('username', ?)
		ON CONFLICT(key) DO UPDATE SET value = ?`, name, name)
	if err != nil {
		return fmt.Errorf("save username: %w", err)
	}
	return nil
}

// PendingSession is the session to rejoin after a restart.
type PendingSession struct {
	RoomCode string
	Username string
	TempDir  string
	FromJoin bool
}

// PendingSession returns the stored rejoin state, if any.
func (s *Store) PendingSession() (*PendingSession, error) {
	var p PendingSession
	err := s.db.QueryRow(
		"SELECT room_code, username, temp_dir, from_join FROM pending_session WHERE id = 1").
		Scan(&p.RoomCode, &p.Username, &p.TempDir, &p.FromJoin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending session: %w", err)
	}
	return &p, nil
}

// SetPendingSession stores the rejoin state for the current session.
func (s *Store) SetPendingSession(p PendingSession) error {
	_, err := s.db.Exec(`INSERT INTO pending_session (id, room_code, username, temp_dir, from_join)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET room_code = ?, username = ?, temp_dir = ?, from_join = ?`,
		p.RoomCode, p.Username, p.TempDir, p.FromJoin,
		p.RoomCode, p.Username, p.TempDir, p.FromJoin)
	if err != nil {
		return fmt.Errorf("set pending session: %w", err)
	}
	return nil
}

// ClearPendingSession removes the rejoin state after a clean shutdown.
func (s *Store) ClearPendingSession() error {
	_, err := s.db.Exec("DELETE FROM pending_session WHERE id = 1")
	if err != nil {
		return fmt.Errorf("clear pending session: %w", err)
	}
	return nil
}
