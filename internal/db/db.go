// Package db opens the planrunner run journal, a SQLite database that keeps
// the history of runs, review cycles, fixes, escalations and decisions.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/marcus/planrunner/internal/config"
	"github.com/marcus/planrunner/internal/logging"
)

// JournalFile is the journal's file name inside the data directory.
const JournalFile = "planrunner.db"

// journalPragmas are applied on open. The daemon and an interactive decide
// can touch the journal at the same time, so writers wait instead of failing,
// and deleting a run removes its cycles and fixes.
var journalPragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA foreign_keys=ON;",
}

// DB is an open run journal.
type DB struct {
	sql  *sql.DB
	path string
}

// DefaultPath returns the journal path used when storage.db_path is unset.
func DefaultPath() string {
	return filepath.Join(config.DataDir(), JournalFile)
}

// Open opens the journal at path, creating it and its directory if needed,
// and brings the schema up to date. An empty path means DefaultPath.
func Open(path string) (*DB, error) {
	if path == "" {
		path = DefaultPath()
	}
	path = logging.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	// Pragmas are per connection.
	conn.SetMaxOpenConns(1)

	if err := prepare(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("journal %s: %w", path, err)
	}
	return &DB{sql: conn, path: path}, nil
}

func prepare(conn *sql.DB) error {
	if err := conn.Ping(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	for _, pragma := range journalPragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("setting %q: %w", pragma, err)
		}
	}
	return Migrate(conn)
}

// Close closes the journal. It is safe on a nil DB.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// SQL returns the connection the journal queries run on.
func (d *DB) SQL() *sql.DB {
	if d == nil {
		return nil
	}
	return d.sql
}

// Path returns the expanded journal path.
func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}
