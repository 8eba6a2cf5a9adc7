package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus/planrunner/internal/logging"
)

// Migration represents a single schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "initial journal: runs, review_cycles, fix_attempts",
		SQL:         migration001SQL,
	},
	{
		Version:     2,
		Description: "add escalations and decisions",
		SQL:         migration002SQL,
	},
	{
		Version:     3,
		Description: "add status_changes for task and milestone transitions",
		SQL:         migration003SQL,
	},
}

const migration001SQL = `
CREATE TABLE runs (
    id          TEXT PRIMARY KEY,
    plan_ref    TEXT NOT NULL,
    mode        TEXT NOT NULL,
    granularity TEXT NOT NULL,
    started_at  DATETIME NOT NULL,
    ended_at    DATETIME,
    status      TEXT NOT NULL,
    summary     TEXT,
    error       TEXT
);

CREATE TABLE review_cycles (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    target      TEXT NOT NULL,
    cycle       INTEGER NOT NULL,
    clean       INTEGER NOT NULL,
    issues      TEXT NOT NULL,
    evidence    TEXT,
    recorded_at DATETIME NOT NULL
);

CREATE TABLE fix_attempts (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    target      TEXT NOT NULL,
    cycle       INTEGER NOT NULL,
    issues      INTEGER NOT NULL,
    summary     TEXT,
    commit_id   TEXT,
    error       TEXT,
    recorded_at DATETIME NOT NULL
);

CREATE INDEX idx_runs_started ON runs(started_at DESC);
CREATE INDEX idx_review_cycles_run ON review_cycles(run_id, target, cycle);
CREATE INDEX idx_fix_attempts_run ON fix_attempts(run_id, target, cycle);
`

const migration002SQL = `
CREATE TABLE escalations (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    target     TEXT NOT NULL,
    reason     TEXT NOT NULL,
    cycles     INTEGER NOT NULL,
    report     TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE decisions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT,
    plan_ref   TEXT NOT NULL,
    target     TEXT NOT NULL,
    decision   TEXT NOT NULL,
    source     TEXT NOT NULL,
    note       TEXT,
    decided_at DATETIME NOT NULL
);

CREATE INDEX idx_escalations_run ON escalations(run_id);
CREATE INDEX idx_decisions_target ON decisions(plan_ref, target);
`

const migration003SQL = `
CREATE TABLE status_changes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    target     TEXT NOT NULL,
    status     TEXT NOT NULL,
    detail     TEXT,
    changed_at DATETIME NOT NULL
);

CREATE INDEX idx_status_changes_run ON status_changes(run_id, changed_at);
`

// Migrate runs all pending migrations inside transactions.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	currentVersion, err := CurrentVersion(db)
	if err != nil {
		return err
	}

	logger := logging.Component("db")
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(migration.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, migration.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", migration.Version, err)
		}

		logger.InfoCtx("applied migration", map[string]any{
			"version":     migration.Version,
			"description": migration.Description,
		})
		currentVersion = migration.Version
	}

	return nil
}

// CurrentVersion returns the current schema version (0 if no migrations applied).
func CurrentVersion(db *sql.DB) (int, error) {
	if db == nil {
		return 0, errors.New("db is nil")
	}

	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema_version: %w", err)
	}
	return version, nil
}
