// Package store provides SQLite-based persistence for execproofd:
// the checksum registry, challenge and session records, and
// verification receipts.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with registry, challenges, and sessions",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add receipts table for verification receipts",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS registry_entries (
    name           TEXT NOT NULL,
    version        TEXT NOT NULL,
    path           TEXT NOT NULL,
    algorithm      TEXT NOT NULL,
    checksum       BLOB NOT NULL,
    registered_at  INTEGER NOT NULL,
    PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS challenges (
    id           TEXT PRIMARY KEY,
    nonce        BLOB NOT NULL,
    binary_key   TEXT NOT NULL,
    state        TEXT NOT NULL,
    issued_at    INTEGER NOT NULL,
    expires_at   INTEGER NOT NULL,
    consumed_at  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_challenges_state ON challenges(state, expires_at);

CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    challenge_id  TEXT NOT NULL REFERENCES challenges(id),
    binary_key    TEXT NOT NULL,
    status        TEXT NOT NULL,
    commitment    BLOB,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    expires_at    INTEGER NOT NULL,
    result_stage  TEXT,
    reason        TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_sessions_binary ON sessions(binary_key, created_at);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_sessions_binary;
DROP INDEX IF EXISTS idx_sessions_status;
DROP TABLE IF EXISTS sessions;
DROP INDEX IF EXISTS idx_challenges_state;
DROP TABLE IF EXISTS challenges;
DROP TABLE IF EXISTS registry_entries;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS receipts (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL REFERENCES sessions(id),
    accepted    INTEGER NOT NULL,
    stage       TEXT,
    reason      TEXT,
    packet      BLOB,
    signature   BLOB,
    public_key  BLOB,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_session ON receipts(session_id);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_receipts_session;
DROP TABLE IF EXISTS receipts;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var target *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			target = &migrations[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("unknown migration version %d", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin rollback transaction: %w", err)
	}

	if _, err := tx.Exec(target.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", target.Version, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", target.Version); err != nil {
		tx.Rollback()
		return fmt.Errorf("unrecord migration %d: %w", target.Version, err)
	}

	return tx.Commit()
}

// MigrationStatus summarizes applied migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        int
}

// GetMigrationStatus reports the database's migration state.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return nil, fmt.Errorf("get current version: %w", err)
	}

	latest := 0
	if len(migrations) > 0 {
		latest = migrations[len(migrations)-1].Version
	}

	return &MigrationStatus{
		CurrentVersion: currentVersion,
		LatestVersion:  latest,
		Pending:        latest - currentVersion,
	}, nil
}
