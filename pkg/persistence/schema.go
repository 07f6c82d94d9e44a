package persistence

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is bumped with any schema change.
const CurrentSchemaVersion = 1

// createSchema ensures the ledger schema exists at the current version.
// Idempotent and safe to call on every startup.
func createSchema(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", version, CurrentSchemaVersion)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id       TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			task_id      TEXT NOT NULL,
			assignee     TEXT NOT NULL,
			backend      TEXT NOT NULL,
			model        TEXT NOT NULL,
			status       TEXT NOT NULL,
			plan_summary TEXT,
			pr_url       TEXT,
			turns        INTEGER NOT NULL DEFAULT 0,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd     REAL NOT NULL DEFAULT 0,
			error        TEXT,
			started_at   TIMESTAMP NOT NULL,
			finished_at  TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,
		`CREATE TABLE IF NOT EXISTS escalations (
			id          TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL REFERENCES runs(run_id),
			task_id     TEXT NOT NULL,
			phase       TEXT NOT NULL,
			reason      TEXT NOT NULL,
			decision    TEXT,
			created_at  TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_task ON escalations(task_id)`,
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", CurrentSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return tx.Commit()
}

// schemaVersion reads the SQLite user_version pragma.
func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
