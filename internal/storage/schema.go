package storage

import (
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	// This allows future schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the initial agents and endpoints tables.
//
// Invariants enforced at the schema level:
//   - one endpoint per (agent, transport kind): UNIQUE(agent_id, kind),
//     so re-pairing updates in place instead of duplicating
//   - endpoints never outlive their agent: ON DELETE CASCADE
func (s *SQLiteStore) migrateToV1() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			stable_id TEXT,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'disconnected',
			preferred_kind TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			session_started_at TEXT,
			supports_resume INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_stable_id ON agents(stable_id);

		CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			url TEXT NOT NULL,
			priority INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			last_connected_at TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(agent_id, kind)
		);

		CREATE INDEX IF NOT EXISTS idx_endpoints_agent ON endpoints(agent_id);
	`

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		1, time.Now().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}
