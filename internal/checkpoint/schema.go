// Package checkpoint persists engagement snapshots as signed SQLite files.
//
// A checkpoint is written to a temp file, its SHA-256 is computed with the
// signature field zeroed, the signature is patched in, and the file is
// atomically renamed into place. Load refuses files that fail the integrity
// check or whose scope file has changed since the checkpoint was taken.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SchemaVersion is bumped whenever the table set changes shape.
const SchemaVersion = "2.0.0"

var schemaStatements = []string{
	`PRAGMA foreign_keys = ON`,
	`CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS engagements (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		scope_hash TEXT NOT NULL,
		state      TEXT NOT NULL DEFAULT 'INITIALIZING',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id         TEXT PRIMARY KEY,
		engagement_id    TEXT NOT NULL REFERENCES engagements(id) ON DELETE CASCADE,
		agent_type       TEXT NOT NULL,
		state_json       TEXT NOT NULL,
		last_action_id   TEXT,
		decision_context TEXT,
		updated_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_engagement ON agents(engagement_id)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(agent_type)`,
	`CREATE TABLE IF NOT EXISTS findings (
		finding_id    TEXT PRIMARY KEY,
		engagement_id TEXT NOT NULL REFERENCES engagements(id) ON DELETE CASCADE,
		agent_id      TEXT REFERENCES agents(agent_id) ON DELETE SET NULL,
		finding_json  TEXT NOT NULL,
		timestamp     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_engagement ON findings(engagement_id)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_agent ON findings(agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_findings_timestamp ON findings(timestamp)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		engagement_id   TEXT NOT NULL REFERENCES engagements(id) ON DELETE CASCADE,
		checkpoint_path TEXT NOT NULL,
		signature       TEXT NOT NULL,
		created_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_engagement ON checkpoints(engagement_id)`,
	`CREATE TABLE IF NOT EXISTS audit (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		engagement_id TEXT NOT NULL REFERENCES engagements(id) ON DELETE CASCADE,
		event_type    TEXT NOT NULL,
		event_data    TEXT,
		actor         TEXT NOT NULL,
		timestamp     TEXT NOT NULL,
		signature     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_engagement_ts ON audit(engagement_id, timestamp)`,
}

// initSchema creates every table and index on a fresh database.
func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
