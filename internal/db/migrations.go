package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	tag TEXT NOT NULL,
	machine_id TEXT,
	metadata TEXT,
	metadata_version INTEGER NOT NULL DEFAULT 1 CHECK(metadata_version >= 1),
	agent_state TEXT,
	agent_state_version INTEGER NOT NULL DEFAULT 1 CHECK(agent_state_version >= 1),
	seq INTEGER NOT NULL DEFAULT 0,
	last_alive_at TEXT,
	thinking INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(namespace, tag)
);

CREATE INDEX IF NOT EXISTS sessions_namespace ON sessions(namespace, updated_at);

CREATE TABLE IF NOT EXISTS machines (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	metadata TEXT,
	metadata_version INTEGER NOT NULL DEFAULT 1 CHECK(metadata_version >= 1),
	runner_state TEXT,
	runner_state_version INTEGER NOT NULL DEFAULT 1 CHECK(runner_state_version >= 1),
	last_alive_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS machines_namespace ON machines(namespace);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL CHECK(seq >= 1),
	local_id TEXT,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(session_id, seq),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_local_id
ON messages(session_id, local_id)
WHERE local_id IS NOT NULL;
`,
		DownSQL: `
DROP TABLE IF EXISTS messages;
DROP TABLE IF EXISTS machines;
DROP TABLE IF EXISTS sessions;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE sessions ADD COLUMN sort_order TEXT CHECK(sort_order IS NULL OR length(sort_order) BETWEEN 1 AND 50);
ALTER TABLE sessions ADD COLUMN todos TEXT;
ALTER TABLE sessions ADD COLUMN todos_updated_at TEXT;
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
	{
		Version: 3,
		UpSQL: `
CREATE TABLE IF NOT EXISTS session_beads (
	session_id TEXT NOT NULL,
	bead_id TEXT NOT NULL,
	linked_at TEXT NOT NULL,
	PRIMARY KEY(session_id, bead_id),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS session_snapshots (
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	saved_at TEXT NOT NULL,
	PRIMARY KEY(session_id, kind),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
`,
		DownSQL: `
DROP TABLE IF EXISTS session_snapshots;
DROP TABLE IF EXISTS session_beads;
`,
	},
	{
		Version: 4,
		UpSQL: `
ALTER TABLE sessions ADD COLUMN permission_mode TEXT;
ALTER TABLE sessions ADD COLUMN model_mode TEXT;
`,
		DownSQL: `
SELECT 1;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
