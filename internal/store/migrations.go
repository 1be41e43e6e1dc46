package store

import (
	"context"
	"fmt"
)

// migrations holds the numbered, forward-only schema migrations, applied
// in ascending order. Index i is schema version i+1. Each migration runs
// in its own transaction; PRAGMA user_version records the applied version.
var migrations = []string{
	// v1: initial schema.
	`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		graph_file TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		name TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		agent TEXT NOT NULL DEFAULT '',
		worker_id TEXT,
		worktree_path TEXT,
		worktree_cleaned_at TIMESTAMP,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		error TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, id)
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, task_id, depends_on_id),
		FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id),
		FOREIGN KEY (session_id, depends_on_id) REFERENCES tasks(session_id, id)
	);

	CREATE TABLE IF NOT EXISTS session_signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		signal TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		consumed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS execution_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		task_id TEXT,
		event TEXT NOT NULL,
		old_status TEXT,
		new_status TEXT,
		agent TEXT,
		data TEXT,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cost_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		task_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		billing_mode TEXT NOT NULL,
		tokens_input INTEGER NOT NULL DEFAULT 0,
		tokens_output INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		savings_usd REAL NOT NULL DEFAULT 0,
		recorded_at TIMESTAMP NOT NULL
	);
	`,
	// v2: query-path indexes.
	`
	CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_cost_entries_session_agent ON cost_entries(session_id, agent);
	CREATE INDEX IF NOT EXISTS idx_execution_log_session_ts ON execution_log(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_session_signals_pending ON session_signals(session_id, consumed_at);
	`,
}

// Migrate applies pending migrations in ascending order. Versions beyond
// the known set (a database written by a newer build) are left untouched.
func (s *Store) Migrate(ctx context.Context) error {
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		if err := s.applyMigration(ctx, version, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
	}

	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) applyMigration(ctx context.Context, version int, stmt string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		_ = tx.Rollback()
		return err
	}
	// PRAGMA does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
