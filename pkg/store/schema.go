package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schema is portable DDL shared by PostgreSQL and the SQLite lite mode.
// Uniqueness constraints are load-bearing: the confirmation and reservation
// primary keys are what serialize concurrent confirms and executes.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title TEXT,
		fields TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title TEXT,
		fields TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title TEXT,
		fields TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ideas (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title TEXT,
		fields TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS updates (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title TEXT,
		fields TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS meanings (
		id TEXT PRIMARY KEY,
		draft_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS draft_confirmations (
		workspace_id TEXT NOT NULL,
		draft_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		meaning_object_id TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		signature TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workspace_id, draft_id)
	)`,
	`CREATE TABLE IF NOT EXISTS draft_reservations (
		workspace_id TEXT NOT NULL,
		draft_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		draft_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		request_id TEXT,
		status TEXT NOT NULL,
		entities TEXT,
		audit_log_id TEXT,
		error TEXT,
		reserved_at TIMESTAMP NOT NULL,
		finalized_at TIMESTAMP,
		PRIMARY KEY (workspace_id, draft_id)
	)`,
	`CREATE TABLE IF NOT EXISTS request_dedupe (
		workspace_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		status INTEGER NOT NULL,
		body TEXT NOT NULL,
		cached_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workspace_id, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_policies (
		workspace_id TEXT PRIMARY KEY,
		require_owner_approval BOOLEAN NOT NULL DEFAULT FALSE,
		enabled_modules TEXT NOT NULL, -- JSON array of module names
		guard_expr TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS pending_approvals (
		id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		draft_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		request_id TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workspace_id, draft_id)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		request_id TEXT,
		entities TEXT,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_members (
		workspace_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (workspace_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS organization_members (
		organization_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (organization_id, user_id)
	)`,
}

// Migrate creates the gateway tables if missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// OpenSQLite opens the single-node lite-mode database and migrates it.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The lite-mode store shares one writer connection; SQLite serializes
	// writes anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
