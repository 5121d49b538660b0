// internal/repository/postgres/schema.go
package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		email         TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		space         TEXT NOT NULL,
		role          TEXT NOT NULL,
		department    TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (space, email)
	)`,
	`CREATE TABLE IF NOT EXISTS issues (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		description TEXT NOT NULL,
		category    TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'Pending',
		latitude    DOUBLE PRECISION,
		longitude   DOUBLE PRECISION,
		address     TEXT,
		reporter_id TEXT NOT NULL REFERENCES users(id),
		updated_by  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_category ON issues (category)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_reporter ON issues (reporter_id)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		user_id    TEXT,
		role       TEXT,
		department TEXT,
		type       TEXT NOT NULL,
		title      TEXT NOT NULL,
		message    TEXT NOT NULL,
		issue_id   TEXT,
		status     TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_role ON notifications (role, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_department ON notifications (department, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS notification_reads (
		notification_id TEXT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL,
		read_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (notification_id, user_id)
	)`,
}

// EnsureSchema creates missing tables and indexes. It is safe to run on
// every start.
func (db *DB) EnsureSchema(ctx context.Context) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin schema tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return tx.Commit(ctx)
}
