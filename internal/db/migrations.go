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

CREATE TABLE IF NOT EXISTS store_revisions (
	terminal_id TEXT PRIMARY KEY,
	revision INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS contingency_state (
	terminal_id TEXT PRIMARY KEY,
	mode TEXT NOT NULL CHECK(mode IN ('contingency')),
	activated_at_ms INTEGER NOT NULL,
	activated_at_display TEXT NOT NULL,
	window_kind TEXT NOT NULL CHECK(window_kind IN ('open_ended','ranged')),
	window_ms INTEGER NOT NULL DEFAULT 0,
	range_start_ms INTEGER,
	range_end_ms INTEGER,
	event_id INTEGER NOT NULL CHECK(event_id > 0),
	reason_code INTEGER NOT NULL,
	reason_description TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK(window_kind = 'open_ended' OR (range_start_ms IS NOT NULL AND range_end_ms IS NOT NULL AND range_end_ms > range_start_ms))
);

CREATE TABLE IF NOT EXISTS range_drafts (
	terminal_id TEXT PRIMARY KEY,
	classifier_code INTEGER NOT NULL,
	range_start_ms INTEGER NOT NULL,
	range_end_ms INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK(range_end_ms > range_start_ms)
);
`,
		DownSQL: `
DROP TABLE IF EXISTS range_drafts;
DROP TABLE IF EXISTS contingency_state;
DROP TABLE IF EXISTS store_revisions;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS invoices (
	invoice_id TEXT PRIMARY KEY,
	terminal_id TEXT NOT NULL,
	event_id INTEGER NOT NULL DEFAULT 0,
	number TEXT NOT NULL,
	total TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('online','offline','submitted')),
	manual INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL,
	submitted_at TEXT,
	UNIQUE(terminal_id, number)
);

CREATE INDEX IF NOT EXISTS invoices_terminal_status_event
ON invoices(terminal_id, status, event_id);

CREATE TABLE IF NOT EXISTS requests (
	terminal_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('activate','deactivate')),
	request_ref TEXT NOT NULL,
	result_code TEXT NOT NULL,
	error_code TEXT,
	state_json TEXT,
	requested_at TEXT NOT NULL,
	PRIMARY KEY(terminal_id, kind, request_ref)
);
`,
		DownSQL: `
DROP TABLE IF EXISTS requests;
DROP INDEX IF EXISTS invoices_terminal_status_event;
DROP TABLE IF EXISTS invoices;
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
		if err != nil && err != sql.ErrNoRows {
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
