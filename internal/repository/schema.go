package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		device_id TEXT        NOT NULL,
		metric    TEXT        NOT NULL,
		value     DOUBLE PRECISION NOT NULL,
		tags      JSONB,
		ts        TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (device_id, metric, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS readings_ts_idx ON readings (ts)`,
	`CREATE TABLE IF NOT EXISTS automation_rules (
		id               TEXT PRIMARY KEY,
		site_id          TEXT NOT NULL DEFAULT '',
		name             TEXT NOT NULL,
		trigger          JSONB NOT NULL,
		conditions       JSONB,
		actions          JSONB NOT NULL,
		priority         INT NOT NULL DEFAULT 0,
		cooldown_seconds INT NOT NULL DEFAULT 0,
		enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		last_triggered   TIMESTAMPTZ,
		trigger_count    INT NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS automation_events (
		id                 TEXT PRIMARY KEY,
		rule_id            TEXT NOT NULL,
		condition_snapshot JSONB,
		action_payload     JSONB,
		success            BOOLEAN NOT NULL,
		error              TEXT NOT NULL DEFAULT '',
		ts                 TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS automation_events_rule_idx ON automation_events (rule_id, ts DESC)`,
}

// EnsureSchema creates the tables and indexes if they do not exist yet,
// so a fresh database needs no separate migration step.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
