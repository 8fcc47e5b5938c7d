package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied statement by statement on startup; every statement is
// idempotent.
var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS registration_stamp_seq`,
	`CREATE TABLE IF NOT EXISTS registrations (
		id                 UUID PRIMARY KEY,
		date               DATE NOT NULL,
		class_name         TEXT NOT NULL,
		meal_type          TEXT NOT NULL,
		count              INTEGER NOT NULL CHECK (count > 0),
		stamp              BIGINT NOT NULL DEFAULT nextval('registration_stamp_seq'),
		registered_by_id   TEXT NOT NULL DEFAULT '',
		registered_by_name TEXT NOT NULL DEFAULT '',
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (date, class_name, meal_type)
	)`,
	`CREATE INDEX IF NOT EXISTS registrations_date_id_idx ON registrations (date DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS registrations_class_idx ON registrations (class_name)`,
	`CREATE TABLE IF NOT EXISTS archived_registrations (
		id                 UUID PRIMARY KEY,
		date               DATE NOT NULL,
		class_name         TEXT NOT NULL,
		meal_type          TEXT NOT NULL,
		count              INTEGER NOT NULL,
		stamp              BIGINT NOT NULL,
		registered_by_id   TEXT NOT NULL DEFAULT '',
		registered_by_name TEXT NOT NULL DEFAULT '',
		updated_at         TIMESTAMPTZ NOT NULL,
		archived_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS archived_registrations_date_idx ON archived_registrations (date DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id                 UUID PRIMARY KEY,
		ts                 TIMESTAMPTZ NOT NULL,
		actor_id           TEXT NOT NULL,
		actor_display_name TEXT NOT NULL,
		action             TEXT NOT NULL,
		details            JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_ts_idx ON audit_logs (ts DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS classes (
		id            UUID PRIMARY KEY,
		name          TEXT NOT NULL,
		student_count INTEGER NOT NULL DEFAULT 0 CHECK (student_count >= 0),
		stamp         BIGINT NOT NULL DEFAULT nextval('registration_stamp_seq'),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS classes_name_lower_idx ON classes (lower(name))`,
	`CREATE TABLE IF NOT EXISTS users (
		id             UUID PRIMARY KEY,
		email          TEXT NOT NULL,
		display_name   TEXT NOT NULL,
		role           TEXT NOT NULL,
		assigned_class TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (lower(email))`,
}

// Migrate creates every table the service needs.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, Classify("migrate", err))
		}
	}
	return nil
}

// Tables lists the tables Migrate creates, children first.
func Tables() []string {
	return []string{"registrations", "archived_registrations", "audit_logs", "classes", "users"}
}
