package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently at startup. users and care_relationships are
// owned by the main platform; they are declared here so the service can run
// against an empty database in development.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id      UUID PRIMARY KEY,
		display_name STRING NOT NULL,
		email        STRING NOT NULL DEFAULT '',
		role         STRING NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS care_relationships (
		patient_id UUID NOT NULL REFERENCES users (user_id),
		doctor_id  UUID NOT NULL REFERENCES users (user_id),
		status     STRING NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (patient_id, doctor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id          UUID PRIMARY KEY,
		session_id       STRING NOT NULL UNIQUE,
		initiator_id     UUID NOT NULL,
		initiator_name   STRING NOT NULL DEFAULT '',
		responder_id     UUID NOT NULL,
		status           STRING NOT NULL,
		started_at       TIMESTAMPTZ NOT NULL,
		answered_at      TIMESTAMPTZ,
		ended_at         TIMESTAMPTZ,
		duration_seconds INT,
		CONSTRAINT calls_status_check CHECK (status IN ('ringing', 'active', 'rejected', 'missed', 'ended'))
	)`,
	`CREATE INDEX IF NOT EXISTS calls_responder_status_idx ON calls (responder_id, status, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS calls_initiator_idx ON calls (initiator_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS call_signals (
		id             INT8 PRIMARY KEY DEFAULT unique_rowid(),
		session_id     STRING NOT NULL REFERENCES calls (session_id) ON DELETE CASCADE,
		sender_id      UUID NOT NULL,
		recipient_role STRING NOT NULL,
		payload        JSONB NOT NULL,
		delivered      BOOL NOT NULL DEFAULT false,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS call_signals_pending_idx ON call_signals (session_id, recipient_role, delivered, created_at, id)`,
}

// EnsureSchema creates the tables the call service depends on
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
