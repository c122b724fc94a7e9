package tracing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// schema creates the trace tables. Foreign keys mirror the ingestor's stage
// graph: spans reference traces and their parent span, events reference
// both.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS traces (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL,
		request_id  TEXT,
		status      TEXT NOT NULL DEFAULT 'running',
		input       JSONB,
		tags        TEXT[] NOT NULL DEFAULT '{}',
		started_at  TIMESTAMPTZ,
		ended_at    TIMESTAMPTZ,
		duration_ms BIGINT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS traces_project_request_idx ON traces (project_id, request_id)`,
	`CREATE TABLE IF NOT EXISTS spans (
		id             TEXT PRIMARY KEY,
		trace_id       TEXT NOT NULL REFERENCES traces (id) ON DELETE CASCADE,
		parent_span_id TEXT REFERENCES spans (id) ON DELETE CASCADE,
		kind           TEXT NOT NULL,
		name           TEXT NOT NULL,
		platform       TEXT,
		attempt        INTEGER NOT NULL DEFAULT 1,
		max_attempts   INTEGER,
		attrs          JSONB,
		status         TEXT NOT NULL DEFAULT 'running',
		started_at     TIMESTAMPTZ NOT NULL,
		ended_at       TIMESTAMPTZ,
		duration_ms    BIGINT,
		error          JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS spans_trace_idx ON spans (trace_id)`,
	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		trace_id   TEXT NOT NULL REFERENCES traces (id) ON DELETE CASCADE,
		span_id    TEXT REFERENCES spans (id) ON DELETE CASCADE,
		ts         TIMESTAMPTZ NOT NULL,
		level      TEXT NOT NULL,
		name       TEXT NOT NULL,
		data       JSONB,
		emitter_id TEXT NOT NULL,
		seq        BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_trace_idx ON events (trace_id, ts, id)`,
	`CREATE INDEX IF NOT EXISTS events_name_idx ON events (name)`,
}

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the trace tables and indexes if they do not exist.
func Migrate(ctx context.Context, db Execer) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("tracing: migrate statement %d: %w", i+1, err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("Trace schema migrated")
	return nil
}
