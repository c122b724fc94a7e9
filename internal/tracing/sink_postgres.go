package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const upsertTraceSQL = `
INSERT INTO traces (id, project_id, request_id, status, input, tags, started_at, ended_at, duration_ms)
VALUES ($1, $2, NULLIF($3, ''), $4, $5::jsonb, COALESCE($6::text[], '{}'), $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	project_id  = COALESCE(NULLIF(EXCLUDED.project_id, ''), traces.project_id),
	request_id  = COALESCE(EXCLUDED.request_id, traces.request_id),
	status      = CASE WHEN EXCLUDED.status = 'running' AND traces.status <> 'running'
	                   THEN traces.status ELSE EXCLUDED.status END,
	input       = COALESCE(EXCLUDED.input, traces.input),
	tags        = CASE WHEN cardinality(EXCLUDED.tags) > 0 THEN EXCLUDED.tags ELSE traces.tags END,
	started_at  = COALESCE(EXCLUDED.started_at, traces.started_at),
	ended_at    = COALESCE(EXCLUDED.ended_at, traces.ended_at),
	duration_ms = COALESCE(EXCLUDED.duration_ms, traces.duration_ms),
	updated_at  = now()`

const insertSpanSQL = `
INSERT INTO spans (id, trace_id, parent_span_id, kind, name, platform, attempt, max_attempts, attrs, status, started_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, NULLIF($8, 0), $9::jsonb, $10, $11)
ON CONFLICT (id) DO NOTHING`

// A span end only applies to a running span so a replayed end record cannot
// overwrite the first terminal status.
const endSpanSQL = `
UPDATE spans SET
	status      = $2,
	ended_at    = $3,
	duration_ms = $4,
	error       = $5::jsonb,
	attrs       = COALESCE(attrs, '{}'::jsonb) || COALESCE($6::jsonb, '{}'::jsonb)
WHERE id = $1 AND status = 'running'`

var eventColumns = []string{"id", "trace_id", "span_id", "ts", "level", "name", "data", "emitter_id", "seq"}

// PostgresSink writes batches to Postgres, one transaction per batch.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink returns a sink writing through pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) Write(ctx context.Context, stage Stage, batch []Record) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tracing: begin %s tx: %w", stage, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if stage == StageEvents {
		rows, err := eventRows(batch)
		if err != nil {
			return err
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"events"}, eventColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("tracing: copy events: %w", err)
		}
	} else {
		b := &pgx.Batch{}
		for _, rec := range batch {
			if err := queueRecord(b, rec); err != nil {
				return err
			}
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("tracing: write %s: %w", stage, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tracing: commit %s: %w", stage, err)
	}
	return nil
}

func queueRecord(b *pgx.Batch, rec Record) error {
	switch r := rec.(type) {
	case TraceRecord:
		b.Queue(upsertTraceSQL,
			r.TraceID, r.ProjectID, r.RequestID, string(r.Status), nullRaw(r.Input), nullTags(r.Tags),
			nullTime(r.StartedAt), nullTime(r.EndedAt), nullDuration(r))
	case SpanRecord:
		attrs, err := nullJSON(r.Attrs)
		if err != nil {
			return err
		}
		b.Queue(insertSpanSQL,
			r.ID, r.TraceID, r.ParentID, string(r.Kind), r.Name, r.Platform,
			r.Attempt, r.MaxAttempts, attrs, string(r.Status), r.StartedAt)
	case SpanEndRecord:
		attrs, err := nullJSON(r.Attrs)
		if err != nil {
			return err
		}
		detail, err := nullJSON(r.Error)
		if err != nil {
			return err
		}
		b.Queue(endSpanSQL, r.SpanID, string(r.Status), r.EndedAt, r.DurationMs, detail, attrs)
	default:
		return fmt.Errorf("tracing: unexpected record %T", rec)
	}
	return nil
}

func eventRows(batch []Record) ([][]any, error) {
	rows := make([][]any, 0, len(batch))
	for _, rec := range batch {
		e, ok := rec.(EventRecord)
		if !ok {
			return nil, fmt.Errorf("tracing: unexpected record %T in events stage", rec)
		}
		var spanID any
		if e.SpanID != "" {
			spanID = e.SpanID
		}
		var data any
		if len(e.Data) > 0 {
			data = e.Data
		}
		rows = append(rows, []any{e.ID, e.TraceID, spanID, e.Timestamp, string(e.Level), e.Name, data, e.EmitterID, int64(e.Seq)})
	}
	return rows, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullDuration(r TraceRecord) any {
	if r.EndedAt.IsZero() {
		return nil
	}
	return r.DurationMs
}

func nullTags(tags []string) any {
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// nullJSON encodes v for a jsonb parameter, mapping empty values to NULL.
func nullJSON[T any](v T) (any, error) {
	switch x := any(v).(type) {
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	case *ErrorDetail:
		if x == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("tracing: encode json: %w", err)
	}
	return string(data), nil
}
