package tracing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrTraceNotFound is returned when no trace matches the lookup.
	ErrTraceNotFound = errors.New("trace not found")
	// ErrInvalidCursor is returned for a cursor Events did not issue.
	ErrInvalidCursor = errors.New("invalid events cursor")
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 500
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TraceView is a stored trace row.
type TraceView struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"projectId"`
	RequestID  string          `json:"requestId,omitempty"`
	Status     TraceStatus     `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	EndedAt    *time.Time      `json:"endedAt,omitempty"`
	DurationMs *int64          `json:"durationMs,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// StageView is one platform attempt and the steps recorded under it.
type StageView struct {
	SpanState
	Steps []SpanState `json:"steps"`
}

// PublishStatus is everything stored for one publish request.
type PublishStatus struct {
	Trace  TraceView     `json:"trace"`
	Roots  []SpanState   `json:"roots"`
	Stages []StageView   `json:"stages"`
	Events []EventRecord `json:"events"`
}

// EventsPage is one page of a trace's events in (timestamp, id) order.
// NextCursor resumes after the last event and is empty on an empty page.
type EventsPage struct {
	Events     []EventRecord `json:"events"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// Reader reads traces back from the relational store.
type Reader struct {
	db Querier
}

// NewReader returns a reader querying db.
func NewReader(db Querier) *Reader {
	return &Reader{db: db}
}

const selectTraceSQL = `
SELECT id, project_id, COALESCE(request_id, ''), status, input, tags,
       started_at, ended_at, duration_ms, created_at, updated_at
FROM traces
WHERE project_id = $1 AND request_id = $2`

const selectSpansSQL = `
SELECT id, trace_id, COALESCE(parent_span_id, ''), kind, name, COALESCE(platform, ''),
       attempt, COALESCE(max_attempts, 0), attrs, status, started_at, ended_at,
       COALESCE(duration_ms, 0), error
FROM spans
WHERE trace_id = $1
ORDER BY started_at, id`

// A NULL $2 reads from the start; a NULL $4 reads every row.
const selectEventsSQL = `
SELECT id, trace_id, COALESCE(span_id, ''), ts, level, name, data, emitter_id, seq
FROM events
WHERE trace_id = $1 AND ($2::timestamptz IS NULL OR (ts, id) > ($2::timestamptz, $3::text))
ORDER BY ts, id
LIMIT $4`

// Status returns the trace of the publish request (projectID, requestID)
// with its spans grouped into stages and every event in order.
func (r *Reader) Status(ctx context.Context, projectID, requestID string) (*PublishStatus, error) {
	var tv TraceView
	var status string
	err := r.db.QueryRow(ctx, selectTraceSQL, projectID, requestID).Scan(
		&tv.ID, &tv.ProjectID, &tv.RequestID, &status, &tv.Input, &tv.Tags,
		&tv.StartedAt, &tv.EndedAt, &tv.DurationMs, &tv.CreatedAt, &tv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s request %s", ErrTraceNotFound, projectID, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: read trace: %w", err)
	}
	tv.Status = TraceStatus(status)

	spans, err := r.spans(ctx, tv.ID)
	if err != nil {
		return nil, err
	}
	events, err := r.events(ctx, tv.ID, nil, nil)
	if err != nil {
		return nil, err
	}
	roots, stages := groupStages(spans)
	return &PublishStatus{Trace: tv, Roots: roots, Stages: stages, Events: events}, nil
}

// Events returns up to limit events of traceID after cursor. A zero limit
// means 100; others are clamped to 1..500. An empty cursor starts at the
// first event.
func (r *Reader) Events(ctx context.Context, traceID, cursor string, limit int) (*EventsPage, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	n := clampLimit(limit)
	events, err := r.events(ctx, traceID, after, &n)
	if err != nil {
		return nil, err
	}
	page := &EventsPage{Events: events}
	if len(events) > 0 {
		last := events[len(events)-1]
		page.NextCursor = encodeCursor(eventCursor{TS: last.Timestamp, ID: last.ID})
	}
	return page, nil
}

func (r *Reader) spans(ctx context.Context, traceID string) ([]SpanState, error) {
	rows, err := r.db.Query(ctx, selectSpansSQL, traceID)
	if err != nil {
		return nil, fmt.Errorf("tracing: read spans: %w", err)
	}
	spans, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SpanState, error) {
		var s SpanState
		var kind, status string
		var endedAt *time.Time
		err := row.Scan(&s.ID, &s.TraceID, &s.ParentID, &kind, &s.Name, &s.Platform,
			&s.Attempt, &s.MaxAttempts, &s.Attrs, &status, &s.StartedAt, &endedAt,
			&s.DurationMs, &s.Error)
		s.Kind, s.Status = SpanKind(kind), SpanStatus(status)
		if endedAt != nil {
			s.EndedAt = *endedAt
		}
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: read spans: %w", err)
	}
	return spans, nil
}

func (r *Reader) events(ctx context.Context, traceID string, after *eventCursor, limit *int) ([]EventRecord, error) {
	var ts any
	var id string
	if after != nil {
		ts, id = after.TS, after.ID
	}
	rows, err := r.db.Query(ctx, selectEventsSQL, traceID, ts, id, limit)
	if err != nil {
		return nil, fmt.Errorf("tracing: read events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (EventRecord, error) {
		var e EventRecord
		var level string
		var seq int64
		err := row.Scan(&e.ID, &e.TraceID, &e.SpanID, &e.Timestamp, &level, &e.Name, &e.Data, &e.EmitterID, &seq)
		e.Level, e.Seq = Level(level), uint64(seq) //nolint:gosec // written from a uint64
		e.Kind = KindTraceEvent
		if e.SpanID != "" {
			e.Kind = KindSpanEvent
		}
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: read events: %w", err)
	}
	if events == nil {
		events = []EventRecord{}
	}
	return events, nil
}

// groupStages splits spans into roots and stages. A stage is a direct child
// of a root; every deeper span is a step of the stage it descends from.
// Input order is kept.
func groupStages(spans []SpanState) ([]SpanState, []StageView) {
	parent := make(map[string]string, len(spans))
	for _, s := range spans {
		parent[s.ID] = s.ParentID
	}
	// stageOf walks up to the ancestor whose parent is a root.
	stageOf := func(id string) string {
		for range len(spans) {
			p := parent[id]
			if p == "" || parent[p] == "" {
				return id
			}
			id = p
		}
		return id
	}

	roots := []SpanState{}
	stages := []StageView{}
	index := map[string]int{}
	var steps []SpanState
	for _, s := range spans {
		switch {
		case s.ParentID == "":
			roots = append(roots, s)
		case parent[s.ParentID] == "":
			index[s.ID] = len(stages)
			stages = append(stages, StageView{SpanState: s, Steps: []SpanState{}})
		default:
			steps = append(steps, s)
		}
	}
	for _, s := range steps {
		if n, ok := index[stageOf(s.ID)]; ok {
			stages[n].Steps = append(stages[n].Steps, s)
		}
	}
	return roots, stages
}

type eventCursor struct {
	TS time.Time `json:"ts"`
	ID string    `json:"id"`
}

func encodeCursor(c eventCursor) string {
	data, _ := json.Marshal(c) //nolint:errcheck // a time and a string always encode
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (*eventCursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	var c eventCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	if c.TS.IsZero() || c.ID == "" {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}

func clampLimit(limit int) int {
	if limit == 0 {
		return defaultEventsLimit
	}
	return max(1, min(maxEventsLimit, limit))
}
