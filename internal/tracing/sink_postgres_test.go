package tracing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// newTestPool connects to PUBLISHER_TEST_DATABASE_URL or skips. Each test
// gets its own migrated schema, dropped on cleanup.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("PUBLISHER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PUBLISHER_TEST_DATABASE_URL not set, skipping Postgres integration test")
	}
	ctx := context.Background()
	admin, err := pgx.Connect(ctx, url)
	if err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}
	schema := "publisher_test_" + uuid.NewString()[:8]
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close(ctx) //nolint:errcheck
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse database url: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
		admin.Close(ctx) //nolint:errcheck
	})
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Migrate is idempotent.
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	return pool
}

func TestPostgresSinkPersistsInterleavedStages(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	ing := NewIngestor(NewPostgresSink(pool), IngestorConfig{BatchMax: 3, Interval: 5 * time.Millisecond, MaxInflight: 3})
	tracer := NewTracer(ing)

	type published struct{ projectID, requestID string }
	var requests []published
	for n := range 3 {
		p := published{projectID: "proj", requestID: fmt.Sprint("req-", n)}
		requests = append(requests, p)
		tr := tracer.Start(StartOptions{ProjectID: p.projectID, RequestID: p.requestID, Input: map[string]any{"title": "Launch"}})
		tr.Event(LevelInfo, "publish.request.received", map[string]any{"platforms": []string{"instagram", "youtube"}})
		master := tr.StartSpan(SpanOptions{Name: "master-orchestration", Kind: KindMaster})
		for _, platform := range []string{"instagram", "youtube"} {
			ps := tr.StartSpan(SpanOptions{Name: platform, Kind: KindPlatform, ParentID: master.ID(), Platform: platform, Attempt: 1, MaxAttempts: 3})
			step := tr.StartSpan(SpanOptions{Name: "upload", ParentID: ps.ID()})
			step.Event(LevelInfo, "upload.started", map[string]any{"bytes": 1024, "nested": map[string]any{"ok": true}})
			if platform == "youtube" && n == 1 {
				step.End(SpanFailed, &ErrorDetail{Type: "UploadError", Message: "quota exceeded"})
				ps.End(SpanFailed, nil)
				continue
			}
			step.SetAttr("mediaId", "m-"+platform)
			step.End(SpanSuccess, nil)
			ps.End(SpanSuccess, nil)
		}
		master.End(SpanSuccess, nil)
		tr.End(TraceSuccess)
	}

	if err := ing.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, s := range Stages() {
		if n := ing.DeadLettered(s); n != 0 {
			t.Errorf("stage %s dead-lettered %d records", s, n)
		}
	}

	reader := NewReader(pool)
	for n, p := range requests {
		st, err := reader.Status(ctx, p.projectID, p.requestID)
		if err != nil {
			t.Fatalf("Status(%s): %v", p.requestID, err)
		}
		if st.Trace.Status != TraceSuccess || st.Trace.EndedAt == nil || string(st.Trace.Input) == "" {
			t.Errorf("trace = %+v", st.Trace)
		}
		if len(st.Roots) != 1 || len(st.Stages) != 2 {
			t.Fatalf("roots = %d stages = %d, want 1 and 2", len(st.Roots), len(st.Stages))
		}
		for _, stage := range st.Stages {
			if len(stage.Steps) != 1 {
				t.Errorf("stage %s has %d steps, want 1", stage.Name, len(stage.Steps))
				continue
			}
			step := stage.Steps[0]
			if stage.Platform == "youtube" && n == 1 {
				if step.Status != SpanFailed || step.Error == nil || step.Error.Message != "quota exceeded" {
					t.Errorf("failed step = %+v", step)
				}
				continue
			}
			if step.Status != SpanSuccess || step.Attrs["mediaId"] != "m-"+stage.Platform || step.EndedAt.IsZero() {
				t.Errorf("step = %+v", step)
			}
		}
		if len(st.Events) != 3 {
			t.Fatalf("events = %d, want 3", len(st.Events))
		}
		for k, e := range st.Events {
			if k > 0 && e.Timestamp.Before(st.Events[k-1].Timestamp) {
				t.Errorf("event %d out of order", k)
			}
			if e.Name != "upload.started" {
				continue
			}
			if e.SpanID == "" || e.Kind != KindSpanEvent {
				t.Errorf("upload event = %+v", e)
			}
			if nested, ok := e.Data["nested"].(map[string]any); !ok || nested["ok"] != true {
				t.Errorf("jsonb data = %#v", e.Data)
			}
		}
	}

	if _, err := reader.Status(ctx, "proj", "missing"); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("missing request error = %v", err)
	}
}

func TestPostgresSinkReplayDoesNotRegressStatus(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	sink := NewPostgresSink(pool)
	start := time.Now().UTC().Truncate(time.Millisecond)
	end := start.Add(2 * time.Second)

	traceStart := TraceRecord{Kind: KindTraceStart, TraceID: "t1", ProjectID: "proj", RequestID: "r1", Status: TraceRunning, StartedAt: start}
	traceEnd := TraceRecord{Kind: KindTraceEnd, TraceID: "t1", Status: TraceFailed, EndedAt: end, DurationMs: 2000}
	spanStart := rootSpan("s1", "t1")
	spanStart.StartedAt = start
	spanEnd := SpanEndRecord{Kind: KindSpanEnd, SpanID: "s1", TraceID: "t1", Status: SpanFailed, EndedAt: end, DurationMs: 2000,
		Error: &ErrorDetail{Type: "Timeout", Message: "first"}}
	replayedEnd := spanEnd
	replayedEnd.Status = SpanSuccess
	replayedEnd.Error = nil

	writes := []struct {
		stage Stage
		rec   Record
	}{
		{StageTraces, traceStart},
		{StageRootSpans, spanStart},
		{StageSpanUpdates, spanEnd},
		{StageTraces, traceEnd},
		// Redelivered records after the terminal transitions.
		{StageTraces, traceStart},
		{StageRootSpans, spanStart},
		{StageSpanUpdates, replayedEnd},
	}
	for _, w := range writes {
		if err := sink.Write(ctx, w.stage, []Record{w.rec}); err != nil {
			t.Fatalf("write %s: %v", w.stage, err)
		}
	}

	st, err := NewReader(pool).Status(ctx, "proj", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Trace.Status != TraceFailed || st.Trace.EndedAt == nil || st.Trace.StartedAt == nil {
		t.Errorf("trace = %+v, want failed with both timestamps", st.Trace)
	}
	if len(st.Roots) != 1 {
		t.Fatalf("roots = %+v", st.Roots)
	}
	span := st.Roots[0]
	if span.Status != SpanFailed || span.Error == nil || span.Error.Message != "first" {
		t.Errorf("span = %+v, want the first terminal status kept", span)
	}
}

func TestPostgresSinkRefusesOrphans(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	ing := NewIngestor(NewPostgresSink(pool), IngestorConfig{Interval: time.Hour, MaxAttempts: 1})

	ing.Enqueue(rootSpan("orphan", "lost-trace"))
	ing.Enqueue(TraceRecord{Kind: KindTraceStart, TraceID: "t1", ProjectID: "proj", RequestID: "r1", Status: TraceRunning, StartedAt: time.Now()})
	ing.Enqueue(rootSpan("s1", "t1"))

	err := ing.Flush(ctx)
	if !errors.Is(err, errRefused) {
		t.Fatalf("Flush error = %v, want a refusal", err)
	}
	if got := ing.DeadLettered(StageRootSpans); got != 1 {
		t.Errorf("dead-lettered = %d, want 1", got)
	}
	st, err := NewReader(pool).Status(ctx, "proj", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Roots) != 1 || st.Roots[0].ID != "s1" {
		t.Errorf("roots = %+v, want the healthy span stored", st.Roots)
	}
}

func TestReaderEventsPaginates(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	sink := NewPostgresSink(pool)

	if err := sink.Write(ctx, StageTraces, []Record{TraceRecord{Kind: KindTraceStart, TraceID: "t1", ProjectID: "proj", Status: TraceRunning}}); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var batch []Record
	// e3 and e4 share a timestamp so the id breaks the tie.
	for n, offset := range []time.Duration{0, time.Second, 2 * time.Second, 2 * time.Second, 3 * time.Second} {
		batch = append(batch, EventRecord{
			ID: fmt.Sprint("e", n+1), TraceID: "t1", Timestamp: base.Add(offset),
			Level: LevelInfo, Name: "upload.retry", EmitterID: "w1", Seq: uint64(n),
		})
	}
	if err := sink.Write(ctx, StageEvents, batch); err != nil {
		t.Fatal(err)
	}

	reader := NewReader(pool)
	var ids []string
	cursor := ""
	for range 10 {
		page, err := reader.Events(ctx, "t1", cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Events) > 2 {
			t.Fatalf("page of %d exceeds limit", len(page.Events))
		}
		if len(page.Events) == 0 {
			if page.NextCursor != "" {
				t.Error("empty page carries a cursor")
			}
			break
		}
		for _, e := range page.Events {
			ids = append(ids, e.ID)
		}
		cursor = page.NextCursor
	}
	if want := []string{"e1", "e2", "e3", "e4", "e5"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}

	page, err := reader.Events(ctx, "t1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Events) != 5 {
		t.Errorf("default page = %d events, want 5", len(page.Events))
	}
	if _, err := reader.Events(ctx, "t1", "not-a-cursor", 0); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("bad cursor error = %v", err)
	}
}
