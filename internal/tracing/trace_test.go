package tracing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type memRecorder struct {
	mu      sync.Mutex
	records []Record
	flushed []Stage
}

func (m *memRecorder) Enqueue(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *memRecorder) FlushThrough(_ context.Context, stage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed = append(m.flushed, stage)
	return nil
}

func (m *memRecorder) spanEnds() []SpanEndRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SpanEndRecord
	for _, r := range m.records {
		if e, ok := r.(SpanEndRecord); ok {
			out = append(out, e)
		}
	}
	return out
}

// fixedClock returns a clock advancing by step on every call.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func newTestTracer() (*Tracer, *memRecorder) {
	rec := &memRecorder{}
	tr := NewTracer(rec)
	tr.now = fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 10*time.Millisecond)
	return tr, rec
}

func TestTracerStartRecordsInput(t *testing.T) {
	tracer, rec := newTestTracer()
	tr := tracer.Start(StartOptions{
		ProjectID: "proj-1",
		RequestID: "req-1",
		Input:     map[string]any{"mediaUrl": "s3://bucket/a.mp4"},
		Tags:      []string{"api"},
	})

	if len(rec.records) != 1 {
		t.Fatalf("records = %d, want 1", len(rec.records))
	}
	start, ok := rec.records[0].(TraceRecord)
	if !ok {
		t.Fatalf("record = %T, want TraceRecord", rec.records[0])
	}
	if start.Kind != KindTraceStart || start.TraceID != tr.ID() || start.Status != TraceRunning {
		t.Errorf("start record = %+v", start)
	}
	var input map[string]string
	if err := json.Unmarshal(start.Input, &input); err != nil {
		t.Fatalf("input not JSON: %v", err)
	}
	if input["mediaUrl"] != "s3://bucket/a.mp4" {
		t.Errorf("input = %v", input)
	}
}

func TestTracerResumeWritesNothing(t *testing.T) {
	tracer, rec := newTestTracer()
	tr := tracer.Resume(ResumeOptions{TraceID: "trace-9", ProjectID: "proj-1"})
	if tr.ID() != "trace-9" {
		t.Errorf("ID = %q", tr.ID())
	}
	if len(rec.records) != 0 {
		t.Errorf("resume wrote %d records", len(rec.records))
	}

	other := tracer.Resume(ResumeOptions{TraceID: "trace-9", ProjectID: "proj-1"})
	if tr.emitterID == other.emitterID {
		t.Error("two handles share an emitter id")
	}
}

func TestSpanEndIsIdempotent(t *testing.T) {
	tracer, rec := newTestTracer()
	tr := tracer.Start(StartOptions{ProjectID: "p"})
	span := tr.StartSpan(SpanOptions{Name: "upload"})

	if !span.End(SpanSuccess, nil) {
		t.Fatal("first End returned false")
	}
	first := span.State()
	if span.End(SpanFailed, &ErrorDetail{Message: "late"}) {
		t.Error("second End returned true")
	}
	if span.EndIfRunning(SpanCancelled) {
		t.Error("EndIfRunning on ended span returned true")
	}

	got := span.State()
	if got.Status != SpanSuccess || !got.EndedAt.Equal(first.EndedAt) || got.Error != nil {
		t.Errorf("state changed after second End: %+v", got)
	}
	if n := len(rec.spanEnds()); n != 1 {
		t.Errorf("span end records = %d, want 1", n)
	}
}

func TestSpanEndWithError(t *testing.T) {
	tracer, rec := newTestTracer()
	tr := tracer.Start(StartOptions{ProjectID: "p"})
	span := tr.StartSpan(SpanOptions{Name: "publish", Kind: KindPlatform, Platform: "instagram", Attempt: 2, MaxAttempts: 3})
	span.SetAttr("containerId", "c-1")

	detail := &ErrorDetail{Type: "APIError", Message: "boom", Code: "500", Retriable: true}
	span.End(SpanFailed, detail)

	ends := rec.spanEnds()
	if len(ends) != 1 {
		t.Fatalf("span end records = %d", len(ends))
	}
	end := ends[0]
	if end.Status != SpanFailed || end.Error == nil || end.Error.Code != "500" {
		t.Errorf("end record = %+v", end)
	}
	if end.Attrs["containerId"] != "c-1" {
		t.Errorf("attrs = %v", end.Attrs)
	}
	if end.DurationMs != 10 {
		t.Errorf("duration = %d, want 10", end.DurationMs)
	}

	state := span.State()
	if state.Attempt != 2 || state.MaxAttempts != 3 || state.Kind != KindPlatform {
		t.Errorf("state = %+v", state)
	}
}

func TestSpanStartRecordDoesNotAliasAttrs(t *testing.T) {
	tracer, rec := newTestTracer()
	tr := tracer.Start(StartOptions{ProjectID: "p"})
	attrs := map[string]any{"a": 1}
	span := tr.StartSpan(SpanOptions{Name: "s", Attrs: attrs})
	attrs["b"] = 2
	span.SetAttr("c", 3)

	start := rec.records[1].(SpanRecord)
	if len(start.Attrs) != 1 {
		t.Errorf("start record attrs = %v, want only a", start.Attrs)
	}
}

func TestTraceEndForcesRunningChildren(t *testing.T) {
	tests := []struct {
		name  string
		trace TraceStatus
		child SpanStatus
	}{
		{"timeout", TraceTimeout, SpanTimeout},
		{"failed", TraceFailed, SpanCancelled},
		{"cancelled", TraceCancelled, SpanCancelled},
		{"success", TraceSuccess, SpanCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, rec := newTestTracer()
			tr := tracer.Start(StartOptions{ProjectID: "p"})
			master := tr.StartSpan(SpanOptions{Name: "master-orchestration", Kind: KindMaster})
			done := tr.StartSpan(SpanOptions{Name: "download", ParentID: master.ID()})
			done.End(SpanSuccess, nil)
			running := tr.StartSpan(SpanOptions{Name: "validate", ParentID: master.ID()})

			at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
			if !tr.EndAt(tt.trace, at) {
				t.Fatal("EndAt returned false")
			}

			for _, s := range []*Span{master, running} {
				st := s.State()
				if st.Status != tt.child {
					t.Errorf("%s status = %s, want %s", st.Name, st.Status, tt.child)
				}
				if !st.EndedAt.Equal(at) {
					t.Errorf("%s endedAt = %v, want %v", st.Name, st.EndedAt, at)
				}
			}
			if done.Status() != SpanSuccess {
				t.Errorf("finished span changed to %s", done.Status())
			}
			if tr.Status() != tt.trace {
				t.Errorf("trace status = %s", tr.Status())
			}

			last, ok := rec.records[len(rec.records)-1].(TraceRecord)
			if !ok || last.Kind != KindTraceEnd || !last.EndedAt.Equal(at) {
				t.Errorf("last record = %+v, want trace end", rec.records[len(rec.records)-1])
			}
		})
	}
}

func TestTraceEndTwice(t *testing.T) {
	tracer, rec := newTestTracer()
	tr := tracer.Start(StartOptions{ProjectID: "p"})
	if !tr.End(TraceSuccess) {
		t.Fatal("first End returned false")
	}
	n := len(rec.records)
	if tr.End(TraceFailed) {
		t.Error("second End returned true")
	}
	if tr.End(TraceRunning) {
		t.Error("End(running) returned true")
	}
	if len(rec.records) != n {
		t.Error("second End wrote records")
	}
	if tr.Status() != TraceSuccess {
		t.Errorf("status = %s", tr.Status())
	}
}

func TestEventSequence(t *testing.T) {
	tracer, rec := newTestTracer()
	tr := tracer.Start(StartOptions{ProjectID: "p"})
	span := tr.StartSpan(SpanOptions{Name: "prep"})
	tr.Event(LevelInfo, "publish.request.received", nil)
	span.Event(LevelInfo, "prep.started", map[string]any{"platform": "youtube"})
	span.Event(LevelError, "prep.failed", nil)

	var events []EventRecord
	for _, r := range rec.records {
		if e, ok := r.(EventRecord); ok {
			events = append(events, e)
		}
	}
	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d", i, e.Seq)
		}
		if e.EmitterID != tr.emitterID {
			t.Errorf("event %d emitter = %q", i, e.EmitterID)
		}
	}
	if events[0].Kind != KindTraceEvent || events[0].SpanID != "" {
		t.Errorf("trace event = %+v", events[0])
	}
	if events[1].Kind != KindSpanEvent || events[1].SpanID != span.ID() {
		t.Errorf("span event = %+v", events[1])
	}
}

func TestTracerSyncFlushesSpanStages(t *testing.T) {
	tracer, rec := newTestTracer()
	if err := tracer.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.flushed) != 1 || rec.flushed[0] != StageChildSpans {
		t.Errorf("flushed = %v", rec.flushed)
	}
}

func TestEndSpanTransitions(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	running := SpanState{ID: "s", Status: SpanRunning, StartedAt: start}

	next, changed := endSpan(running, SpanSkipped, start.Add(time.Second), nil)
	if !changed || next.Status != SpanSkipped || next.DurationMs != 1000 {
		t.Errorf("endSpan = %+v, %v", next, changed)
	}
	if _, changed := endSpan(next, SpanFailed, start.Add(2*time.Second), nil); changed {
		t.Error("terminal span transitioned")
	}
	if _, changed := endSpan(running, SpanRunning, start, nil); changed {
		t.Error("transition to running accepted")
	}
	if running.Status != SpanRunning {
		t.Error("endSpan mutated its input")
	}
}
