package tracing

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Recorder is the ingestor surface traces write through.
type Recorder interface {
	Enqueue(rec Record)
	FlushThrough(ctx context.Context, stage Stage) error
}

// Tracer creates and resumes traces bound to one ingestor.
type Tracer struct {
	ing Recorder
	now func() time.Time
}

// NewTracer returns a tracer writing through ing.
func NewTracer(ing Recorder) *Tracer {
	return &Tracer{ing: ing, now: func() time.Time { return time.Now().UTC() }}
}

// StartOptions describes a new trace.
type StartOptions struct {
	// TraceID is generated when empty.
	TraceID   string
	ProjectID string
	RequestID string
	Input     any
	Tags      []string
}

// Start creates a trace and enqueues its start record.
func (t *Tracer) Start(opts StartOptions) *Trace {
	id := opts.TraceID
	if id == "" {
		id = uuid.NewString()
	}
	tr := t.newTrace(id, opts.ProjectID, opts.RequestID, t.now())
	rec := TraceRecord{
		Kind:      KindTraceStart,
		TraceID:   tr.id,
		ProjectID: opts.ProjectID,
		RequestID: opts.RequestID,
		Status:    TraceRunning,
		StartedAt: tr.startedAt,
		Tags:      opts.Tags,
	}
	if opts.Input != nil {
		if raw, err := json.Marshal(opts.Input); err == nil {
			rec.Input = raw
		} else {
			log.Warn().Err(err).Str("traceId", tr.id).Msg("Trace input is not JSON serializable")
		}
	}
	t.ing.Enqueue(rec)
	return tr
}

// ResumeOptions identifies a trace created by another process.
type ResumeOptions struct {
	TraceID   string
	ProjectID string
	RequestID string
	// StartedAt is used for the trace duration when this handle ends it.
	StartedAt time.Time
}

// Resume returns a handle on an existing trace without writing a start
// record. Each handle has its own emitter id for event ordering.
func (t *Tracer) Resume(opts ResumeOptions) *Trace {
	started := opts.StartedAt
	if started.IsZero() {
		started = t.now()
	}
	return t.newTrace(opts.TraceID, opts.ProjectID, opts.RequestID, started)
}

// Sync flushes traces and spans enqueued so far, so that work handed to
// another process can reference them.
func (t *Tracer) Sync(ctx context.Context) error {
	return t.ing.FlushThrough(ctx, StageChildSpans)
}

func (t *Tracer) newTrace(id, projectID, requestID string, started time.Time) *Trace {
	return &Trace{
		tracer:    t,
		id:        id,
		projectID: projectID,
		requestID: requestID,
		startedAt: started,
		status:    TraceRunning,
		spans:     make(map[string]*SpanState),
		emitterID: uuid.NewString(),
	}
}

// Trace is a handle on one publish request's trace. It is safe for
// concurrent use.
type Trace struct {
	tracer    *Tracer
	id        string
	projectID string
	requestID string
	startedAt time.Time
	emitterID string

	mu      sync.Mutex
	status  TraceStatus
	endedAt time.Time
	spans   map[string]*SpanState
	order   []string
	seq     uint64
}

func (tr *Trace) ID() string           { return tr.id }
func (tr *Trace) ProjectID() string    { return tr.projectID }
func (tr *Trace) RequestID() string    { return tr.requestID }
func (tr *Trace) StartedAt() time.Time { return tr.startedAt }

// Status returns the current trace status.
func (tr *Trace) Status() TraceStatus {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.status
}

// Event records a trace-level event not bound to a span.
func (tr *Trace) Event(level Level, name string, data map[string]any) {
	tr.emit("", level, name, data)
}

func (tr *Trace) emit(spanID string, level Level, name string, data map[string]any) {
	tr.mu.Lock()
	tr.seq++
	rec := EventRecord{
		Kind:      KindTraceEvent,
		ID:        uuid.NewString(),
		TraceID:   tr.id,
		SpanID:    spanID,
		Timestamp: tr.tracer.now(),
		Level:     level,
		Name:      name,
		Data:      data,
		EmitterID: tr.emitterID,
		Seq:       tr.seq,
	}
	if spanID != "" {
		rec.Kind = KindSpanEvent
	}
	tr.tracer.ing.Enqueue(rec)
	tr.mu.Unlock()

	ev := log.Debug()
	if level == LevelError {
		ev = log.Warn()
	}
	ev.Str("traceId", tr.id).Str("spanId", spanID).Str("event", name).Msg("Trace event")
}

// SpanOptions describes a new span.
type SpanOptions struct {
	Name string
	// Kind defaults to KindStep.
	Kind SpanKind
	// ParentID may name a span owned by another process (the master span).
	ParentID    string
	Platform    string
	Attempt     int
	MaxAttempts int
	Attrs       map[string]any
}

// StartSpan opens a running span and enqueues its start record.
func (tr *Trace) StartSpan(opts SpanOptions) *Span {
	if opts.Kind == "" {
		opts.Kind = KindStep
	}
	if opts.Attempt <= 0 {
		opts.Attempt = 1
	}
	state := &SpanState{
		ID:          uuid.NewString(),
		TraceID:     tr.id,
		ParentID:    opts.ParentID,
		Kind:        opts.Kind,
		Name:        opts.Name,
		Platform:    opts.Platform,
		Attempt:     opts.Attempt,
		MaxAttempts: opts.MaxAttempts,
		Attrs:       maps.Clone(opts.Attrs),
		Status:      SpanRunning,
		StartedAt:   tr.tracer.now(),
	}

	tr.mu.Lock()
	tr.spans[state.ID] = state
	tr.order = append(tr.order, state.ID)
	rec := SpanRecord{Kind: KindSpanStart, SpanState: *state}
	rec.Attrs = maps.Clone(state.Attrs)
	tr.tracer.ing.Enqueue(rec)
	tr.mu.Unlock()

	return &Span{trace: tr, id: state.ID}
}

// End terminates the trace. Running spans are first forced to the status
// mapped from status, stamped with the same end time. Ending an already
// ended trace is a no-op and returns false.
func (tr *Trace) End(status TraceStatus) bool {
	return tr.EndAt(status, tr.tracer.now())
}

// EndAt is End with an explicit timestamp.
func (tr *Trace) EndAt(status TraceStatus, at time.Time) bool {
	if !status.Terminal() {
		return false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.status != TraceRunning {
		return false
	}

	child := childStatusFor(status)
	for _, id := range tr.order {
		tr.endSpanLocked(id, child, at, nil)
	}

	tr.status = status
	tr.endedAt = at
	tr.tracer.ing.Enqueue(TraceRecord{
		Kind:       KindTraceEnd,
		TraceID:    tr.id,
		ProjectID:  tr.projectID,
		RequestID:  tr.requestID,
		Status:     status,
		EndedAt:    at,
		DurationMs: max(0, at.Sub(tr.startedAt).Milliseconds()),
	})
	log.Info().Str("traceId", tr.id).Str("status", string(status)).Msg("Trace ended")
	return true
}

// Spans returns a snapshot of the arena in creation order.
func (tr *Trace) Spans() []SpanState {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]SpanState, 0, len(tr.order))
	for _, id := range tr.order {
		out = append(out, *tr.spans[id])
	}
	return out
}

func (tr *Trace) endSpanLocked(id string, status SpanStatus, at time.Time, detail *ErrorDetail) bool {
	state, ok := tr.spans[id]
	if !ok {
		return false
	}
	next, changed := endSpan(*state, status, at, detail)
	if !changed {
		return false
	}
	*state = next
	tr.tracer.ing.Enqueue(SpanEndRecord{
		Kind:       KindSpanEnd,
		SpanID:     next.ID,
		TraceID:    tr.id,
		Status:     next.Status,
		EndedAt:    next.EndedAt,
		DurationMs: next.DurationMs,
		Error:      next.Error,
		Attrs:      maps.Clone(next.Attrs),
	})
	return true
}

// Span is a handle on one arena entry.
type Span struct {
	trace *Trace
	id    string
}

func (s *Span) ID() string { return s.id }

// Status returns the span's current status.
func (s *Span) Status() SpanStatus {
	s.trace.mu.Lock()
	defer s.trace.mu.Unlock()
	return s.trace.spans[s.id].Status
}

// State returns a copy of the span's arena entry.
func (s *Span) State() SpanState {
	s.trace.mu.Lock()
	defer s.trace.mu.Unlock()
	return *s.trace.spans[s.id]
}

// SetAttr sets an attribute persisted with the span's end record.
func (s *Span) SetAttr(key string, value any) {
	s.trace.mu.Lock()
	defer s.trace.mu.Unlock()
	state := s.trace.spans[s.id]
	if state.Attrs == nil {
		state.Attrs = make(map[string]any)
	}
	state.Attrs[key] = value
}

// Event records an event bound to this span.
func (s *Span) Event(level Level, name string, data map[string]any) {
	s.trace.emit(s.id, level, name, data)
}

// End terminates the span. It returns false, changing nothing, when the span
// has already ended.
func (s *Span) End(status SpanStatus, detail *ErrorDetail) bool {
	at := s.trace.tracer.now()
	s.trace.mu.Lock()
	defer s.trace.mu.Unlock()
	return s.trace.endSpanLocked(s.id, status, at, detail)
}

// EndIfRunning ends the span with status only if nothing ended it yet.
func (s *Span) EndIfRunning(status SpanStatus) bool {
	return s.End(status, nil)
}
