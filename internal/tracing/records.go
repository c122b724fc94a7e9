package tracing

import (
	"encoding/json"
	"time"
)

// Stage is one ordered persistence stage of the ingestor.
type Stage int

const (
	StageTraces Stage = iota
	StageRootSpans
	StageChildSpans
	StageSpanUpdates
	StageEvents

	numStages
)

var stageNames = [numStages]string{"traces", "root_spans", "child_spans", "span_updates", "events"}

func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return "unknown"
	}
	return stageNames[s]
}

// Stages lists every stage in topological order.
func Stages() []Stage {
	return []Stage{StageTraces, StageRootSpans, StageChildSpans, StageSpanUpdates, StageEvents}
}

// stageDeps is the persistence dependency graph: a stage may only be written
// once every stage it depends on has been flushed. Every edge points to a
// lower stage, so the graph is acyclic and lock acquisition is ordered.
var stageDeps = [numStages][]Stage{
	StageTraces:      nil,
	StageRootSpans:   {StageTraces},
	StageChildSpans:  {StageRootSpans},
	StageSpanUpdates: {StageChildSpans},
	StageEvents:      {StageChildSpans},
}

// Record is anything the ingestor persists.
type Record interface {
	Stage() Stage
}

// RecordKind tags serialized records.
type RecordKind string

const (
	KindTraceStart RecordKind = "trace_start"
	KindTraceEnd   RecordKind = "trace_end"
	KindSpanStart  RecordKind = "span_start"
	KindSpanEnd    RecordKind = "span_end"
	KindSpanEvent  RecordKind = "span_event"
	KindTraceEvent RecordKind = "trace_event"
)

// TraceRecord is an upsert of a trace row. Start and end records for the
// same trace merge; zero fields leave the stored value untouched.
type TraceRecord struct {
	Kind       RecordKind      `json:"_t"`
	TraceID    string          `json:"traceId"`
	ProjectID  string          `json:"projectId"`
	RequestID  string          `json:"requestId,omitempty"`
	Status     TraceStatus     `json:"status,omitempty"`
	StartedAt  time.Time       `json:"startedAt,omitzero"`
	EndedAt    time.Time       `json:"endedAt,omitzero"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
}

func (TraceRecord) Stage() Stage { return StageTraces }

// merge overlays the non-zero fields of next onto r.
func (r TraceRecord) merge(next TraceRecord) TraceRecord {
	r.Kind = next.Kind
	if next.ProjectID != "" {
		r.ProjectID = next.ProjectID
	}
	if next.RequestID != "" {
		r.RequestID = next.RequestID
	}
	if next.Status != "" {
		r.Status = next.Status
	}
	if !next.StartedAt.IsZero() {
		r.StartedAt = next.StartedAt
	}
	if !next.EndedAt.IsZero() {
		r.EndedAt = next.EndedAt
		r.DurationMs = next.DurationMs
	}
	if len(next.Input) > 0 {
		r.Input = next.Input
	}
	if len(next.Tags) > 0 {
		r.Tags = next.Tags
	}
	return r
}

// SpanRecord inserts a span row.
type SpanRecord struct {
	Kind RecordKind `json:"_t"`
	SpanState
}

// Stage routes parentless spans ahead of parented ones.
func (r SpanRecord) Stage() Stage {
	if r.ParentID == "" {
		return StageRootSpans
	}
	return StageChildSpans
}

// SpanEndRecord records a span's terminal transition.
type SpanEndRecord struct {
	Kind       RecordKind     `json:"_t"`
	SpanID     string         `json:"spanId"`
	TraceID    string         `json:"traceId"`
	Status     SpanStatus     `json:"status"`
	EndedAt    time.Time      `json:"endedAt"`
	DurationMs int64          `json:"durationMs"`
	Error      *ErrorDetail   `json:"error,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

func (SpanEndRecord) Stage() Stage { return StageSpanUpdates }

// EventRecord is a point-in-time event on a trace or span. Seq is monotonic
// per EmitterID, so (EmitterID, Seq) orders events from one process.
type EventRecord struct {
	Kind      RecordKind     `json:"_t"`
	ID        string         `json:"id"`
	TraceID   string         `json:"traceId"`
	SpanID    string         `json:"spanId,omitempty"`
	Timestamp time.Time      `json:"ts"`
	Level     Level          `json:"level"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data,omitempty"`
	EmitterID string         `json:"emitterId"`
	Seq       uint64         `json:"seq"`
}

func (EventRecord) Stage() Stage { return StageEvents }

// coalesceTraces merges trace upserts for the same id within one batch,
// keeping the position of the first occurrence.
func coalesceTraces(batch []Record) []Record {
	index := make(map[string]int, len(batch))
	out := make([]Record, 0, len(batch))
	for _, rec := range batch {
		tr, ok := rec.(TraceRecord)
		if !ok {
			out = append(out, rec)
			continue
		}
		if i, seen := index[tr.TraceID]; seen {
			out[i] = out[i].(TraceRecord).merge(tr)
			continue
		}
		index[tr.TraceID] = len(out)
		out = append(out, tr)
	}
	return out
}
