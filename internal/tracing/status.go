// Package tracing records one publish request as a trace of spans and events
// and persists them through a staged, foreign-key ordered batch ingestor.
//
// A Trace is an explicit handle passed down the call chain; there is no
// process-wide tracer. Spans live in an arena owned by their Trace and move
// through a small state machine implemented by pure transition functions.
package tracing

import (
	"time"
)

// TraceStatus is the lifecycle state of a trace.
type TraceStatus string

const (
	TraceRunning   TraceStatus = "running"
	TraceSuccess   TraceStatus = "success"
	TracePartial   TraceStatus = "partial"
	TraceFailed    TraceStatus = "failed"
	TraceCancelled TraceStatus = "cancelled"
	TraceTimeout   TraceStatus = "timeout"
)

// Terminal reports whether s is an end state.
func (s TraceStatus) Terminal() bool {
	return s != TraceRunning && s != ""
}

// SpanStatus is the lifecycle state of a span.
type SpanStatus string

const (
	SpanRunning   SpanStatus = "running"
	SpanSuccess   SpanStatus = "success"
	SpanFailed    SpanStatus = "failed"
	SpanCancelled SpanStatus = "cancelled"
	SpanTimeout   SpanStatus = "timeout"
	SpanSkipped   SpanStatus = "skipped"
)

// Terminal reports whether s is an end state.
func (s SpanStatus) Terminal() bool {
	return s != SpanRunning && s != ""
}

// SpanKind classifies a span's role in the fan-out.
type SpanKind string

const (
	KindMaster   SpanKind = "master"
	KindPlatform SpanKind = "platform"
	KindStep     SpanKind = "step"
)

// Level is an event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ErrorDetail is attached to a span that ends unsuccessfully.
type ErrorDetail struct {
	Type      string `json:"type,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Retriable bool   `json:"retriable"`
}

// SpanState is the arena entry for one span.
type SpanState struct {
	ID          string         `json:"id"`
	TraceID     string         `json:"traceId"`
	ParentID    string         `json:"parentSpanId,omitempty"`
	Kind        SpanKind       `json:"kind"`
	Name        string         `json:"name"`
	Platform    string         `json:"platform,omitempty"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"maxAttempts,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
	Status      SpanStatus     `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	EndedAt     time.Time      `json:"endedAt,omitzero"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
}

// endSpan moves a running span to status at the given time. Terminal spans
// are returned unchanged with changed=false, which is what makes End
// idempotent.
func endSpan(s SpanState, status SpanStatus, at time.Time, detail *ErrorDetail) (SpanState, bool) {
	if s.Status != SpanRunning || !status.Terminal() {
		return s, false
	}
	s.Status = status
	s.EndedAt = at
	s.DurationMs = max(0, at.Sub(s.StartedAt).Milliseconds())
	s.Error = detail
	return s, true
}

// childStatusFor maps a trace's terminal status to the status forced onto
// children that are still running when the trace ends.
func childStatusFor(status TraceStatus) SpanStatus {
	switch status {
	case TraceTimeout:
		return SpanTimeout
	default:
		return SpanCancelled
	}
}
