package jobutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fpang/social-publisher/internal/instagram"
	"github.com/fpang/social-publisher/internal/media"
	"github.com/fpang/social-publisher/internal/queue"
	"github.com/fpang/social-publisher/internal/retry"
	"github.com/fpang/social-publisher/internal/tracing"
	"github.com/fpang/social-publisher/internal/youtube"
)

func TestDetail(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantType      string
		wantCode      string
		wantRetriable bool
	}{
		{"media", &media.Error{Kind: media.ErrKindTranscode, Path: "/tmp/a.mp4", Err: errors.New("exit 1")}, "media_" + media.ErrKindTranscode.String(), "", false},
		{"instagram", fmt.Errorf("upload: %w", &instagram.APIError{StatusCode: 400, Code: 100, Message: "bad"}), "instagram_api", "100", false},
		{"youtube 503", &youtube.APIError{StatusCode: 503, Reason: "backendError"}, "youtube_api", "backendError", true},
		{"permanent 503", queue.Permanent(&youtube.APIError{StatusCode: 503, Reason: "backendError"}), "youtube_api", "backendError", false},
		{"timeout", fmt.Errorf("await: %w", queue.ErrResultTimeout), "timeout", "", false},
		{"budget", fmt.Errorf("upload: %w", retry.ErrBudgetExhausted), "retry_budget", "", false},
		{"other", errors.New("boom"), "internal", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Detail(tt.err)
			if d.Type != tt.wantType || d.Code != tt.wantCode || d.Retriable != tt.wantRetriable {
				t.Errorf("Detail = %+v, want type %q code %q retriable %v", d, tt.wantType, tt.wantCode, tt.wantRetriable)
			}
		})
	}
	if Detail(nil) != nil {
		t.Error("Detail(nil) should be nil")
	}
}

func TestSpanStatusFor(t *testing.T) {
	tests := map[string]struct {
		err  error
		want tracing.SpanStatus
	}{
		"deadline":  {fmt.Errorf("x: %w", context.DeadlineExceeded), tracing.SpanTimeout},
		"result":    {queue.ErrResultTimeout, tracing.SpanTimeout},
		"cancelled": {context.Canceled, tracing.SpanCancelled},
		"failed":    {errors.New("boom"), tracing.SpanFailed},
	}
	for name, tt := range tests {
		if got := SpanStatusFor(tt.err); got != tt.want {
			t.Errorf("%s: SpanStatusFor = %s, want %s", name, got, tt.want)
		}
	}
}

type nopRecorder struct {
	mu      sync.Mutex
	records []tracing.Record
}

func (r *nopRecorder) Enqueue(rec tracing.Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *nopRecorder) FlushThrough(context.Context, tracing.Stage) error { return nil }

func TestRecordFailureEndsSpan(t *testing.T) {
	tr := tracing.NewTracer(&nopRecorder{}).Start(tracing.StartOptions{ProjectID: "p"})
	span := tr.StartSpan(tracing.SpanOptions{Name: "download"})

	d := RecordFailure(span, "download", fmt.Errorf("x: %w", context.DeadlineExceeded))
	if d.Type != "timeout" {
		t.Errorf("detail type = %q, want timeout", d.Type)
	}
	if span.Status() != tracing.SpanTimeout {
		t.Errorf("span status = %s, want timeout", span.Status())
	}
}
