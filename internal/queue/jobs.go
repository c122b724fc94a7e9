// Package queue carries publish work between processes over an
// at-least-once broker and runs the worker pools that consume it.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fpang/social-publisher/internal/media"
)

// Name identifies one named queue.
type Name string

const (
	QueueMaster  Name = "master"
	QueuePublish Name = "publish"
	QueuePrep    Name = "media-prep"
)

// MasterJob is the top-level publish request handed from intake to the
// master orchestrator.
type MasterJob struct {
	TraceID   string `json:"traceId,omitempty"`
	ProjectID string `json:"projectId"`
	RequestID string `json:"requestId,omitempty"`
	// MediaURL is an http(s) URL, an s3://bucket/key reference or a local path.
	MediaURL    string   `json:"mediaUrl"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	// EnforceConstraints overrides the deployment default when set.
	EnforceConstraints *bool     `json:"enforceConstraints,omitempty"`
	TraceStartedAt     time.Time `json:"traceStartedAt,omitzero"`
}

// PublishJob is one platform's share of a master job. It is immutable once
// enqueued; redeliveries reuse the same payload.
type PublishJob struct {
	TraceID        string    `json:"traceId"`
	TraceStartedAt time.Time `json:"traceStartedAt,omitzero"`
	ProjectID      string    `json:"projectId"`
	Platform       string    `json:"platform"`
	MasterSpanID   string    `json:"masterSpanId"`
	// FilePath is the shared download every platform prepares from.
	FilePath           string   `json:"filePath"`
	SourceURL          string   `json:"sourceUrl,omitempty"`
	Title              string   `json:"title,omitempty"`
	Description        string   `json:"description,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	EnforceConstraints bool     `json:"enforceConstraints"`
	// RetryDeadline caps vendor retries across every delivery of this job.
	RetryDeadline time.Time `json:"retryDeadline,omitzero"`
}

// PrepJob asks the media-prep pool to prepare a file for one platform.
// The outcome is published under ID.
type PrepJob struct {
	ID                 string `json:"id"`
	TraceID            string `json:"traceId"`
	ParentSpanID       string `json:"parentSpanId,omitempty"`
	Platform           string `json:"platform"`
	UploadType         string `json:"uploadType"`
	FilePath           string `json:"filePath"`
	EnforceConstraints bool   `json:"enforceConstraints"`
}

// PrepOutcome is the result of a PrepJob.
type PrepOutcome struct {
	JobID     string        `json:"jobId"`
	FilePath  string        `json:"filePath,omitempty"`
	Converted bool          `json:"converted"`
	Issues    []media.Issue `json:"issues,omitempty"`
	Error     string        `json:"error,omitempty"`
	// Permanent is set when retrying the prep cannot succeed, such as a
	// strict-mode validation failure.
	Permanent bool `json:"permanent,omitempty"`
}

// Err returns the outcome's failure as an error, or nil.
func (o PrepOutcome) Err() error {
	if o.Error == "" {
		return nil
	}
	err := fmt.Errorf("media prep failed: %s", o.Error)
	if o.Permanent {
		return Permanent(err)
	}
	return err
}

// Delivery is one receipt of a job from a broker.
type Delivery struct {
	// ID is the broker's message id.
	ID      string
	Queue   Name
	Payload json.RawMessage
	// Attempt is 1 on first delivery and increases on every retry.
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
	LastError   string
	Reclaimed   bool
}

// Decode unmarshals the payload into v.
func (d Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s job %s: %w", d.Queue, d.ID, err))
	}
	return nil
}

// Final reports whether a failure of this delivery will not be retried.
func (d Delivery) Final() bool {
	return d.MaxAttempts > 0 && d.Attempt >= d.MaxAttempts
}

// envelope is the wire form of a job inside a broker.
type envelope struct {
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
	// Nonce keeps delayed entries distinct in a sorted set.
	Nonce string `json:"nonce,omitempty"`
}

func newEnvelope(payload any) (envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, fmt.Errorf("encode job: %w", err)
	}
	return envelope{Payload: raw, Attempt: 1, EnqueuedAt: time.Now().UTC()}, nil
}

func (e envelope) delivery(id string, q Name) Delivery {
	return Delivery{
		ID:         id,
		Queue:      q,
		Payload:    e.Payload,
		Attempt:    max(e.Attempt, 1),
		EnqueuedAt: e.EnqueuedAt,
		LastError:  e.LastError,
	}
}

func (d Delivery) envelope() envelope {
	return envelope{Payload: d.Payload, Attempt: d.Attempt, EnqueuedAt: d.EnqueuedAt, LastError: d.LastError}
}

// ErrResultTimeout is returned by AwaitResult when no result arrives in time.
var ErrResultTimeout = errors.New("queue: result wait timed out")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering. Workers fail the job
// immediately instead of retrying it.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
