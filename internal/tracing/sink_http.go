package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"
)

// HTTPSink posts each batch as gzipped JSON to an ingest endpoint:
//
//	{"stage": "child_spans", "batch": [...]}
//
// Any non-2xx response fails the batch.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{url: url, client: client}
}

// IngestError is a non-2xx answer from the ingest endpoint. A 5xx is
// transient to the ingestor; anything else refuses the batch.
type IngestError struct {
	StatusCode int
	Body       string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("tracing: ingest endpoint returned %d: %s", e.StatusCode, e.Body)
}

func (e *IngestError) HTTPStatus() int { return e.StatusCode }

type httpBatch struct {
	Stage string   `json:"stage"`
	Batch []Record `json:"batch"`
}

func (s *HTTPSink) Write(ctx context.Context, stage Stage, batch []Record) error {
	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	if err := json.NewEncoder(zw).Encode(httpBatch{Stage: stage.String(), Batch: batch}); err != nil {
		return fmt.Errorf("tracing: encode %s batch: %w", stage, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("tracing: compress %s batch: %w", stage, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("tracing: post %s batch: %w", stage, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &IngestError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
