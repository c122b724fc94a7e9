package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct{ body, contentType string }

func (f fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if aws.ToString(in.Bucket) != "media" {
		return nil, errors.New("NoSuchBucket")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body)), ContentType: aws.String(f.contentType)}, nil
}

func TestFetchHTTPNamesFileFromContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/quicktime")
		w.Write([]byte("movie"))
	}))
	defer server.Close()

	d := NewDownloader(t.TempDir(), server.Client(), nil)
	res, err := d.Fetch(context.Background(), "trace-1", server.URL+"/download?id=9")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if filepath.Base(res.Path) != "trace-1.mov" || filepath.Dir(res.Path) != d.Dir("trace-1") {
		t.Errorf("path = %s", res.Path)
	}
	if res.Size != 5 {
		t.Errorf("size = %d", res.Size)
	}
	if _, err := os.Stat(filepath.Join(d.Dir("trace-1"), "trace-1.download")); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestFetchHTTPFallsBackToURLExtension(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("png"))
	}))
	defer server.Close()

	res, err := NewDownloader(t.TempDir(), server.Client(), nil).Fetch(context.Background(), "t", server.URL+"/cover.PNG")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(res.Path) != ".png" {
		t.Errorf("path = %s", res.Path)
	}
}

func TestFetchHTTPStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewDownloader(t.TempDir(), server.Client(), nil).Fetch(context.Background(), "t", server.URL+"/a.mp4")
	var se *StatusError
	if !errors.As(err, &se) || se.HTTPStatus() != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
}

func TestFetchS3AndLocal(t *testing.T) {
	dir := t.TempDir()
	d := NewDownloader(dir, nil, fakeS3{body: "jpeg", contentType: "image/jpeg"})

	res, err := d.Fetch(context.Background(), "t1", "s3://media/uploads/photo")
	if err != nil {
		t.Fatalf("s3 Fetch: %v", err)
	}
	if filepath.Base(res.Path) != "t1.jpg" {
		t.Errorf("s3 path = %s", res.Path)
	}

	local := filepath.Join(t.TempDir(), "clip.mp4")
	os.WriteFile(local, []byte("mp4"), 0o644)
	res, err = d.Fetch(context.Background(), "t2", local)
	if err != nil {
		t.Fatalf("local Fetch: %v", err)
	}
	if filepath.Base(res.Path) != "t2.mp4" {
		t.Errorf("local path = %s", res.Path)
	}

	if _, err := d.Fetch(context.Background(), "t3", filepath.Join(dir, "missing.mp4")); !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("missing local file error = %v", err)
	}
}
