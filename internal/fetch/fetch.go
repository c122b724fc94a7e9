// Package fetch downloads the source media of a publish request into the
// request's working directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/media"
	"github.com/fpang/social-publisher/internal/s3util"
)

const defaultTimeout = 10 * time.Minute

// ErrUnsupportedSource is returned for references that are neither an
// http(s) URL, an s3:// URI nor an existing local path.
var ErrUnsupportedSource = errors.New("unsupported media source")

// StatusError is a non-2xx response from an HTTP source.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// HTTPStatus reports the response status for retry classification.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Result describes a downloaded file.
type Result struct {
	Path        string
	ContentType string
	Size        int64
}

// Downloader fetches media from http(s), S3 or the local filesystem.
type Downloader struct {
	httpClient *http.Client
	s3         s3util.GetObjectAPI
	workDir    string
}

// NewDownloader returns a downloader writing under workDir. s3 may be nil,
// in which case s3:// sources are rejected.
func NewDownloader(workDir string, httpClient *http.Client, s3 s3util.GetObjectAPI) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Downloader{httpClient: httpClient, s3: s3, workDir: workDir}
}

// Dir returns the working directory of a trace.
func (d *Downloader) Dir(traceID string) string {
	return filepath.Join(d.workDir, traceID)
}

// Fetch downloads source into "<workDir>/<traceID>/<traceID><ext>", where the
// extension is mapped from the content type and falls back to the source's
// own extension. A re-run overwrites the previous download.
func (d *Downloader) Fetch(ctx context.Context, traceID, source string) (*Result, error) {
	dir := d.Dir(traceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	tmp := filepath.Join(dir, traceID+".download")

	start := time.Now()
	var contentType string
	var err error
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		contentType, err = d.fetchHTTP(ctx, source, tmp)
	case strings.HasPrefix(source, "s3://"):
		contentType, err = d.fetchS3(ctx, source, tmp)
	default:
		contentType, err = copyLocal(source, tmp)
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}

	final := filepath.Join(dir, traceID+extensionFor(contentType, source))
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("finalize download: %w", err)
	}
	info, err := os.Stat(final)
	if err != nil {
		return nil, fmt.Errorf("stat download: %w", err)
	}
	log.Info().
		Str("traceId", traceID).
		Str("path", final).
		Str("contentType", contentType).
		Int64("size", info.Size()).
		Dur("elapsed", time.Since(start)).
		Msg("Source media downloaded")
	return &Result{Path: final, ContentType: contentType, Size: info.Size()}, nil
}

func (d *Downloader) fetchHTTP(ctx context.Context, source, dst string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{URL: source, StatusCode: resp.StatusCode}
	}
	if err := writeFile(dst, resp.Body); err != nil {
		return "", err
	}
	return resp.Header.Get("Content-Type"), nil
}

func (d *Downloader) fetchS3(ctx context.Context, source, dst string) (string, error) {
	bucket, key, ok := s3util.ParseURI(source)
	if !ok || d.s3 == nil {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}
	return s3util.DownloadToFile(ctx, d.s3, bucket, key, dst)
}

func copyLocal(source, dst string) (string, error) {
	src := strings.TrimPrefix(source, "file://")
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
		}
		return "", fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	if err := writeFile(dst, f); err != nil {
		return "", err
	}
	return media.MIMEType(src), nil
}

func writeFile(dst string, r io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write download: %w", err)
	}
	return f.Close()
}

// extensionFor maps the content type to an extension, falling back to the
// extension of the source path when the type is generic or unknown.
func extensionFor(contentType, source string) string {
	if ext := media.ExtensionForMIME(contentType); ext != "" {
		return ext
	}
	p := source
	if u, err := url.Parse(source); err == nil && u.Scheme != "" {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if media.IsKnownExtension(ext) {
		return ext
	}
	return ""
}
