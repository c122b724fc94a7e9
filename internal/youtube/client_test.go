package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	youtubeapi "google.golang.org/api/youtube/v3"
)

// fakeGoogle serves the token, channels and resumable upload endpoints.
type fakeGoogle struct {
	t            *testing.T
	tokenCalls   atomic.Int32
	tokenStatus  int
	// tokenExpiresIn defaults to an hour.
	tokenExpiresIn int
	channelItems   string

	mu       sync.Mutex
	received []byte
	meta     youtubeapi.Video
	rawMeta  map[string]any
	ranges   []string
}

func (f *fakeGoogle) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh" {
			f.t.Errorf("unexpected token form: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
			return
		}
		expiresIn := f.tokenExpiresIn
		if expiresIn == 0 {
			expiresIn = 3600
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "access-1", "expires_in": expiresIn, "token_type": "Bearer"})
	})
	mux.HandleFunc("/api/youtube/v3/channels", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			f.t.Errorf("missing bearer token")
		}
		w.Write([]byte(f.channelItems))
	})
	mux.HandleFunc("/upload/videos", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uploadType") != "resumable" {
			f.t.Errorf("uploadType = %s", r.URL.Query().Get("uploadType"))
		}
		if r.Header.Get("Authorization") != "Bearer access-1" {
			f.t.Errorf("session request without bearer token")
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		json.Unmarshal(body, &f.meta)
		json.Unmarshal(body, &f.rawMeta)
		f.mu.Unlock()
		w.Header().Set("Location", "http://"+r.Host+"/session/1")
	})
	mux.HandleFunc("/session/1", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.received = append(f.received, body...)
		f.ranges = append(f.ranges, r.Header.Get("Content-Range"))
		total := len(f.received)
		f.mu.Unlock()

		var size int
		fmt.Sscanf(r.Header.Get("Content-Range")[strings.LastIndex(r.Header.Get("Content-Range"), "/")+1:], "%d", &size)
		if total < size {
			w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", total-1))
			w.WriteHeader(http.StatusPermanentRedirect)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"vid-123","status":{"uploadStatus":"uploaded","privacyStatus":"public"}}`))
	})
	return mux
}

func newTestClient(t *testing.T, server *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithHTTPClient(server.Client()),
		WithEndpoints(server.URL+"/token", server.URL+"/api", server.URL+"/upload"),
	}, opts...)
	client, err := NewClient(Credentials{ClientID: "id", ClientSecret: "secret", RefreshToken: "refresh"}, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestAccessTokenIsCached(t *testing.T) {
	fake := &fakeGoogle{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := newTestClient(t, server)
	for range 3 {
		tok, err := client.AccessToken(context.Background())
		if err != nil || tok != "access-1" {
			t.Fatalf("AccessToken = %q, %v", tok, err)
		}
	}
	if n := fake.tokenCalls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
}

func TestAccessTokenRefreshedWithinSkew(t *testing.T) {
	// A token expiring inside the one minute skew is never reused.
	fake := &fakeGoogle{t: t, tokenExpiresIn: 30}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := newTestClient(t, server)
	for range 3 {
		if _, err := client.AccessToken(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := fake.tokenCalls.Load(); n != 3 {
		t.Errorf("token endpoint called %d times, want 3", n)
	}
}

func TestAccessTokenCancelledContext(t *testing.T) {
	fake := &fakeGoogle{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestClient(t, server).AccessToken(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("AccessToken error = %v, want context.Canceled", err)
	}
	if n := fake.tokenCalls.Load(); n != 0 {
		t.Errorf("token endpoint called %d times, want 0", n)
	}
}

func TestAccessTokenRevoked(t *testing.T) {
	fake := &fakeGoogle{t: t, tokenStatus: http.StatusBadRequest}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	_, err := newTestClient(t, server).AccessToken(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Reason != "invalid_grant" || apiErr.HTTPStatus() != 400 {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		items   string
		wantErr bool
	}{
		{"channel found", `{"items":[{"id":"UC1","snippet":{"title":"Studio"}}]}`, false},
		{"no channel", `{"items":[]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeGoogle{t: t, channelItems: tt.items}
			server := httptest.NewServer(fake.handler())
			defer server.Close()

			ch, err := newTestClient(t, server).Verify(context.Background(), "UC1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && ch.Title != "Studio" {
				t.Errorf("channel = %+v", ch)
			}
		})
	}
}

func TestUploadInChunks(t *testing.T) {
	fake := &fakeGoogle{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	data := make([]byte, 600<<10)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	client := newTestClient(t, server, WithChunkSize(256<<10))
	video, err := client.Upload(context.Background(), path, VideoMetadata{
		Title:         "Launch",
		Description:   "desc",
		Tags:          []string{"a", "b"},
		PrivacyStatus: "public",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if video.ID != "vid-123" || video.WatchURL() != "https://www.youtube.com/watch?v=vid-123" {
		t.Errorf("video = %+v", video)
	}
	if len(fake.ranges) != 3 {
		t.Fatalf("chunks = %v, want 3", fake.ranges)
	}
	if fake.ranges[0] != "bytes 0-262143/614400" || fake.ranges[2] != "bytes 524288-614399/614400" {
		t.Errorf("ranges = %v", fake.ranges)
	}
	if string(fake.received) != string(data) {
		t.Error("server received different bytes")
	}
	if fake.meta.Snippet == nil || fake.meta.Status == nil || fake.meta.Snippet.Title != "Launch" || fake.meta.Status.PrivacyStatus != "public" {
		t.Errorf("metadata = %+v", fake.meta)
	}
	status, _ := fake.rawMeta["status"].(map[string]any)
	if kids, ok := status["selfDeclaredMadeForKids"]; !ok || kids != false {
		t.Errorf("status = %v, want selfDeclaredMadeForKids sent as false", status)
	}
}

func TestUploadServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"access-1","expires_in":3600}`))
		case "/upload/videos":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"code":503,"message":"Backend Error","errors":[{"reason":"backendError"}]}}`))
		}
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "clip.mp4")
	os.WriteFile(path, []byte("data"), 0o644)

	_, err := newTestClient(t, server).Upload(context.Background(), path, VideoMetadata{Title: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.HTTPStatus() != 503 || apiErr.Reason != "backendError" || apiErr.Message != "Backend Error" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header string
		want   int64
		ok     bool
	}{
		{"bytes=0-262143", 262144, true},
		{"bytes=0-0", 1, true},
		{"", 0, false},
		{"bytes=0-x", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseRange(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseRange(%q) = %d, %v; want %d, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
