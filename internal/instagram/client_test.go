package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient creates a Client pointing at a test HTTP server.
func newTestClient(server *httptest.Server) *Client {
	return NewClient("test-token", "12345",
		WithHTTPClient(server.Client()),
		WithBaseURL(server.URL),
		WithGraphURL(server.URL),
		WithPollIntervals(5*time.Millisecond, 20*time.Millisecond),
	)
}

func TestCreateImagePost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/12345/media") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		r.ParseForm()
		if r.Form.Get("image_url") != "https://example.com/photo.jpg" {
			t.Errorf("unexpected image_url: %s", r.Form.Get("image_url"))
		}
		if r.Form.Get("caption") != "Great photo!" {
			t.Errorf("unexpected caption: %s", r.Form.Get("caption"))
		}
		if r.Form.Get("media_type") != "" {
			t.Errorf("image post should not set media_type")
		}
		json.NewEncoder(w).Encode(apiResponse{ID: "single-001"})
	}))
	defer server.Close()

	client := newTestClient(server)
	id, err := client.CreateImagePost(context.Background(), "https://example.com/photo.jpg", "Great photo!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "single-001" {
		t.Errorf("expected single-001, got %s", id)
	}
}

func TestCreateReelPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("media_type") != "REELS" {
			t.Errorf("expected media_type=REELS, got %s", r.Form.Get("media_type"))
		}
		if r.Form.Get("video_url") != "https://example.com/video.mp4" {
			t.Errorf("unexpected video_url: %s", r.Form.Get("video_url"))
		}
		if r.Form.Get("share_to_feed") != "true" {
			t.Errorf("expected share_to_feed=true")
		}
		json.NewEncoder(w).Encode(apiResponse{ID: "container-reel-001"})
	}))
	defer server.Close()

	client := newTestClient(server)
	id, err := client.CreateReelPost(context.Background(), "https://example.com/video.mp4", "caption")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "container-reel-001" {
		t.Errorf("expected container-reel-001, got %s", id)
	}
}

func TestPublish(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/12345/media_publish") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		r.ParseForm()
		if r.Form.Get("creation_id") != "container-001" {
			t.Errorf("unexpected creation_id: %s", r.Form.Get("creation_id"))
		}
		json.NewEncoder(w).Encode(apiResponse{ID: "post-001"})
	}))
	defer server.Close()

	client := newTestClient(server)
	id, err := client.Publish(context.Background(), "container-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "post-001" {
		t.Errorf("expected post-001, got %s", id)
	}
}

func TestPermalink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/post-001" || r.URL.Query().Get("fields") != "permalink" {
			t.Errorf("unexpected request: %s", r.URL)
		}
		w.Write([]byte(`{"permalink":"https://www.instagram.com/p/abc/","id":"post-001"}`))
	}))
	defer server.Close()

	link, err := newTestClient(server).Permalink(context.Background(), "post-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link != "https://www.instagram.com/p/abc/" {
		t.Errorf("permalink = %s", link)
	}
}

func TestContainerStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Query().Get("access_token") != "test-token" {
			t.Errorf("missing access token")
		}
		json.NewEncoder(w).Encode(containerStatusResponse{
			ID:         "container-001",
			StatusCode: StatusFinished,
		})
	}))
	defer server.Close()

	client := newTestClient(server)
	status, err := client.ContainerStatus(context.Background(), "container-001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusFinished {
		t.Errorf("expected FINISHED, got %s", status)
	}
}

func TestWaitForContainer(t *testing.T) {
	tests := []struct {
		name    string
		final   string
		wantErr bool
	}{
		{"finished", StatusFinished, false},
		{"error", StatusError, true},
		{"expired", StatusExpired, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				status := StatusInProgress
				if calls.Add(1) >= 3 {
					status = tt.final
				}
				json.NewEncoder(w).Encode(containerStatusResponse{ID: "c", StatusCode: status})
			}))
			defer server.Close()

			err := newTestClient(server).WaitForContainer(context.Background(), "c", 5*time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WaitForContainer error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls.Load() < 3 {
				t.Errorf("expected at least 3 polls, got %d", calls.Load())
			}
		})
	}
}

func TestWaitForContainerTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(containerStatusResponse{ID: "c", StatusCode: StatusInProgress})
	}))
	defer server.Close()

	err := newTestClient(server).WaitForContainer(context.Background(), "c", 30*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       apiErr
		wantStatus int
	}{
		{"invalid token", http.StatusBadRequest, apiErr{Message: "Invalid OAuth access token", Type: "OAuthException", Code: 190}, 400},
		{"transient flag", http.StatusBadRequest, apiErr{Message: "try later", Type: "OAuthException", Code: 4, IsTransient: true}, 503},
		{"unknown error code", http.StatusBadRequest, apiErr{Message: "unknown", Type: "OAuthException", Code: 1}, 503},
		{"server error", http.StatusInternalServerError, apiErr{Message: "boom", Type: "OAuthException", Code: 100}, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(apiResponse{Error: &tt.body})
			}))
			defer server.Close()

			_, err := newTestClient(server).CreateImagePost(context.Background(), "https://example.com/photo.jpg", "")
			var ae *APIError
			if !errors.As(err, &ae) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if ae.Type != "OAuthException" || ae.Code != tt.body.Code {
				t.Errorf("unexpected error fields: %+v", ae)
			}
			if got := ae.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(server).Publish(context.Background(), "c")
	var ae *APIError
	if !errors.As(err, &ae) || ae.HTTPStatus() != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		valid   bool
		account string
		wantErr string
	}{
		{"valid", true, `{"id":"12345","username":"studio"}`, ""},
		{"invalid token", false, `{"id":"12345"}`, "not valid"},
		{"unknown account", true, `{}`, "business account"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/debug_token":
					if r.URL.Query().Get("access_token") != "app|secret" {
						t.Errorf("app token = %s", r.URL.Query().Get("access_token"))
					}
					if r.URL.Query().Get("input_token") != "test-token" {
						t.Errorf("input token = %s", r.URL.Query().Get("input_token"))
					}
					json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"is_valid": tt.valid}})
				case "/12345":
					w.Write([]byte(tt.account))
				default:
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
			}))
			defer server.Close()

			acct, err := newTestClient(server).Verify(context.Background(), "app", "secret")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Verify error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if acct.Username != "studio" {
				t.Errorf("username = %s", acct.Username)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		limit    int
		expected string
	}{
		{"short", 10, "short"},
		{"this is a long string", 10, "this is a ..."},
		{"exact", 5, "exact"},
	}
	for _, tt := range tests {
		got := truncate(tt.input, tt.limit)
		if got != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.limit, got, tt.expected)
		}
	}
}
