// Package youtube provides a client for the YouTube Data API v3 endpoints
// used by the publisher: OAuth refresh-token grant, channel lookup and the
// resumable video upload protocol.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	youtubeapi "google.golang.org/api/youtube/v3"
)

const (
	defaultAPIURL    = "https://youtube.googleapis.com"
	defaultUploadURL = "https://www.googleapis.com/upload/youtube/v3"

	defaultTimeout = 60 * time.Second

	// defaultChunkSize must be a multiple of 256 KiB.
	defaultChunkSize = 8 << 20

	// tokenSkew refreshes access tokens slightly before they expire.
	tokenSkew = time.Minute
)

// Credentials are the OAuth client and refresh token of one channel.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Client talks to the YouTube Data API on behalf of one channel.
type Client struct {
	httpClient *http.Client
	tokenURL   string
	apiURL     string
	uploadURL  string
	chunkSize  int64

	tokens  oauth2.TokenSource
	api     *http.Client
	service *youtubeapi.Service
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient sets the base client. Token refreshes go through it
// directly and API calls through an oauth2 transport wrapping it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEndpoints overrides the token, API and upload base URLs.
func WithEndpoints(tokenURL, apiURL, uploadURL string) Option {
	return func(c *Client) {
		c.tokenURL = tokenURL
		c.apiURL = strings.TrimRight(apiURL, "/")
		c.uploadURL = strings.TrimRight(uploadURL, "/")
	}
}

// WithChunkSize sets the resumable upload chunk size. Values are rounded
// down to a multiple of 256 KiB.
func WithChunkSize(n int64) Option {
	return func(c *Client) {
		const quantum = 256 << 10
		if n >= quantum {
			c.chunkSize = n - n%quantum
		}
	}
}

func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiURL:     defaultAPIURL,
		uploadURL:  defaultUploadURL,
		chunkSize:  defaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{youtubeapi.YoutubeUploadScope, youtubeapi.YoutubeReadonlyScope},
	}
	if c.tokenURL != "" {
		conf.Endpoint = oauth2.Endpoint{TokenURL: c.tokenURL, AuthStyle: oauth2.AuthStyleInParams}
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	c.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, refresher{ctx: ctx, conf: conf, refreshToken: creds.RefreshToken}, tokenSkew)
	c.api = oauth2.NewClient(ctx, c.tokens)
	c.api.Timeout = c.httpClient.Timeout

	svc, err := youtubeapi.NewService(ctx, option.WithHTTPClient(c.api), option.WithEndpoint(c.apiURL+"/"))
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	c.service = svc
	return c, nil
}

// refresher runs the refresh-token grant on every call; caching is left to
// the ReuseTokenSource wrapping it so the refresh skew applies.
type refresher struct {
	ctx          context.Context
	conf         *oauth2.Config
	refreshToken string
}

func (r refresher) Token() (*oauth2.Token, error) {
	tok, err := r.conf.TokenSource(r.ctx, &oauth2.Token{RefreshToken: r.refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	log.Debug().Time("expiry", tok.Expiry).Msg("YouTube access token refreshed")
	return tok, nil
}

// APIError is a non-success response from Google.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("youtube API error: %s (reason: %s, status: %d)", e.Message, e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("youtube API error: %s (status: %d)", e.Message, e.StatusCode)
}

// HTTPStatus reports the response status for retry classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// apiError converts the Data API and OAuth error types into *APIError.
// Other errors, such as transport failures, are returned unchanged.
func apiError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		apiErr := &APIError{StatusCode: gerr.Code, Message: gerr.Message}
		if len(gerr.Errors) > 0 {
			apiErr.Reason = gerr.Errors[0].Reason
		}
		if apiErr.Message == "" {
			apiErr.Message = truncate(strings.TrimSpace(gerr.Body), 200)
		}
		return apiErr
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		apiErr := &APIError{Reason: rerr.ErrorCode, Message: rerr.ErrorDescription}
		if rerr.Response != nil {
			apiErr.StatusCode = rerr.Response.StatusCode
		}
		if apiErr.Message == "" {
			apiErr.Message = truncate(strings.TrimSpace(string(rerr.Body)), 200)
		}
		return apiErr
	}
	return err
}

// checkResponse returns nil for a 2xx response and an *APIError otherwise.
func checkResponse(resp *http.Response) error {
	if err := googleapi.CheckResponse(resp); err != nil {
		return apiError(err)
	}
	return nil
}

// --- OAuth ---

// AccessToken returns a cached access token, refreshing it with the refresh
// token grant when missing or within a minute of expiry. The refresh runs
// on the client's own context, bounded by the HTTP client timeout.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", apiError(err))
	}
	return tok.AccessToken, nil
}

// --- Channels ---

// Channel is the subset of a channel resource the publisher reads.
type Channel struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Channel looks up channelID, or the token owner's channel when channelID is
// empty. It fails when the channel does not exist.
func (c *Client) Channel(ctx context.Context, channelID string) (*Channel, error) {
	call := c.service.Channels.List([]string{"id", "snippet"}).Context(ctx)
	if channelID != "" {
		call = call.Id(channelID)
	} else {
		call = call.Mine(true)
	}
	start := time.Now()
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("channel lookup: %w", apiError(err))
	}
	log.Debug().Int("items", len(resp.Items)).Dur("duration", time.Since(start)).Msg("YouTube channel lookup")
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("channel lookup: no channel found for %q", channelID)
	}
	ch := &Channel{ID: resp.Items[0].Id}
	if s := resp.Items[0].Snippet; s != nil {
		ch.Title = s.Title
	}
	return ch, nil
}

// Verify refreshes the access token and confirms the channel is reachable.
func (c *Client) Verify(ctx context.Context, channelID string) (*Channel, error) {
	if _, err := c.AccessToken(ctx); err != nil {
		return nil, err
	}
	return c.Channel(ctx, channelID)
}

// --- Upload ---

// VideoMetadata is the snippet and status of an uploaded video.
type VideoMetadata struct {
	Title         string
	Description   string
	Tags          []string
	CategoryID    string
	PrivacyStatus string
	MadeForKids   bool
}

// Video is the uploaded video resource.
type Video struct {
	ID     string `json:"id"`
	Status struct {
		UploadStatus  string `json:"uploadStatus"`
		PrivacyStatus string `json:"privacyStatus"`
	} `json:"status"`
}

// WatchURL returns the public URL of the video.
func (v *Video) WatchURL() string {
	return "https://www.youtube.com/watch?v=" + v.ID
}

func videoResource(meta VideoMetadata) *youtubeapi.Video {
	privacy := meta.PrivacyStatus
	if privacy == "" {
		privacy = "private"
	}
	return &youtubeapi.Video{
		Snippet: &youtubeapi.VideoSnippet{
			Title:       meta.Title,
			Description: meta.Description,
			Tags:        meta.Tags,
			CategoryId:  meta.CategoryID,
		},
		Status: &youtubeapi.VideoStatus{
			PrivacyStatus:           privacy,
			SelfDeclaredMadeForKids: meta.MadeForKids,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
	}
}

// Upload sends the file at path with the resumable upload protocol: a
// session is opened with the metadata, then the bytes are PUT in chunks.
// A 308 reply carries the committed range, from which the next chunk
// resumes. Failed chunks are returned to the caller, whose retry policy
// decides whether the upload is attempted again.
func (c *Client) Upload(ctx context.Context, path string, meta VideoMetadata) (*Video, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat video: %w", err)
	}
	size := stat.Size()

	sessionURL, err := c.openSession(ctx, size, meta)
	if err != nil {
		return nil, err
	}
	log.Debug().Int64("size", size).Str("title", meta.Title).Msg("YouTube upload session opened")

	start := time.Now()
	var offset int64
	for {
		end := min(offset+c.chunkSize, size)
		video, next, err := c.putChunk(ctx, sessionURL, f, offset, end, size)
		if err != nil {
			return nil, err
		}
		if video != nil {
			log.Info().
				Str("videoId", video.ID).
				Int64("size", size).
				Dur("duration", time.Since(start)).
				Msg("YouTube upload complete")
			return video, nil
		}
		if next <= offset && end > offset {
			return nil, fmt.Errorf("upload made no progress at byte %d", offset)
		}
		offset = next
	}
}

func (c *Client) openSession(ctx context.Context, size int64, meta VideoMetadata) (string, error) {
	body, err := json.Marshal(videoResource(meta))
	if err != nil {
		return "", fmt.Errorf("encode video metadata: %w", err)
	}
	q := url.Values{"uploadType": {"resumable"}, "part": {"snippet,status"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"/videos?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))
	req.Header.Set("X-Upload-Content-Type", "video/*")

	resp, err := c.api.Do(req)
	if err != nil {
		return "", fmt.Errorf("open upload session: %w", apiError(err))
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return "", fmt.Errorf("open upload session: %w", err)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("open upload session: no Location header")
	}
	return loc, nil
}

// putChunk sends bytes [offset, end) of a total-byte file. It returns the
// finished video, or the offset of the next byte the server expects.
func (c *Client) putChunk(ctx context.Context, sessionURL string, f io.ReaderAt, offset, end, total int64) (*Video, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, io.NewSectionReader(f, offset, end-offset))
	if err != nil {
		return nil, 0, fmt.Errorf("build chunk request: %w", err)
	}
	req.ContentLength = end - offset
	if total > 0 {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end-1, total))
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("upload chunk at %d: %w", offset, apiError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPermanentRedirect {
		next, ok := parseRange(resp.Header.Get("Range"))
		if !ok {
			return nil, 0, nil
		}
		log.Debug().Int64("committed", next).Int64("total", total).Msg("YouTube upload chunk accepted")
		return nil, next, nil
	}
	if err := checkResponse(resp); err != nil {
		return nil, 0, fmt.Errorf("upload chunk at %d: %w", offset, err)
	}
	var v Video
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, 0, fmt.Errorf("parse video resource: %w", err)
	}
	if v.ID == "" {
		return nil, 0, fmt.Errorf("upload finished without a video id")
	}
	return &v, 0, nil
}

// parseRange reads "bytes=0-N" and returns N+1.
func parseRange(h string) (int64, bool) {
	_, r, ok := strings.Cut(h, "=")
	if !ok {
		return 0, false
	}
	_, last, ok := strings.Cut(r, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, false
	}
	return n + 1, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
