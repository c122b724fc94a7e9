// Package instagram provides a client for the Instagram Graph API content
// publishing endpoints used by the publisher: single image posts and reels.
//
// Instagram publishing is a multi-step process:
//  1. Create a media container from a public media URL (presigned S3 GET)
//  2. For videos: poll container status until processing completes
//  3. Publish the container with media_publish
//
// Credentials are verified with the Graph API debug_token endpoint followed
// by a lookup of the business account.
package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// defaultBaseURL is the Instagram Graph API base URL.
	defaultBaseURL = "https://graph.instagram.com/v22.0"

	// defaultGraphURL hosts debug_token and business account lookups.
	defaultGraphURL = "https://graph.facebook.com/v19.0"

	// defaultTimeout is the HTTP client timeout for API calls.
	defaultTimeout = 30 * time.Second

	// Video container processing poll settings.
	initialPollInterval = 5 * time.Second
	maxPollInterval     = 30 * time.Second
	defaultPollTimeout  = 5 * time.Minute
)

// Container status codes returned by ContainerStatus.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusFinished   = "FINISHED"
	StatusError      = "ERROR"
	StatusExpired    = "EXPIRED"
	StatusPublished  = "PUBLISHED"
)

// Client provides methods for publishing to Instagram via the Graph API.
type Client struct {
	httpClient  *http.Client
	accessToken string
	userID      string
	baseURL     string
	graphURL    string

	pollInitial time.Duration
	pollMax     time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL points content publishing calls at another host.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithGraphURL points debug_token and account lookups at another host.
func WithGraphURL(u string) Option {
	return func(c *Client) { c.graphURL = strings.TrimRight(u, "/") }
}

// WithPollIntervals overrides the container status backoff bounds.
func WithPollIntervals(initial, maximum time.Duration) Option {
	return func(c *Client) {
		c.pollInitial = initial
		c.pollMax = maximum
	}
}

// NewClient creates an Instagram API client for the business account userID.
func NewClient(accessToken, userID string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		accessToken: accessToken,
		userID:      userID,
		baseURL:     defaultBaseURL,
		graphURL:    defaultGraphURL,
		pollInitial: initialPollInterval,
		pollMax:     maxPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- API response types ---

// apiResponse is the generic Instagram Graph API response.
type apiResponse struct {
	ID    string  `json:"id"`
	Error *apiErr `json:"error,omitempty"`
}

type apiErr struct {
	Message     string `json:"message"`
	Type        string `json:"type"`
	Code        int    `json:"code"`
	Subcode     int    `json:"error_subcode,omitempty"`
	IsTransient bool   `json:"is_transient,omitempty"`
	FBTraceID   string `json:"fbtrace_id,omitempty"`
}

// containerStatusResponse is the response from GET /{container_id}?fields=status_code,status.
type containerStatusResponse struct {
	ID         string  `json:"id"`
	StatusCode string  `json:"status_code"`
	Status     string  `json:"status,omitempty"`
	Error      *apiErr `json:"error,omitempty"`
}

// APIError is a Graph API error response.
type APIError struct {
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Message    string
	FBTraceID  string
	Transient  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("instagram API error: %s (type: %s, code: %d, status: %d)", e.Message, e.Type, e.Code, e.StatusCode)
}

// HTTPStatus reports the response status. Errors the Graph API flags as
// transient (is_transient, or the generic codes 1 and 2) report 503 so that
// vendor retry treats them like a server error.
func (e *APIError) HTTPStatus() int {
	if e.StatusCode >= 500 {
		return e.StatusCode
	}
	if e.Transient || e.Code == 1 || e.Code == 2 {
		return http.StatusServiceUnavailable
	}
	return e.StatusCode
}

func newAPIError(status int, e *apiErr) *APIError {
	return &APIError{
		StatusCode: status,
		Code:       e.Code,
		Subcode:    e.Subcode,
		Type:       e.Type,
		Message:    e.Message,
		FBTraceID:  e.FBTraceID,
		Transient:  e.IsTransient,
	}
}

// --- Container creation ---

// CreateImagePost creates a single-image post container with caption.
// imageURL must be publicly accessible.
func (c *Client) CreateImagePost(ctx context.Context, imageURL, caption string) (string, error) {
	log.Debug().Msg("Creating image container")
	params := url.Values{
		"image_url":    {imageURL},
		"caption":      {caption},
		"access_token": {c.accessToken},
	}

	resp, err := c.postForm(ctx, fmt.Sprintf("/%s/media", c.userID), params)
	if err != nil {
		return "", fmt.Errorf("create image post: %w", err)
	}
	log.Info().Str("containerId", resp.ID).Str("type", "image").Msg("Image container created")
	return resp.ID, nil
}

// CreateReelPost creates a reel container with caption. The reel is also
// shared to the main feed.
func (c *Client) CreateReelPost(ctx context.Context, videoURL, caption string) (string, error) {
	params := url.Values{
		"video_url":     {videoURL},
		"media_type":    {"REELS"},
		"caption":       {caption},
		"share_to_feed": {"true"},
		"access_token":  {c.accessToken},
	}

	resp, err := c.postForm(ctx, fmt.Sprintf("/%s/media", c.userID), params)
	if err != nil {
		return "", fmt.Errorf("create reel post: %w", err)
	}
	log.Info().Str("containerId", resp.ID).Str("type", "reel").Msg("Reel container created")
	return resp.ID, nil
}

// --- Publishing ---

// Publish publishes a media container.
// Returns the Instagram media ID of the published post.
func (c *Client) Publish(ctx context.Context, containerID string) (string, error) {
	log.Debug().Str("containerId", containerID).Msg("Publishing container")
	params := url.Values{
		"creation_id":  {containerID},
		"access_token": {c.accessToken},
	}

	resp, err := c.postForm(ctx, fmt.Sprintf("/%s/media_publish", c.userID), params)
	if err != nil {
		return "", fmt.Errorf("publish container %s: %w", containerID, err)
	}
	log.Info().Str("containerId", containerID).Str("postId", resp.ID).Msg("Container published successfully")
	return resp.ID, nil
}

// Permalink returns the public URL of a published media object.
func (c *Client) Permalink(ctx context.Context, mediaID string) (string, error) {
	var out struct {
		Permalink string  `json:"permalink"`
		Error     *apiErr `json:"error,omitempty"`
	}
	q := url.Values{"fields": {"permalink"}, "access_token": {c.accessToken}}
	if err := c.getJSON(ctx, c.baseURL+"/"+url.PathEscape(mediaID)+"?"+q.Encode(), &out, func() *apiErr { return out.Error }); err != nil {
		return "", fmt.Errorf("permalink %s: %w", mediaID, err)
	}
	return out.Permalink, nil
}

// --- Status polling ---

// ContainerStatus returns the processing status of a media container:
// IN_PROGRESS, FINISHED, ERROR, EXPIRED or PUBLISHED.
func (c *Client) ContainerStatus(ctx context.Context, containerID string) (string, error) {
	var status containerStatusResponse
	q := url.Values{"fields": {"status_code,status"}, "access_token": {c.accessToken}}
	if err := c.getJSON(ctx, c.baseURL+"/"+url.PathEscape(containerID)+"?"+q.Encode(), &status, func() *apiErr { return status.Error }); err != nil {
		return "", fmt.Errorf("container status: %w", err)
	}
	return status.StatusCode, nil
}

// WaitForContainer polls container status until FINISHED or a terminal
// failure, backing off from the initial poll interval to the maximum.
func (c *Client) WaitForContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultPollTimeout
	}

	deadline := time.Now().Add(timeout)
	interval := c.pollInitial

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("container %s: timed out after %s waiting for processing", containerID, timeout)
		}

		status, err := c.ContainerStatus(ctx, containerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("containerId", containerID).Msg("Container status poll error, retrying")
		} else {
			switch status {
			case StatusFinished:
				log.Debug().Str("containerId", containerID).Msg("Container processing finished")
				return nil
			case StatusError, StatusExpired:
				return fmt.Errorf("container %s: processing ended with %s on Instagram's side", containerID, status)
			case StatusInProgress:
				log.Debug().Str("containerId", containerID).Dur("nextPoll", interval).Msg("Container still processing")
			default:
				log.Warn().Str("containerId", containerID).Str("status", status).Msg("Unknown container status")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval = min(interval*2, c.pollMax)
	}
}

// --- Verification ---

// Account identifies the Instagram business account behind a token.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Verify checks the access token with debug_token, using the app token
// "appID|appSecret", then confirms the business account is reachable.
func (c *Client) Verify(ctx context.Context, appID, appSecret string) (*Account, error) {
	var debug struct {
		Data struct {
			IsValid bool `json:"is_valid"`
		} `json:"data"`
		Error *apiErr `json:"error,omitempty"`
	}
	q := url.Values{
		"input_token":  {c.accessToken},
		"access_token": {appID + "|" + appSecret},
	}
	if err := c.getJSON(ctx, c.graphURL+"/debug_token?"+q.Encode(), &debug, func() *apiErr { return debug.Error }); err != nil {
		return nil, fmt.Errorf("debug token: %w", err)
	}
	if !debug.Data.IsValid {
		return nil, fmt.Errorf("access token is not valid")
	}

	var acct struct {
		Account
		Error *apiErr `json:"error,omitempty"`
	}
	q = url.Values{"fields": {"id,username"}, "access_token": {c.accessToken}}
	if err := c.getJSON(ctx, c.graphURL+"/"+url.PathEscape(c.userID)+"?"+q.Encode(), &acct, func() *apiErr { return acct.Error }); err != nil {
		return nil, fmt.Errorf("business account lookup: %w", err)
	}
	if acct.ID == "" {
		return nil, fmt.Errorf("business account %s is not valid", c.userID)
	}
	log.Debug().Str("accountId", acct.ID).Str("username", acct.Username).Msg("Instagram credentials verified")
	return &acct.Account, nil
}

// --- Internal helpers ---

// getJSON issues a GET and decodes the body into out. apiError returns the
// error object decoded from the body, if any.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any, apiError func() *apiErr) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		if httpResp.StatusCode >= 400 {
			return &APIError{StatusCode: httpResp.StatusCode, Message: truncate(string(body), 200)}
		}
		return fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(body), 200))
	}
	if e := apiError(); e != nil {
		return newAPIError(httpResp.StatusCode, e)
	}
	if httpResp.StatusCode >= 400 {
		return &APIError{StatusCode: httpResp.StatusCode, Message: truncate(string(body), 200)}
	}
	return nil
}

// postForm sends a POST request with form-encoded parameters to the Instagram API.
func (c *Client) postForm(ctx context.Context, endpoint string, params url.Values) (*apiResponse, error) {
	startTime := time.Now()

	paramNames := make([]string, 0, len(params))
	for key := range params {
		paramNames = append(paramNames, key)
	}
	log.Trace().Strs("formParams", paramNames).Msg("Form parameters")

	log.Debug().Str("method", http.MethodPost).Str("path", endpoint).Msg("Instagram API request")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		log.Debug().Int("statusCode", 0).Dur("duration", duration).Err(err).Msg("Instagram API response")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	log.Debug().Int("statusCode", httpResp.StatusCode).Dur("duration", duration).Msg("Instagram API response")

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if httpResp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: httpResp.StatusCode, Message: truncate(string(body), 200)}
		}
		return nil, fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(body), 200))
	}

	if resp.Error != nil {
		log.Error().Str("errorMessage", resp.Error.Message).Str("errorType", resp.Error.Type).Int("errorCode", resp.Error.Code).Msg("Instagram API error")
		return nil, newAPIError(httpResp.StatusCode, resp.Error)
	}
	if httpResp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: httpResp.StatusCode, Message: truncate(string(body), 200)}
	}

	if resp.ID == "" {
		return nil, fmt.Errorf("unexpected response: no ID returned (body: %s)", truncate(string(body), 200))
	}

	return &resp, nil
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
