package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/media"
	"github.com/fpang/social-publisher/internal/retry"
	"github.com/fpang/social-publisher/internal/secrets"
	"github.com/fpang/social-publisher/internal/store"
	"github.com/fpang/social-publisher/internal/youtube"
)

const (
	maxTitleLength       = 100
	maxDescriptionLength = 5000
	defaultCategoryID    = "22" // People & Blogs
)

// YouTube uploads videos with the Data API. Publishing is part of the
// upload, so the adapter is one-step.
type YouTube struct {
	policy     retry.Policy
	clientOpts []youtube.Option

	mu      sync.Mutex
	clients map[string]*youtube.Client
}

var _ Adapter = (*YouTube)(nil)

func NewYouTube(policy retry.Policy, opts ...youtube.Option) *YouTube {
	return &YouTube{policy: policy, clientOpts: opts, clients: make(map[string]*youtube.Client)}
}

func (a *YouTube) Name() string              { return "youtube" }
func (a *YouTube) TwoStep() bool             { return false }
func (a *YouTube) RetryPolicy() retry.Policy { return a.policy }

func (a *YouTube) UploadType(cfg store.PlatformConfig, filePath string) (media.UploadType, error) {
	if media.DetectType(filePath) == media.TypeImage {
		return "", misconfigured("youtube only accepts video, got %s", filepath.Base(filePath))
	}
	switch cfg.UploadType {
	case "":
		return media.UploadVideo, nil
	case media.UploadVideo, media.UploadShort:
		return cfg.UploadType, nil
	}
	return "", misconfigured("youtube does not support upload type %q", cfg.UploadType)
}

// client returns a client per credential so access tokens are reused across
// verification and upload.
func (a *YouTube) client(cred json.RawMessage) (*youtube.Client, *secrets.YouTube, error) {
	var c secrets.YouTube
	if err := secrets.Decode(cred, &c); err != nil {
		return nil, nil, fmt.Errorf("%w: youtube credential: %w", ErrMisconfigured, err)
	}
	key := c.ClientID + "\x00" + c.RefreshToken
	a.mu.Lock()
	defer a.mu.Unlock()
	client, ok := a.clients[key]
	if !ok {
		var err error
		client, err = youtube.NewClient(youtube.Credentials{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RefreshToken: c.RefreshToken,
		}, a.clientOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrMisconfigured, err)
		}
		a.clients[key] = client
	}
	return client, &c, nil
}

func (a *YouTube) Verify(ctx context.Context, cred json.RawMessage) error {
	client, c, err := a.client(cred)
	if err != nil {
		return err
	}
	if _, err := client.Verify(ctx, c.ChannelID); err != nil {
		return fmt.Errorf("verify youtube channel: %w", err)
	}
	return nil
}

func (a *YouTube) Upload(ctx context.Context, cred json.RawMessage, post Post) (*Upload, error) {
	client, _, err := a.client(cred)
	if err != nil {
		return nil, err
	}
	meta := videoMetadata(post)
	video, err := client.Upload(ctx, post.FilePath, meta)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("traceId", post.TraceID).
		Str("videoId", video.ID).
		Str("privacyStatus", meta.PrivacyStatus).
		Msg("YouTube video uploaded")
	return &Upload{ID: video.ID, Result: &Result{ResourceID: video.ID, URL: video.WatchURL()}}, nil
}

// Publish returns the result of the upload; the video is already live.
func (a *YouTube) Publish(_ context.Context, _ json.RawMessage, up *Upload) (*Result, error) {
	if up.Result != nil {
		return up.Result, nil
	}
	return &Result{ResourceID: up.ID, URL: "https://www.youtube.com/watch?v=" + up.ID}, nil
}

func videoMetadata(post Post) youtube.VideoMetadata {
	title := strings.TrimSpace(post.Title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(post.FilePath), filepath.Ext(post.FilePath))
	}
	desc := post.Description
	if post.Config.UploadType == media.UploadShort && !strings.Contains(strings.ToLower(desc+title), "#shorts") {
		desc = strings.TrimSpace(desc + "\n\n#Shorts")
	}
	return youtube.VideoMetadata{
		Title:         truncateRunes(title, maxTitleLength),
		Description:   truncateRunes(desc, maxDescriptionLength),
		Tags:          post.Tags,
		CategoryID:    post.Config.Option("categoryId", defaultCategoryID),
		PrivacyStatus: post.Config.Option("privacyStatus", "private"),
		MadeForKids:   post.Config.Option("madeForKids", "false") == "true",
	}
}
