package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/social-publisher/internal/instagram"
	"github.com/fpang/social-publisher/internal/media"
	"github.com/fpang/social-publisher/internal/retry"
	"github.com/fpang/social-publisher/internal/secrets"
	"github.com/fpang/social-publisher/internal/store"
)

// maxCaptionLength is Instagram's caption limit in characters.
const maxCaptionLength = 2200

// Stager makes a local file reachable over a public URL.
type Stager interface {
	PublicURL(ctx context.Context, traceID, localPath string) (string, error)
}

// Instagram publishes images and reels through the Graph API. Instagram
// fetches media by URL, so local files go through the Stager first.
type Instagram struct {
	stager           Stager
	policy           retry.Policy
	containerTimeout time.Duration
	clientOpts       []instagram.Option
}

var _ Adapter = (*Instagram)(nil)

// NewInstagram returns the adapter. stager may be nil when every source is
// already a public http(s) URL.
func NewInstagram(stager Stager, policy retry.Policy, opts ...instagram.Option) *Instagram {
	return &Instagram{
		stager:           stager,
		policy:           policy,
		containerTimeout: 5 * time.Minute,
		clientOpts:       opts,
	}
}

func (a *Instagram) Name() string              { return "instagram" }
func (a *Instagram) TwoStep() bool             { return true }
func (a *Instagram) RetryPolicy() retry.Policy { return a.policy }

func (a *Instagram) UploadType(cfg store.PlatformConfig, filePath string) (media.UploadType, error) {
	if cfg.UploadType != "" {
		switch cfg.UploadType {
		case media.UploadImage, media.UploadCarouselImage, media.UploadReel, media.UploadCarouselVideo:
			return cfg.UploadType, nil
		}
		return "", misconfigured("instagram does not support upload type %q", cfg.UploadType)
	}
	if media.DetectType(filePath) == media.TypeImage {
		return media.UploadImage, nil
	}
	return media.UploadReel, nil
}

func (a *Instagram) client(cred json.RawMessage) (*instagram.Client, *secrets.Instagram, error) {
	var c secrets.Instagram
	if err := secrets.Decode(cred, &c); err != nil {
		return nil, nil, fmt.Errorf("%w: instagram credential: %w", ErrMisconfigured, err)
	}
	return instagram.NewClient(c.AccessToken, c.BusinessAccountID, a.clientOpts...), &c, nil
}

func (a *Instagram) Verify(ctx context.Context, cred json.RawMessage) error {
	client, c, err := a.client(cred)
	if err != nil {
		return err
	}
	if _, err := client.Verify(ctx, c.AppID, c.AppSecret); err != nil {
		return fmt.Errorf("verify instagram account %s: %w", c.BusinessAccountID, err)
	}
	return nil
}

// Upload creates a media container and waits until Instagram has processed
// it. The returned ID is the container to publish.
func (a *Instagram) Upload(ctx context.Context, cred json.RawMessage, post Post) (*Upload, error) {
	client, _, err := a.client(cred)
	if err != nil {
		return nil, err
	}
	mediaURL, err := a.publicURL(ctx, post)
	if err != nil {
		return nil, err
	}
	text := truncateRunes(caption(post), maxCaptionLength)

	var containerID string
	if media.DetectType(post.FilePath) == media.TypeImage {
		containerID, err = client.CreateImagePost(ctx, mediaURL, text)
	} else {
		containerID, err = client.CreateReelPost(ctx, mediaURL, text)
	}
	if err != nil {
		return nil, fmt.Errorf("create instagram container: %w", err)
	}
	if err := client.WaitForContainer(ctx, containerID, a.containerTimeout); err != nil {
		return nil, err
	}
	log.Debug().Str("traceId", post.TraceID).Str("containerId", containerID).Msg("Instagram container ready")
	return &Upload{ID: containerID}, nil
}

func (a *Instagram) Publish(ctx context.Context, cred json.RawMessage, up *Upload) (*Result, error) {
	client, _, err := a.client(cred)
	if err != nil {
		return nil, err
	}
	mediaID, err := client.Publish(ctx, up.ID)
	if err != nil {
		return nil, fmt.Errorf("publish instagram container %s: %w", up.ID, err)
	}
	res := &Result{ResourceID: mediaID}
	// The post is live at this point; a missing permalink is not a failure.
	if link, err := client.Permalink(ctx, mediaID); err != nil {
		log.Warn().Err(err).Str("mediaId", mediaID).Msg("Failed to fetch Instagram permalink")
	} else {
		res.URL = link
	}
	return res, nil
}

func (a *Instagram) publicURL(ctx context.Context, post Post) (string, error) {
	if a.stager != nil {
		u, err := a.stager.PublicURL(ctx, post.TraceID, post.FilePath)
		if err != nil {
			return "", fmt.Errorf("stage media for instagram: %w", err)
		}
		return u, nil
	}
	if !post.Converted && (strings.HasPrefix(post.SourceURL, "https://") || strings.HasPrefix(post.SourceURL, "http://")) {
		return post.SourceURL, nil
	}
	return "", misconfigured("instagram needs a public URL for %s and no media bucket is configured", post.FilePath)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
