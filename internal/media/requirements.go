package media

import (
	"fmt"
	"sort"
	"strings"
)

// UploadType names a platform publishing surface that carries its own media
// envelope (e.g. Instagram reels vs. carousel items).
type UploadType string

const (
	UploadImage         UploadType = "image"
	UploadCarouselImage UploadType = "carousel_image"
	UploadReel          UploadType = "reel"
	UploadCarouselVideo UploadType = "carousel_video"
	UploadShort         UploadType = "short"
	UploadVideo         UploadType = "video"
)

// Requirements is the normalized media envelope for one (platform, upload
// type) pair. Zero values mean "no constraint".
type Requirements struct {
	Formats     []string `json:"formats,omitempty"`
	VideoCodecs []string `json:"videoCodecs,omitempty"`
	AudioCodecs []string `json:"audioCodecs,omitempty"`

	MinDuration float64 `json:"minDurationSeconds,omitempty"`
	MaxDuration float64 `json:"maxDurationSeconds,omitempty"`

	MinWidth  int `json:"minWidthPixels,omitempty"`
	MaxWidth  int `json:"maxWidthPixels,omitempty"`
	MinHeight int `json:"minHeightPixels,omitempty"`
	MaxHeight int `json:"maxHeightPixels,omitempty"`

	MinAspectRatio         float64 `json:"minAspectRatio,omitempty"`
	MaxAspectRatio         float64 `json:"maxAspectRatio,omitempty"`
	RecommendedAspectRatio float64 `json:"recommendedAspectRatio,omitempty"`

	MinFrameRate float64 `json:"minFrameRate,omitempty"`
	MaxFrameRate float64 `json:"maxFrameRate,omitempty"`

	MaxFileSizeMB float64 `json:"maxFileSizeMB,omitempty"`

	// MinResolution applies to images: the shorter edge must reach it.
	MinResolution int `json:"minResolution,omitempty"`
}

// Catalog resolves requirements by platform and upload type. It is built once
// at startup and read-only afterwards.
type Catalog struct {
	entries map[string]Requirements
}

func catalogKey(platform string, upload UploadType) string {
	return strings.ToLower(platform) + "/" + string(upload)
}

// NewCatalog builds a catalog from explicit entries keyed by platform then
// upload type.
func NewCatalog(entries map[string]map[UploadType]Requirements) *Catalog {
	c := &Catalog{entries: make(map[string]Requirements)}
	for platform, byType := range entries {
		for upload, req := range byType {
			c.entries[catalogKey(platform, upload)] = req.normalized()
		}
	}
	return c
}

// Lookup returns the requirements for a platform/upload type pair.
func (c *Catalog) Lookup(platform string, upload UploadType) (Requirements, error) {
	req, ok := c.entries[catalogKey(platform, upload)]
	if !ok {
		return Requirements{}, fmt.Errorf("no media requirements for %s/%s", platform, upload)
	}
	return req, nil
}

// Keys lists the registered "platform/upload" pairs in sorted order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalized lowercases format and codec lists so the validator can compare
// against lowercased probe output directly.
func (r Requirements) normalized() Requirements {
	out := r
	out.Formats = lowerAll(r.Formats)
	out.VideoCodecs = lowerAll(r.VideoCodecs)
	out.AudioCodecs = lowerAll(r.AudioCodecs)
	return out
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// Platform envelopes published by Meta and Google.
var (
	instagramImage = Requirements{
		Formats:        []string{"jpg", "jpeg", "png"},
		MinAspectRatio: 0.8,
		MaxAspectRatio: 1.91,
		MaxFileSizeMB:  8,
		MinWidth:       320,
		MaxWidth:       1440,
	}

	instagramVideo = Requirements{
		Formats:      []string{"mp4", "mov"},
		AudioCodecs:  []string{"aac"},
		VideoCodecs:  []string{"h264", "hevc"},
		MinFrameRate: 23,
		MaxFrameRate: 60,
	}

	youtubeVideo = Requirements{
		Formats:     []string{"mp4", "mov"},
		AudioCodecs: []string{"aac", "mp3", "opus"},
		VideoCodecs: []string{"h264"},
	}
)

// DefaultCatalog returns the built-in Instagram and YouTube envelopes.
func DefaultCatalog() *Catalog {
	carouselImage := instagramImage
	carouselImage.MaxFileSizeMB = 30
	carouselImage.MinWidth = 600
	carouselImage.MinResolution = 1080

	reel := instagramVideo
	reel.MinDuration = 3
	reel.MaxDuration = 90
	reel.MinWidth = 540
	reel.MinHeight = 960
	reel.MaxWidth = 1920
	reel.MaxHeight = 1920
	reel.MinAspectRatio = 0.5625
	reel.MaxAspectRatio = 1.91
	reel.MaxFileSizeMB = 4000
	reel.MinFrameRate = 30
	reel.RecommendedAspectRatio = 0.5625

	carouselVideo := instagramVideo
	carouselVideo.MinDuration = 3
	carouselVideo.MaxDuration = 60
	carouselVideo.MinWidth = 600
	carouselVideo.MinAspectRatio = 0.8
	carouselVideo.MaxAspectRatio = 1.91
	carouselVideo.MaxFileSizeMB = 4000
	carouselVideo.MinFrameRate = 30

	short := youtubeVideo
	short.MinDuration = 1
	short.MaxDuration = 60
	short.MaxWidth = 1080
	short.MaxHeight = 1920
	short.MaxFileSizeMB = 128000
	short.RecommendedAspectRatio = 0.5625
	short.MinFrameRate = 24
	short.MaxFrameRate = 60

	standard := youtubeVideo
	standard.MinDuration = 1
	standard.MaxDuration = 43200
	standard.MaxWidth = 3840
	standard.MaxHeight = 2160
	standard.MaxFileSizeMB = 128000
	standard.RecommendedAspectRatio = 1.7778
	standard.MinFrameRate = 24
	standard.MaxFrameRate = 60

	return NewCatalog(map[string]map[UploadType]Requirements{
		"instagram": {
			UploadImage:         instagramImage,
			UploadCarouselImage: carouselImage,
			UploadReel:          reel,
			UploadCarouselVideo: carouselVideo,
		},
		"youtube": {
			UploadShort: short,
			UploadVideo: standard,
		},
	})
}
