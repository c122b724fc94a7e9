// Package media implements the media prep engine used by platform workers:
// inspection of a local file, validation against a platform's declared
// requirements, and transcoding into a conforming copy when needed.
//
// Metadata extraction follows a split-provider model:
//   - Images (JPEG, PNG, GIF, WebP, BMP, TIFF): pure Go decoders
//   - Videos (MP4, MOV, MKV, ...): external tool using ffprobe
package media

import (
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// Type is the broad media category of a file.
type Type string

const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
)

// ImageExtensions maps the image extensions the pipeline recognises to MIME types.
var ImageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tiff": "image/tiff",
}

// VideoExtensions maps the video extensions the pipeline recognises to MIME types.
var VideoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".flv":  "video/x-flv",
	".wmv":  "video/x-ms-wmv",
	".m4v":  "video/x-m4v",
}

// preferredExt picks a stable extension for MIME types shared by several extensions.
var preferredExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/tiff": ".tiff",
}

// DetectType classifies a file by extension. Unknown extensions are treated as
// video; the inspector confirms or rejects that guess.
func DetectType(path string) Type {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := ImageExtensions[ext]; ok {
		return TypeImage
	}
	return TypeVideo
}

// IsKnownExtension reports whether ext is in either extension table.
func IsKnownExtension(ext string) bool {
	ext = strings.ToLower(ext)
	_, img := ImageExtensions[ext]
	_, vid := VideoExtensions[ext]
	return img || vid
}

// MIMEType returns the MIME type for a path, or "application/octet-stream".
func MIMEType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if m, ok := ImageExtensions[ext]; ok {
		return m
	}
	if m, ok := VideoExtensions[ext]; ok {
		return m
	}
	return "application/octet-stream"
}

// ExtensionForMIME maps a Content-Type header value to a file extension.
// Parameters such as "; charset=binary" are ignored. Returns "" when the type
// is not a recognised media type.
func ExtensionForMIME(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.ToLower(contentType))
	}
	if ext, ok := preferredExt[mediaType]; ok {
		return ext
	}
	for ext, m := range ImageExtensions {
		if m == mediaType {
			return ext
		}
	}
	for ext, m := range VideoExtensions {
		if m == mediaType {
			return ext
		}
	}
	return ""
}

// Info is the technical metadata of an inspected file. Zero-valued fields
// are unknown and are skipped by the validator.
type Info struct {
	Type        Type    `json:"type"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	AspectRatio float64 `json:"aspectRatio,omitempty"`
	// Duration is in seconds.
	Duration   float64 `json:"duration,omitempty"`
	VideoCodec string  `json:"videoCodec,omitempty"`
	AudioCodec string  `json:"audioCodec,omitempty"`
	FrameRate  float64 `json:"frameRate,omitempty"`
	Bitrate    int64   `json:"bitrate,omitempty"`
	FileSize   int64   `json:"fileSize,omitempty"`
	Format     string  `json:"format,omitempty"`

	CapturedAt time.Time `json:"capturedAt,omitzero"`
	Camera     string    `json:"camera,omitempty"`
}

// aspect returns width/height, or 0 when either dimension is unknown.
func aspect(width, height int) float64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	return float64(width) / float64(height)
}
