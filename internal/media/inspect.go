package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Inspector extracts technical metadata from a local media file.
type Inspector interface {
	Inspect(ctx context.Context, path string, t Type) (Info, error)
}

// ToolInspector decodes image headers in-process and shells out to ffprobe for
// video containers.
type ToolInspector struct {
	// FFprobePath is the ffprobe binary; "ffprobe" is resolved via PATH.
	FFprobePath string
}

// NewToolInspector returns an inspector using the given ffprobe binary.
func NewToolInspector(ffprobePath string) *ToolInspector {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &ToolInspector{FFprobePath: ffprobePath}
}

// Inspect dispatches on t.
func (i *ToolInspector) Inspect(ctx context.Context, path string, t Type) (Info, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return Info{}, &Error{Kind: ErrKindInspect, Path: path, Err: err}
	}
	if stat.IsDir() {
		return Info{}, &Error{Kind: ErrKindUnsupported, Path: path, Err: errors.New("path is a directory")}
	}

	var info Info
	if t == TypeImage {
		info, err = inspectImage(path)
	} else {
		info, err = i.inspectVideo(ctx, path)
	}
	if err != nil {
		return Info{}, err
	}
	if info.FileSize == 0 {
		info.FileSize = stat.Size()
	}
	if info.AspectRatio == 0 {
		info.AspectRatio = aspect(info.Width, info.Height)
	}

	log.Debug().
		Str("path", path).
		Str("type", string(info.Type)).
		Int("width", info.Width).
		Int("height", info.Height).
		Float64("duration", info.Duration).
		Str("videoCodec", info.VideoCodec).
		Str("format", info.Format).
		Int64("fileSize", info.FileSize).
		Msg("Media inspected")
	return info, nil
}

func inspectImage(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, &Error{Kind: ErrKindInspect, Path: path, Err: err}
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Info{}, &Error{Kind: ErrKindUnsupported, Path: path, Err: fmt.Errorf("decode image header: %w", err)}
	}

	info := Info{
		Type:   TypeImage,
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: format,
	}

	// EXIF is optional; PNG and GIF rarely carry it.
	if _, err := f.Seek(0, 0); err == nil {
		if exif, err := imagemeta.Decode(f); err == nil {
			switch {
			case !exif.DateTimeOriginal().IsZero():
				info.CapturedAt = exif.DateTimeOriginal()
			case !exif.CreateDate().IsZero():
				info.CapturedAt = exif.CreateDate()
			}
			info.Camera = strings.TrimSpace(strings.TrimSpace(exif.Make) + " " + strings.TrimSpace(exif.Model))
		} else {
			log.Debug().Err(err).Str("path", path).Msg("No EXIF metadata")
		}
	}
	return info, nil
}

// ffprobeOutput mirrors the subset of `ffprobe -print_format json` we read.
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	BitRate    string            `json:"bit_rate"`
	FormatName string            `json:"format_name"`
	Tags       map[string]string `json:"tags"`
}

type ffprobeStream struct {
	CodecName  string            `json:"codec_name"`
	CodecType  string            `json:"codec_type"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	RFrameRate string            `json:"r_frame_rate"`
	Duration   string            `json:"duration"`
	Tags       map[string]string `json:"tags"`
}

func (i *ToolInspector) inspectVideo(ctx context.Context, path string) (Info, error) {
	bin, err := exec.LookPath(i.FFprobePath)
	if err != nil {
		return Info{}, &Error{Kind: ErrKindToolMissing, Path: path, Err: fmt.Errorf("ffprobe not found: %w", err)}
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Info{}, ctx.Err()
		}
		return Info{}, &Error{Kind: ErrKindInspect, Path: path, Err: fmt.Errorf("ffprobe failed: %w", err)}
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return Info{}, &Error{Kind: ErrKindInspect, Path: path, Err: fmt.Errorf("parse ffprobe output: %w", err)}
	}

	info, ok := parseProbe(probe)
	if !ok && !IsKnownExtension(filepath.Ext(path)) {
		return Info{}, &Error{Kind: ErrKindUnsupported, Path: path, Err: errors.New("no video stream found")}
	}
	return info, nil
}

// parseProbe converts ffprobe output to Info. ok is false when the container
// holds no video stream.
func parseProbe(probe ffprobeOutput) (Info, bool) {
	info := Info{Type: TypeVideo, Format: probe.Format.FormatName}

	if probe.Format.Duration != "" {
		info.Duration, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	}
	if probe.Format.BitRate != "" {
		info.Bitrate, _ = strconv.ParseInt(probe.Format.BitRate, 10, 64)
	}
	if probe.Format.Size != "" {
		info.FileSize, _ = strconv.ParseInt(probe.Format.Size, 10, 64)
	}
	if ct, ok := probe.Format.Tags["creation_time"]; ok {
		if t, err := time.Parse(time.RFC3339, ct); err == nil {
			info.CapturedAt = t
		}
	}
	maker, model := probe.Format.Tags["com.apple.quicktime.make"], probe.Format.Tags["com.apple.quicktime.model"]
	info.Camera = strings.TrimSpace(maker + " " + model)

	var hasVideo bool
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if hasVideo {
				continue
			}
			hasVideo = true
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			info.FrameRate = parseFrameRate(stream.RFrameRate)
			if info.Duration == 0 && stream.Duration != "" {
				info.Duration, _ = strconv.ParseFloat(stream.Duration, 64)
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = stream.CodecName
			}
		}
	}
	info.AspectRatio = aspect(info.Width, info.Height)
	return info, hasVideo
}

// parseFrameRate parses ffprobe's rational notation ("30000/1001" -> 29.97).
func parseFrameRate(value string) float64 {
	parts := strings.Split(value, "/")
	if len(parts) == 2 {
		num, _ := strconv.ParseFloat(parts[0], 64)
		den, _ := strconv.ParseFloat(parts[1], 64)
		if den != 0 {
			return num / den
		}
		return 0
	}
	rate, _ := strconv.ParseFloat(value, 64)
	return rate
}
