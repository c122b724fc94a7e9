package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fpang/social-publisher/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// Encoding defaults for converted media.
const (
	// DefaultImageQuality is the JPEG quality used when the target names none.
	DefaultImageQuality = 90

	// VideoPreset and VideoCRF are the x264/x265 rate-control settings.
	VideoPreset = "medium"
	VideoCRF    = 23

	// AudioBitrate applies whenever audio is re-encoded.
	AudioBitrate = "128k"

	// PadWidth is the canvas width used when only an aspect ratio is targeted.
	PadWidth = 1080
)

// TranscodeRequest describes one conversion.
type TranscodeRequest struct {
	Source   string
	Info     Info
	Target   Target
	TraceID  string
	Platform string
}

// Transcoder produces a new file satisfying a Target.
type Transcoder interface {
	Transcode(ctx context.Context, req TranscodeRequest) (string, error)
}

// ToolTranscoder converts images in-process and videos through ffmpeg.
type ToolTranscoder struct {
	FFmpegPath string
}

// NewToolTranscoder returns a transcoder using the given ffmpeg binary.
func NewToolTranscoder(ffmpegPath string) *ToolTranscoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &ToolTranscoder{FFmpegPath: ffmpegPath}
}

// OutputPath returns the deterministic destination for a converted file:
// <dir(src)>/<traceID>/<platform>-converted.<ext>. When the source already
// lives in the trace folder that folder is reused.
func OutputPath(src, traceID, platform, ext string) string {
	dir := filepath.Dir(src)
	if traceID != "" && filepath.Base(dir) != traceID {
		dir = filepath.Join(dir, traceID)
	}
	name := "converted." + strings.TrimPrefix(ext, ".")
	if platform != "" {
		name = strings.ToLower(platform) + "-" + name
	}
	return filepath.Join(dir, name)
}

// Transcode dispatches on the media type recorded in req.Info.
func (t *ToolTranscoder) Transcode(ctx context.Context, req TranscodeRequest) (string, error) {
	start := time.Now()
	var (
		out string
		err error
	)
	if req.Info.Type == TypeImage {
		out, err = transcodeImage(req)
	} else {
		out, err = t.transcodeVideo(ctx, req)
	}
	elapsed := time.Since(start)

	m := metrics.New(metrics.Namespace).
		Dimension("MediaType", string(req.Info.Type)).
		Metric("TranscodeMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds)
	if err != nil {
		m.Count("TranscodeErrors").Flush()
		return "", err
	}
	m.Count("Conversions").Flush()

	log.Info().
		Str("source", req.Source).
		Str("output", out).
		Str("platform", req.Platform).
		Dur("elapsed", elapsed).
		Msg("Media converted")
	return out, nil
}

// imageEncoding resolves the output encoder name and extension. Formats
// without a Go encoder fall back to JPEG.
func imageEncoding(target, source string) (format, ext string) {
	format = strings.ToLower(target)
	if format == "" {
		format = strings.ToLower(source)
	}
	switch format {
	case "jpg", "jpeg":
		return "jpeg", "jpg"
	case "png", "gif", "bmp", "tiff":
		return format, format
	default:
		return "jpeg", "jpg"
	}
}

func transcodeImage(req TranscodeRequest) (string, error) {
	in, err := os.Open(req.Source)
	if err != nil {
		return "", &Error{Kind: ErrKindTranscode, Path: req.Source, Err: err}
	}
	defer in.Close()

	src, srcFormat, err := image.Decode(in)
	if err != nil {
		return "", &Error{Kind: ErrKindTranscode, Path: req.Source, Err: fmt.Errorf("decode image: %w", err)}
	}

	dst := resizeImage(src, req.Target)

	format, ext := imageEncoding(req.Target.Format, srcFormat)
	outPath := OutputPath(req.Source, req.TraceID, req.Platform, ext)
	if outPath == req.Source {
		return "", &Error{Kind: ErrKindTranscode, Path: req.Source, Err: errors.New("output path equals source")}
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", &Error{Kind: ErrKindTranscode, Path: req.Source, Err: err}
	}

	out, err := os.Create(outPath)
	if err != nil {
		return "", &Error{Kind: ErrKindTranscode, Path: req.Source, Err: err}
	}
	if err := encodeImage(out, dst, format, req.Target.Quality); err != nil {
		out.Close()
		os.Remove(outPath)
		return "", &Error{Kind: ErrKindTranscode, Path: req.Source, Err: fmt.Errorf("encode %s: %w", format, err)}
	}
	if err := out.Close(); err != nil {
		return "", &Error{Kind: ErrKindTranscode, Path: req.Source, Err: err}
	}
	return outPath, nil
}

func encodeImage(f *os.File, img image.Image, format string, quality int) error {
	switch format {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		return enc.Encode(f, img)
	case "gif":
		return gif.Encode(f, img, nil)
	case "bmp":
		return bmp.Encode(f, img)
	case "tiff":
		return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		if quality <= 0 || quality > 100 {
			quality = DefaultImageQuality
		}
		return jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	}
}

// resizeImage applies the target geometry. Both dimensions: scale to cover
// and center-crop. One dimension: fit inside keeping the aspect ratio. Only
// an aspect ratio: center-crop to it without scaling.
func resizeImage(src image.Image, t Target) image.Image {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()

	crop := b
	w, h := t.Width, t.Height
	switch {
	case w > 0 && h > 0:
		crop = centerCrop(b, float64(w)/float64(h))
	case w > 0:
		h = max(1, int(math.Round(float64(w)*float64(sh)/float64(sw))))
	case h > 0:
		w = max(1, int(math.Round(float64(h)*float64(sw)/float64(sh))))
	case t.AspectRatio > 0:
		crop = centerCrop(b, t.AspectRatio)
		w, h = crop.Dx(), crop.Dy()
	default:
		return src
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Over, nil)
	return dst
}

// centerCrop returns the largest centered rectangle of r with aspect ar.
func centerCrop(r image.Rectangle, ar float64) image.Rectangle {
	w, h := r.Dx(), r.Dy()
	if w == 0 || h == 0 || ar <= 0 {
		return r
	}
	current := float64(w) / float64(h)
	if current > ar {
		nw := int(math.Round(float64(h) * ar))
		x0 := r.Min.X + (w-nw)/2
		return image.Rect(x0, r.Min.Y, x0+nw, r.Max.Y)
	}
	nh := int(math.Round(float64(w) / ar))
	y0 := r.Min.Y + (h-nh)/2
	return image.Rect(r.Min.X, y0, r.Max.X, y0+nh)
}

func (t *ToolTranscoder) transcodeVideo(ctx context.Context, req TranscodeRequest) (string, error) {
	bin, err := exec.LookPath(t.FFmpegPath)
	if err != nil {
		return "", &Error{Kind: ErrKindToolMissing, Path: req.Source, Err: fmt.Errorf("ffmpeg not found: %w", err)}
	}

	container := strings.ToLower(req.Target.Format)
	if container == "" {
		container = "mp4"
	}
	outPath := OutputPath(req.Source, req.TraceID, req.Platform, container)
	if outPath == req.Source {
		return "", &Error{Kind: ErrKindTranscode, Path: req.Source, Err: errors.New("output path equals source")}
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", &Error{Kind: ErrKindTranscode, Path: req.Source, Err: err}
	}

	args := buildFFmpegArgs(req.Source, outPath, req.Target, container)
	log.Debug().Strs("args", args).Msg("Running ffmpeg conversion")

	cmd := exec.CommandContext(ctx, bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn().
			Err(err).
			Str("source", req.Source).
			Str("ffmpegOutput", tail(string(output), 2000)).
			Msg("ffmpeg conversion failed")
		return "", &Error{Kind: ErrKindTranscode, Path: req.Source, Err: fmt.Errorf("ffmpeg failed: %w", err)}
	}
	return outPath, nil
}

// buildFFmpegArgs translates a Target into an ffmpeg command line. Streams
// are copied unless a codec change or a filter forces a re-encode.
func buildFFmpegArgs(inputPath, outputPath string, t Target, container string) []string {
	args := []string{"-i", inputPath}

	filters := videoFilters(t)
	needsEncode := len(filters) > 0 || t.FrameRate > 0 || t.Quality > 0

	codec := strings.ToLower(t.VideoCodec)
	if codec == "" && needsEncode {
		codec = "h264"
	}
	switch codec {
	case "":
		args = append(args, "-c:v", "copy")
	case "h264", "avc":
		args = append(args, "-c:v", "libx264", "-preset", VideoPreset, "-crf", strconv.Itoa(crfFor(t.Quality)))
	case "hevc", "h265":
		args = append(args, "-c:v", "libx265", "-preset", VideoPreset, "-crf", strconv.Itoa(crfFor(t.Quality)))
	default:
		args = append(args, "-c:v", codec, "-preset", VideoPreset, "-crf", strconv.Itoa(crfFor(t.Quality)))
	}

	if t.AudioCodec != "" {
		args = append(args, "-c:a", strings.ToLower(t.AudioCodec), "-b:a", AudioBitrate)
	} else {
		args = append(args, "-c:a", "copy")
	}

	if t.FrameRate > 0 {
		args = append(args, "-r", strconv.FormatFloat(t.FrameRate, 'f', -1, 64))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	if t.MaxDuration > 0 {
		args = append(args, "-t", strconv.FormatFloat(t.MaxDuration, 'f', -1, 64))
	}

	args = append(args, "-f", container)
	if container == "mp4" || container == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, "-y", outputPath)
}

func videoFilters(t Target) []string {
	switch {
	case t.Width > 0 && t.Height > 0:
		return []string{fmt.Sprintf("scale=%d:%d", even(t.Width), even(t.Height))}
	case t.Width > 0:
		return []string{fmt.Sprintf("scale=%d:-2", even(t.Width))}
	case t.Height > 0:
		return []string{fmt.Sprintf("scale=-2:%d", even(t.Height))}
	case t.AspectRatio > 0:
		h := even(int(math.Round(PadWidth / t.AspectRatio)))
		return []string{
			fmt.Sprintf("scale=-2:%d", h),
			"setsar=1",
			fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", PadWidth, h),
		}
	}
	return nil
}

// crfFor maps an image-style quality (1-100) onto x264's CRF scale.
func crfFor(quality int) int {
	if quality <= 0 || quality > 100 {
		return VideoCRF
	}
	return VideoCRF + (100-quality)/3
}

// even rounds down to the nearest even number; most encoders reject odd sizes.
func even(n int) int {
	if n < 2 {
		return 2
	}
	return n &^ 1
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
