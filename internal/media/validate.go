package media

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// Severity of a validation issue. Errors force conversion (or failure in
// strict mode); warnings are informational.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// aspectTolerance is the allowed distance from the recommended aspect ratio
// before a warning is raised.
const aspectTolerance = 0.05

// compressQuality is the quality applied when a file exceeds the size cap.
const compressQuality = 85

// squareEdge is the fallback image size when the aspect ratio is out of range
// and the platform declares no recommended ratio.
const squareEdge = 1080

// Issue is a single constraint violation.
type Issue struct {
	Field    string   `json:"field"`
	Actual   any      `json:"actual"`
	Expected string   `json:"expected"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Target is the re-encode specification derived from error issues.
type Target struct {
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	AspectRatio float64 `json:"aspectRatio,omitempty"`
	VideoCodec  string  `json:"videoCodec,omitempty"`
	AudioCodec  string  `json:"audioCodec,omitempty"`
	MaxDuration float64 `json:"maxDuration,omitempty"`
	Format      string  `json:"format,omitempty"`
	Quality     int     `json:"quality,omitempty"`
	FrameRate   float64 `json:"frameRate,omitempty"`
}

// IsZero reports whether the target requests no change.
func (t Target) IsZero() bool {
	return t == Target{}
}

// Verdict is the outcome of Validate.
type Verdict struct {
	Valid              bool    `json:"valid"`
	RequiresConversion bool    `json:"requiresConversion"`
	Issues             []Issue `json:"issues"`
	Target             *Target `json:"target,omitempty"`
}

// Errors returns only the error-severity issues.
func (v Verdict) Errors() []Issue {
	var out []Issue
	for _, issue := range v.Issues {
		if issue.Severity == SeverityError {
			out = append(out, issue)
		}
	}
	return out
}

// Validate checks info against req. Each rule is applied independently so
// several issues may be reported for one file. The result depends only on
// its inputs.
func Validate(info Info, req Requirements) Verdict {
	v := validator{info: info, req: req.normalized(), label: labelFor(info.Type)}
	v.duration()
	v.dimensions()
	v.aspectRatio()
	v.resolution()
	v.frameRate()
	v.codecs()
	v.fileSize()
	v.format()

	verdict := Verdict{Issues: v.issues, Valid: true}
	if verdict.Issues == nil {
		verdict.Issues = []Issue{}
	}
	for _, issue := range v.issues {
		if issue.Severity == SeverityError {
			verdict.Valid = false
			verdict.RequiresConversion = true
			break
		}
	}
	if verdict.RequiresConversion {
		t := v.target
		verdict.Target = &t
	}
	return verdict
}

type validator struct {
	info   Info
	req    Requirements
	label  string
	issues []Issue
	target Target
}

func labelFor(t Type) string {
	if t == TypeImage {
		return "Image"
	}
	return "Video"
}

func (v *validator) add(severity Severity, field string, actual any, expected, msg string) {
	v.issues = append(v.issues, Issue{
		Field:    field,
		Actual:   actual,
		Expected: expected,
		Message:  msg,
		Severity: severity,
	})
}

func (v *validator) errorf(field string, actual any, expected, format string, args ...any) {
	v.add(SeverityError, field, actual, expected, fmt.Sprintf(format, args...))
}

func (v *validator) duration() {
	d := v.info.Duration
	if v.info.Type != TypeVideo || d <= 0 {
		return
	}
	if v.req.MinDuration > 0 && d < v.req.MinDuration {
		v.errorf("duration", d, fmt.Sprintf(">= %gs", v.req.MinDuration),
			"Video duration %.2fs is below minimum %gs", d, v.req.MinDuration)
	}
	if v.req.MaxDuration > 0 && d > v.req.MaxDuration {
		v.errorf("duration", d, fmt.Sprintf("<= %gs", v.req.MaxDuration),
			"Video duration %.2fs exceeds maximum %gs", d, v.req.MaxDuration)
		v.target.MaxDuration = v.req.MaxDuration
	}
}

func (v *validator) dimensions() {
	w, h, ar := v.info.Width, v.info.Height, v.effectiveAspect()

	if w > 0 {
		if v.req.MinWidth > 0 && w < v.req.MinWidth {
			v.errorf("width", w, fmt.Sprintf(">= %dpx", v.req.MinWidth),
				"%s width %dpx is below minimum %dpx", v.label, w, v.req.MinWidth)
			v.scaleToWidth(v.req.MinWidth, ar)
		}
		if v.req.MaxWidth > 0 && w > v.req.MaxWidth {
			v.errorf("width", w, fmt.Sprintf("<= %dpx", v.req.MaxWidth),
				"%s width %dpx exceeds maximum %dpx", v.label, w, v.req.MaxWidth)
			v.scaleToWidth(v.req.MaxWidth, ar)
		}
	}

	if h > 0 {
		if v.req.MinHeight > 0 && h < v.req.MinHeight {
			v.errorf("height", h, fmt.Sprintf(">= %dpx", v.req.MinHeight),
				"%s height %dpx is below minimum %dpx", v.label, h, v.req.MinHeight)
			if v.target.Width == 0 {
				v.scaleToHeight(v.req.MinHeight, ar)
			}
		}
		if v.req.MaxHeight > 0 && h > v.req.MaxHeight {
			v.errorf("height", h, fmt.Sprintf("<= %dpx", v.req.MaxHeight),
				"%s height %dpx exceeds maximum %dpx", v.label, h, v.req.MaxHeight)
			// A width-driven target can still overshoot the height cap; the
			// tighter bound wins.
			if v.target.Width == 0 || v.target.Height > v.req.MaxHeight {
				v.scaleToHeight(v.req.MaxHeight, ar)
			}
		}
	}
}

func (v *validator) scaleToWidth(width int, ar float64) {
	v.target.Width = width
	if ar > 0 {
		v.target.Height = int(math.Round(float64(width) / ar))
	}
}

func (v *validator) scaleToHeight(height int, ar float64) {
	v.target.Height = height
	if ar > 0 {
		v.target.Width = int(math.Round(float64(height) * ar))
	}
}

func (v *validator) effectiveAspect() float64 {
	if v.info.AspectRatio > 0 {
		return v.info.AspectRatio
	}
	return aspect(v.info.Width, v.info.Height)
}

func (v *validator) aspectRatio() {
	ar := v.effectiveAspect()
	if ar <= 0 {
		return
	}
	actual := fmt.Sprintf("%.2f", ar)

	var bound float64
	if v.req.MinAspectRatio > 0 && ar < v.req.MinAspectRatio {
		v.errorf("aspectRatio", actual, fmt.Sprintf(">= %g", v.req.MinAspectRatio),
			"%s aspect ratio %.2f is below minimum %g", v.label, ar, v.req.MinAspectRatio)
		bound = v.req.MinAspectRatio
	}
	if v.req.MaxAspectRatio > 0 && ar > v.req.MaxAspectRatio {
		v.errorf("aspectRatio", actual, fmt.Sprintf("<= %g", v.req.MaxAspectRatio),
			"%s aspect ratio %.2f exceeds maximum %g", v.label, ar, v.req.MaxAspectRatio)
		bound = v.req.MaxAspectRatio
	}
	if bound > 0 {
		switch {
		case v.req.RecommendedAspectRatio > 0:
			v.target.AspectRatio = v.req.RecommendedAspectRatio
		case v.info.Type == TypeImage:
			v.target.Width, v.target.Height = squareEdge, squareEdge
		default:
			v.target.AspectRatio = bound
		}
	}

	if rec := v.req.RecommendedAspectRatio; rec > 0 && math.Abs(ar-rec) > aspectTolerance {
		v.add(SeverityWarning, "aspectRatio", actual, fmt.Sprintf("%.2f", rec),
			fmt.Sprintf("%s aspect ratio %.2f differs from recommended %.2f", v.label, ar, rec))
	}
}

func (v *validator) resolution() {
	if v.info.Type != TypeImage || v.req.MinResolution <= 0 {
		return
	}
	w, h := v.info.Width, v.info.Height
	if w <= 0 || h <= 0 {
		return
	}
	short := min(w, h)
	if short >= v.req.MinResolution {
		return
	}
	v.errorf("resolution", short, fmt.Sprintf(">= %dpx", v.req.MinResolution),
		"Image shorter edge %dpx is below minimum resolution %dpx", short, v.req.MinResolution)
	if v.target.Width == 0 && v.target.Height == 0 {
		scale := float64(v.req.MinResolution) / float64(short)
		v.target.Width = int(math.Round(float64(w) * scale))
		v.target.Height = int(math.Round(float64(h) * scale))
	}
}

func (v *validator) frameRate() {
	fps := v.info.FrameRate
	if v.info.Type != TypeVideo || fps <= 0 {
		return
	}
	if v.req.MinFrameRate > 0 && fps < v.req.MinFrameRate {
		v.errorf("frameRate", fps, fmt.Sprintf(">= %g fps", v.req.MinFrameRate),
			"Video frame rate %gfps is below minimum %gfps", fps, v.req.MinFrameRate)
		v.target.FrameRate = v.req.MinFrameRate
	}
	if v.req.MaxFrameRate > 0 && fps > v.req.MaxFrameRate {
		v.errorf("frameRate", fps, fmt.Sprintf("<= %g fps", v.req.MaxFrameRate),
			"Video frame rate %gfps exceeds maximum %gfps", fps, v.req.MaxFrameRate)
		v.target.FrameRate = v.req.MaxFrameRate
	}
}

func (v *validator) codecs() {
	if v.info.Type != TypeVideo {
		return
	}
	if codec := v.info.VideoCodec; codec != "" && len(v.req.VideoCodecs) > 0 &&
		!slices.Contains(v.req.VideoCodecs, strings.ToLower(codec)) {
		list := strings.Join(v.req.VideoCodecs, ", ")
		v.errorf("videoCodec", codec, list,
			"Video codec '%s' is not supported. Supported codecs: %s", codec, list)
		v.target.VideoCodec = v.req.VideoCodecs[0]
	}
	if codec := v.info.AudioCodec; codec != "" && len(v.req.AudioCodecs) > 0 &&
		!slices.Contains(v.req.AudioCodecs, strings.ToLower(codec)) {
		list := strings.Join(v.req.AudioCodecs, ", ")
		v.errorf("audioCodec", codec, list,
			"Audio codec '%s' is not supported. Supported codecs: %s", codec, list)
		v.target.AudioCodec = v.req.AudioCodecs[0]
	}
}

func (v *validator) fileSize() {
	size := v.info.FileSize
	if size <= 0 || v.req.MaxFileSizeMB <= 0 {
		return
	}
	maxBytes := v.req.MaxFileSizeMB * 1024 * 1024
	if float64(size) <= maxBytes {
		return
	}
	actualMB := fmt.Sprintf("%.2fMB", float64(size)/1024/1024)
	v.errorf("fileSize", actualMB, fmt.Sprintf("<= %gMB", v.req.MaxFileSizeMB),
		"%s file size %s exceeds maximum %gMB", v.label, actualMB, v.req.MaxFileSizeMB)
	v.target.Quality = compressQuality
}

// format accepts a comma-separated container list (ffprobe reports mp4 as
// "mov,mp4,m4a,3gp,3g2,mj2"); any entry may match.
func (v *validator) format() {
	if v.info.Format == "" || len(v.req.Formats) == 0 {
		return
	}
	for _, f := range strings.Split(v.info.Format, ",") {
		if slices.Contains(v.req.Formats, strings.ToLower(strings.TrimSpace(f))) {
			return
		}
	}
	list := strings.Join(v.req.Formats, ", ")
	v.errorf("format", v.info.Format, list,
		"%s format '%s' is not supported. Supported formats: %s", v.label, v.info.Format, list)
	v.target.Format = v.req.Formats[0]
}
