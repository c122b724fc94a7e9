package media

import (
	"fmt"
	"strings"
)

// ErrorKind categorizes media prep failures.
type ErrorKind int

const (
	// ErrKindInspect indicates the probe tool or decoder failed.
	ErrKindInspect ErrorKind = iota
	// ErrKindUnsupported indicates the file is not a usable image or video.
	ErrKindUnsupported
	// ErrKindTranscode indicates the encode step failed.
	ErrKindTranscode
	// ErrKindToolMissing indicates ffprobe or ffmpeg is not installed.
	ErrKindToolMissing
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindInspect:
		return "inspect"
	case ErrKindUnsupported:
		return "unsupported"
	case ErrKindTranscode:
		return "transcode"
	case ErrKindToolMissing:
		return "tool_missing"
	default:
		return "unknown"
	}
}

// Error is returned by the inspector and transcoder.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("media %s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ValidationError is returned by Prepare in strict mode when the file has
// error-severity issues.
type ValidationError struct {
	Platform string
	Issues   []Issue
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, issue := range e.Issues {
		if issue.Severity == SeverityError {
			msgs = append(msgs, issue.Message)
		}
	}
	return fmt.Sprintf("media does not meet %s requirements: %s", e.Platform, strings.Join(msgs, "; "))
}
