// Package platform adapts vendor clients to the publish workflow.
//
// Every adapter verifies a project's credential, picks the upload type for a
// file and uploads it. Two-step platforms (Instagram) create a container in
// Upload and make it visible in Publish; one-step platforms (YouTube) return
// the final result from Upload and never see a Publish call.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/fpang/social-publisher/internal/media"
	"github.com/fpang/social-publisher/internal/retry"
	"github.com/fpang/social-publisher/internal/store"
)

var (
	// ErrUnknownPlatform is returned by Registry.Get for unregistered names.
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrMisconfigured marks failures that no retry can fix, such as a
	// missing credential field or a media type the platform does not take.
	ErrMisconfigured = errors.New("platform misconfigured")
)

// Post is the content published to one platform.
type Post struct {
	TraceID     string
	FilePath    string
	SourceURL   string
	Converted   bool
	Title       string
	Description string
	Tags        []string
	Config      store.PlatformConfig
}

// Upload is the outcome of Adapter.Upload. ID names the vendor object to
// publish; Result is set when the upload already published the post.
type Upload struct {
	ID     string
	Result *Result
}

// Result identifies a published post.
type Result struct {
	ResourceID string `json:"resourceId"`
	URL        string `json:"url,omitempty"`
}

// Adapter publishes to one platform.
type Adapter interface {
	Name() string
	// TwoStep reports whether Publish must follow Upload.
	TwoStep() bool
	RetryPolicy() retry.Policy
	UploadType(cfg store.PlatformConfig, filePath string) (media.UploadType, error)
	// Verify checks the credential against the vendor.
	Verify(ctx context.Context, cred json.RawMessage) error
	Upload(ctx context.Context, cred json.RawMessage, post Post) (*Upload, error)
	Publish(ctx context.Context, cred json.RawMessage, up *Upload) (*Result, error)
}

// Registry maps platform names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[strings.ToLower(a.Name())] = a
	}
	return r
}

// Get returns the adapter for name, ignoring case.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
	}
	return a, nil
}

// Names returns the registered platform names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func misconfigured(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMisconfigured, fmt.Sprintf(format, args...))
}

// caption joins the title, description and hashtags the way both vendors
// render them in a post body.
func caption(post Post) string {
	var parts []string
	if t := strings.TrimSpace(post.Title); t != "" {
		parts = append(parts, t)
	}
	if d := strings.TrimSpace(post.Description); d != "" {
		parts = append(parts, d)
	}
	if len(post.Tags) > 0 {
		tags := make([]string, 0, len(post.Tags))
		for _, tag := range post.Tags {
			tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
			if tag != "" {
				tags = append(tags, "#"+strings.ReplaceAll(tag, " ", ""))
			}
		}
		if len(tags) > 0 {
			parts = append(parts, strings.Join(tags, " "))
		}
	}
	return strings.Join(parts, "\n\n")
}
