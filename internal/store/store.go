// Package store provides project configuration and idempotency storage for
// the publisher.
//
// A project lists the platforms it publishes to, in a stable listing order,
// each with its own upload type and prep settings. Idempotency keys map a
// (project, key) pair to the trace first created for it so that a retried
// publish request resolves to the original trace instead of starting a new
// one.
//
// DynamoStore uses a single-table design where all records of a project
// share a partition key (PROJECT#{projectId}). Sort keys distinguish record
// types: PLATFORM#{name} and IDEMPOTENCY#{key}.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fpang/social-publisher/internal/media"
)

// IdempotencyTTL is how long an idempotency key keeps resolving to its trace.
const IdempotencyTTL = 24 * time.Hour

// ErrNotFound is returned when a project or platform config does not exist.
var ErrNotFound = errors.New("not found")

// PlatformConfig is one platform a project publishes to.
type PlatformConfig struct {
	Platform   string           `json:"platform" dynamodbav:"platform"`
	Enabled    bool             `json:"enabled" dynamodbav:"enabled"`
	Position   int              `json:"position" dynamodbav:"position"`
	UploadType media.UploadType `json:"uploadType,omitempty" dynamodbav:"uploadType,omitempty"`
	// SkipPrep publishes the shared source file without media prep.
	SkipPrep bool `json:"skipPrep,omitempty" dynamodbav:"skipPrep,omitempty"`
	// EnforceConstraints overrides the deployment default when set.
	EnforceConstraints *bool `json:"enforceConstraints,omitempty" dynamodbav:"enforceConstraints,omitempty"`
	// Options carries vendor settings such as a YouTube privacyStatus.
	Options map[string]string `json:"options,omitempty" dynamodbav:"options,omitempty"`
}

// Option returns a vendor option or def when unset.
func (p PlatformConfig) Option(key, def string) string {
	if v, ok := p.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// ProjectStore reads project platform configuration.
type ProjectStore interface {
	// ListPlatforms returns the project's platforms in listing order. It
	// returns ErrNotFound when the project has none configured.
	ListPlatforms(ctx context.Context, projectID string) ([]PlatformConfig, error)
	// GetPlatform returns one platform config or ErrNotFound.
	GetPlatform(ctx context.Context, projectID, platform string) (*PlatformConfig, error)
}

// IdempotencyStore resolves idempotency keys to traces.
type IdempotencyStore interface {
	// Claim binds key to traceID unless the key is already bound. It returns
	// the bound trace id and whether this call created the binding.
	Claim(ctx context.Context, projectID, key, traceID string) (string, bool, error)
}

func sortPlatforms(platforms []PlatformConfig) {
	slices.SortStableFunc(platforms, func(a, b PlatformConfig) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}
		return strings.Compare(a.Platform, b.Platform)
	})
}

// --- in-memory ---

// MemoryStore keeps projects and idempotency keys in memory. It backs local
// runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	projects map[string][]PlatformConfig
	keys     map[string]idempotencyEntry
	now      func() time.Time
}

type idempotencyEntry struct {
	traceID string
	expires time.Time
}

func NewMemoryStore(projects map[string][]PlatformConfig) *MemoryStore {
	s := &MemoryStore{
		projects: make(map[string][]PlatformConfig),
		keys:     make(map[string]idempotencyEntry),
		now:      time.Now,
	}
	for id, platforms := range projects {
		s.PutProject(id, platforms)
	}
	return s
}

// PutProject replaces a project's platforms. Platforms without a position
// keep their slice order.
func (s *MemoryStore) PutProject(projectID string, platforms []PlatformConfig) {
	cp := slices.Clone(platforms)
	for i := range cp {
		if cp[i].Position == 0 {
			cp[i].Position = i + 1
		}
		cp[i].Platform = strings.ToLower(cp[i].Platform)
	}
	sortPlatforms(cp)
	s.mu.Lock()
	s.projects[projectID] = cp
	s.mu.Unlock()
}

// LoadFile reads a JSON object mapping project ids to platform lists.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read projects file: %w", err)
	}
	var projects map[string][]PlatformConfig
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("parse projects file %s: %w", path, err)
	}
	return NewMemoryStore(projects), nil
}

func (s *MemoryStore) ListPlatforms(_ context.Context, projectID string) ([]PlatformConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	platforms, ok := s.projects[projectID]
	if !ok || len(platforms) == 0 {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return slices.Clone(platforms), nil
}

func (s *MemoryStore) GetPlatform(ctx context.Context, projectID, platform string) (*PlatformConfig, error) {
	platforms, err := s.ListPlatforms(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return findPlatform(platforms, projectID, platform)
}

func findPlatform(platforms []PlatformConfig, projectID, platform string) (*PlatformConfig, error) {
	for _, p := range platforms {
		if strings.EqualFold(p.Platform, platform) {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("project %s platform %s: %w", projectID, platform, ErrNotFound)
}

func (s *MemoryStore) Claim(_ context.Context, projectID, key, traceID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := projectID + "/" + key
	now := s.now()
	if e, ok := s.keys[k]; ok && now.Before(e.expires) {
		return e.traceID, false, nil
	}
	s.keys[k] = idempotencyEntry{traceID: traceID, expires: now.Add(IdempotencyTTL)}
	return traceID, true, nil
}
