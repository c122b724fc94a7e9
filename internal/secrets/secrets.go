// Package secrets loads per-project platform credentials.
//
// Credentials are stored as one JSON document per (project, platform), either
// as SecureString parameters in SSM Parameter Store under
// "<prefix>/<projectId>/<platform>" or in a static JSON file for local runs.
package secrets

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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a project has no credential for a platform.
var ErrNotFound = errors.New("secret not found")

// Store returns the raw credential document of a project's platform.
type Store interface {
	Get(ctx context.Context, projectID, platform string) (json.RawMessage, error)
}

// Instagram is the credential of an Instagram business account.
type Instagram struct {
	AppID             string `json:"appId"`
	AppSecret         string `json:"appSecret"`
	AccessToken       string `json:"accessToken"`
	BusinessAccountID string `json:"businessAccountId"`
}

// Validate reports any missing required fields.
func (s Instagram) Validate() error {
	return requireFields(map[string]string{
		"appId":             s.AppID,
		"appSecret":         s.AppSecret,
		"accessToken":       s.AccessToken,
		"businessAccountId": s.BusinessAccountID,
	})
}

// YouTube is the OAuth credential of a YouTube channel.
type YouTube struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	ChannelID    string `json:"channelId,omitempty"`
}

func (s YouTube) Validate() error {
	return requireFields(map[string]string{
		"clientId":     s.ClientID,
		"clientSecret": s.ClientSecret,
		"refreshToken": s.RefreshToken,
	})
}

func requireFields(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("credential is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Decode parses raw into v and validates it when v has a Validate method.
// An empty document is reported as ErrNotFound.
func Decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode credential: %w", err)
	}
	if val, ok := v.(interface{ Validate() error }); ok {
		return val.Validate()
	}
	return nil
}

// --- SSM ---

// SSMAPI is the subset of the SSM client used by SSMStore.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMStore reads SecureString parameters and caches them for a short TTL so
// a burst of platform jobs does not hit the SSM rate limit.
type SSMStore struct {
	client SSMAPI
	prefix string
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	value   json.RawMessage
	expires time.Time
}

func NewSSMStore(client SSMAPI, prefix string, ttl time.Duration) *SSMStore {
	return &SSMStore{
		client: client,
		prefix: strings.TrimRight(prefix, "/"),
		ttl:    ttl,
		cache:  make(map[string]cached),
	}
}

// ParamName returns the parameter holding a project's platform credential.
func (s *SSMStore) ParamName(projectID, platform string) string {
	return s.prefix + "/" + projectID + "/" + strings.ToLower(platform)
}

func (s *SSMStore) Get(ctx context.Context, projectID, platform string) (json.RawMessage, error) {
	name := s.ParamName(projectID, platform)

	s.mu.Lock()
	if c, ok := s.cache[name]; ok && time.Now().Before(c.expires) {
		s.mu.Unlock()
		return c.value, nil
	}
	s.mu.Unlock()

	start := time.Now()
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("read secret %s: %w", name, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	value := json.RawMessage(aws.ToString(out.Parameter.Value))
	log.Debug().Str("param", name).Dur("elapsed", time.Since(start)).Msg("Secret loaded from SSM")

	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[name] = cached{value: value, expires: time.Now().Add(s.ttl)}
		s.mu.Unlock()
	}
	return value, nil
}

// --- static ---

// StaticStore serves credentials from memory, keyed "<projectId>/<platform>".
type StaticStore struct {
	values map[string]json.RawMessage
}

func NewStaticStore(values map[string]json.RawMessage) *StaticStore {
	norm := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		norm[strings.ToLower(k)] = v
	}
	return &StaticStore{values: norm}
}

// LoadFile reads a JSON object of the form
// {"<projectId>": {"<platform>": {...credential...}}}.
func LoadFile(path string) (*StaticStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	var doc map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", path, err)
	}
	values := make(map[string]json.RawMessage)
	for project, platforms := range doc {
		for platform, cred := range platforms {
			values[project+"/"+platform] = cred
		}
	}
	log.Debug().Str("path", path).Int("credentials", len(values)).Msg("Secrets file loaded")
	return NewStaticStore(values), nil
}

func (s *StaticStore) Get(_ context.Context, projectID, platform string) (json.RawMessage, error) {
	v, ok := s.values[strings.ToLower(projectID+"/"+platform)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", projectID, platform, ErrNotFound)
	}
	return v, nil
}
