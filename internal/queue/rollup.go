package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome is a platform's terminal result within one trace.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// Rollup collects per-platform outcomes of a trace across processes and
// signals exactly one reporter when the last platform has reported.
type Rollup interface {
	// Expect registers the platforms a trace fans out to.
	Expect(ctx context.Context, traceID string, platforms []string) error
	// Report records platform's outcome. Repeated reports for the same
	// platform keep the first. complete is true for exactly one caller, the
	// one whose report finished the set; outcomes is then the full set.
	Report(ctx context.Context, traceID, platform string, outcome Outcome) (complete bool, outcomes map[string]Outcome, err error)
}

const rollupTTL = 7 * 24 * time.Hour

var reportScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], '_done') == 1 then
	return false
end
redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
local expected = tonumber(redis.call('HGET', KEYS[1], '_expected') or '0')
local reported = redis.call('HLEN', KEYS[1]) - 1
if expected > 0 and reported >= expected then
	redis.call('HSET', KEYS[1], '_done', '1')
	return redis.call('HGETALL', KEYS[1])
end
return false
`)

// RedisRollup keeps each trace's outcomes in a hash
// "<prefix>:rollup:<traceID>".
type RedisRollup struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRollup(client redis.UniversalClient, prefix string) *RedisRollup {
	if prefix == "" {
		prefix = "publisher"
	}
	return &RedisRollup{client: client, prefix: prefix}
}

func (r *RedisRollup) key(traceID string) string {
	return r.prefix + ":rollup:" + traceID
}

func (r *RedisRollup) Expect(ctx context.Context, traceID string, platforms []string) error {
	k := r.key(traceID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, k, "_expected", strconv.Itoa(len(platforms)))
		pipe.Expire(ctx, k, rollupTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: rollup expect %s: %w", traceID, err)
	}
	return nil
}

func (r *RedisRollup) Report(ctx context.Context, traceID, platform string, outcome Outcome) (bool, map[string]Outcome, error) {
	vals, err := reportScript.Run(ctx, r.client, []string{r.key(traceID)}, platform, string(outcome)).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("queue: rollup report %s/%s: %w", traceID, platform, err)
	}
	outcomes := make(map[string]Outcome, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		if strings.HasPrefix(vals[i], "_") {
			continue
		}
		outcomes[vals[i]] = Outcome(vals[i+1])
	}
	return true, outcomes, nil
}

type memRollup struct {
	expected int
	outcomes map[string]Outcome
	done     bool
}

// MemoryRollup is the in-process Rollup.
type MemoryRollup struct {
	mu     sync.Mutex
	traces map[string]*memRollup
}

func NewMemoryRollup() *MemoryRollup {
	return &MemoryRollup{traces: make(map[string]*memRollup)}
}

func (m *MemoryRollup) entry(traceID string) *memRollup {
	e, ok := m.traces[traceID]
	if !ok {
		e = &memRollup{outcomes: make(map[string]Outcome)}
		m.traces[traceID] = e
	}
	return e
}

func (m *MemoryRollup) Expect(_ context.Context, traceID string, platforms []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(traceID)
	if e.expected == 0 {
		e.expected = len(platforms)
	}
	return nil
}

func (m *MemoryRollup) Report(_ context.Context, traceID, platform string, outcome Outcome) (bool, map[string]Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(traceID)
	if e.done {
		return false, nil, nil
	}
	if _, seen := e.outcomes[platform]; !seen {
		e.outcomes[platform] = outcome
	}
	if e.expected == 0 || len(e.outcomes) < e.expected {
		return false, nil, nil
	}
	e.done = true
	out := make(map[string]Outcome, len(e.outcomes))
	for k, v := range e.outcomes {
		out[k] = v
	}
	return true, out, nil
}
