package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const jobField = "job"

// promoteScript moves due entries from the delayed set onto the stream in
// one step, so a crash cannot lose a scheduled retry.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('XADD', KEYS[2], '*', 'job', member)
end
return #due
`)

// RedisBroker implements Broker on Redis Streams with one consumer group
// per stream.
type RedisBroker struct {
	client  redis.UniversalClient
	cfg     BrokerConfig
	ensured sync.Map
}

// NewRedisBroker returns a broker on client. Consumer groups are created
// lazily on first use.
func NewRedisBroker(client redis.UniversalClient, cfg BrokerConfig) *RedisBroker {
	return &RedisBroker{client: client, cfg: cfg.withDefaults()}
}

func (b *RedisBroker) ensureGroup(ctx context.Context, q Name) error {
	stream := b.cfg.stream(q)
	if _, ok := b.ensured.Load(stream); ok {
		return nil
	}
	// Starting from "0" keeps jobs enqueued before the group existed.
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create group on %s: %w", stream, err)
	}
	b.ensured.Store(stream, true)
	return nil
}

func encodeEnvelope(env envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("queue: encode envelope: %w", err)
	}
	return string(data), nil
}

func (b *RedisBroker) Enqueue(ctx context.Context, q Name, payload any) (string, error) {
	ids, err := b.EnqueueBatch(ctx, q, []any{payload})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch writes every job inside one MULTI/EXEC.
func (b *RedisBroker) EnqueueBatch(ctx context.Context, q Name, payloads []any) ([]string, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	if err := b.ensureGroup(ctx, q); err != nil {
		return nil, err
	}
	encoded := make([]string, len(payloads))
	for i, p := range payloads {
		env, err := newEnvelope(p)
		if err != nil {
			return nil, err
		}
		if encoded[i], err = encodeEnvelope(env); err != nil {
			return nil, err
		}
	}

	stream := b.cfg.stream(q)
	cmds := make([]*redis.StringCmd, len(encoded))
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, e := range encoded {
			cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{jobField: e}})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %d jobs on %s: %w", len(encoded), stream, err)
	}
	ids := make([]string, len(cmds))
	for i, c := range cmds {
		ids[i] = c.Val()
	}
	log.Debug().Str("queue", string(q)).Int("jobs", len(ids)).Msg("Jobs enqueued")
	return ids, nil
}

func (b *RedisBroker) promote(ctx context.Context, q Name, limit int) error {
	now := time.Now().UnixMilli()
	n, err := promoteScript.Run(ctx, b.client, []string{b.cfg.delayed(q), b.cfg.stream(q)}, now, limit).Int()
	if err != nil {
		return fmt.Errorf("queue: promote delayed %s: %w", q, err)
	}
	if n > 0 {
		log.Debug().Str("queue", string(q)).Int("jobs", n).Msg("Delayed jobs promoted")
	}
	return nil
}

func (b *RedisBroker) Read(ctx context.Context, q Name, consumer string, count int, block time.Duration) ([]Delivery, error) {
	if err := b.ensureGroup(ctx, q); err != nil {
		return nil, err
	}
	if err := b.promote(ctx, q, 100); err != nil {
		log.Warn().Err(err).Str("queue", string(q)).Msg("Delayed job promotion failed")
	}
	if block <= 0 {
		// go-redis treats 0 as "block forever".
		block = -1
	}
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: consumer,
		Streams:  []string{b.cfg.stream(q), ">"},
		Count:    int64(max(count, 1)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: read %s: %w", q, err)
	}

	var out []Delivery
	for _, s := range streams {
		out = append(out, b.parse(ctx, q, s.Messages)...)
	}
	return out, nil
}

// parse converts stream messages to deliveries. Unparseable messages are
// moved to the failed history so they are not redelivered forever.
func (b *RedisBroker) parse(ctx context.Context, q Name, msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values[jobField].(string)
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil || len(env.Payload) == 0 {
			log.Error().Err(err).Str("queue", string(q)).Str("messageId", msg.ID).Msg("Dropping malformed job")
			bad := Delivery{ID: msg.ID, Queue: q, Payload: json.RawMessage(`null`), Attempt: 1}
			if ferr := b.Fail(ctx, bad, fmt.Errorf("malformed job: %q", raw)); ferr != nil {
				log.Warn().Err(ferr).Str("messageId", msg.ID).Msg("Failed to retire malformed job")
			}
			continue
		}
		out = append(out, env.delivery(msg.ID, q))
	}
	return out
}

// finish acknowledges d and deletes it from the stream, then runs extra in
// the same transaction.
func (b *RedisBroker) finish(ctx context.Context, d Delivery, extra func(pipe redis.Pipeliner) error) error {
	stream := b.cfg.stream(d.Queue)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, b.cfg.Group, d.ID)
		pipe.XDel(ctx, stream, d.ID)
		return extra(pipe)
	})
	return err
}

func (b *RedisBroker) history(ctx context.Context, pipe redis.Pipeliner, key string, d Delivery, cause error) error {
	job, err := encodeEnvelope(d.envelope())
	if err != nil {
		return err
	}
	values := map[string]any{
		"id":         d.ID,
		jobField:     job,
		"finishedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if cause != nil {
		values["error"] = cause.Error()
	}
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, MaxLen: b.cfg.Retention, Approx: true, Values: values})
	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, d Delivery) error {
	err := b.finish(ctx, d, func(pipe redis.Pipeliner) error {
		return b.history(ctx, pipe, b.cfg.completed(d.Queue), d, nil)
	})
	if err != nil {
		return fmt.Errorf("queue: ack %s %s: %w", d.Queue, d.ID, err)
	}
	return nil
}

func (b *RedisBroker) Fail(ctx context.Context, d Delivery, cause error) error {
	err := b.finish(ctx, d, func(pipe redis.Pipeliner) error {
		return b.history(ctx, pipe, b.cfg.failed(d.Queue), d, cause)
	})
	if err != nil {
		return fmt.Errorf("queue: fail %s %s: %w", d.Queue, d.ID, err)
	}
	return nil
}

// Retry re-adds the job with the next attempt number. A positive delay
// parks it in the delayed set until Read promotes it.
func (b *RedisBroker) Retry(ctx context.Context, d Delivery, delay time.Duration, cause error) error {
	env := d.envelope()
	env.Attempt = d.Attempt + 1
	if cause != nil {
		env.LastError = cause.Error()
	}
	env.Nonce = uuid.NewString()
	job, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	err = b.finish(ctx, d, func(pipe redis.Pipeliner) error {
		if delay <= 0 {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: b.cfg.stream(d.Queue), Values: map[string]any{jobField: job}})
			return nil
		}
		due := float64(time.Now().Add(delay).UnixMilli())
		pipe.ZAdd(ctx, b.cfg.delayed(d.Queue), redis.Z{Score: due, Member: job})
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: retry %s %s: %w", d.Queue, d.ID, err)
	}
	return nil
}

// Reclaim claims deliveries that another consumer has held longer than
// minIdle.
func (b *RedisBroker) Reclaim(ctx context.Context, q Name, consumer string, minIdle time.Duration, count int) ([]Delivery, error) {
	if err := b.ensureGroup(ctx, q); err != nil {
		return nil, err
	}
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.cfg.stream(q),
		Group:    b.cfg.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(max(count, 1)),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: reclaim %s: %w", q, err)
	}
	out := b.parse(ctx, q, msgs)
	for i := range out {
		out[i].Reclaimed = true
	}
	if len(out) > 0 {
		log.Info().Str("queue", string(q)).Int("jobs", len(out)).Dur("minIdle", minIdle).Msg("Reclaimed stale deliveries")
	}
	return out, nil
}

func (b *RedisBroker) PublishResult(ctx context.Context, key string, payload any, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: encode result: %w", err)
	}
	k := b.cfg.result(key)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, k, data)
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: publish result %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) AwaitResult(ctx context.Context, key string, timeout time.Duration, out any) error {
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	if timeout <= 0 {
		return ErrResultTimeout
	}
	vals, err := b.client.BLPop(ctx, timeout, b.cfg.result(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrResultTimeout
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("queue: await result %s: %w", key, err)
	}
	if len(vals) != 2 {
		return fmt.Errorf("queue: await result %s: unexpected reply %v", key, vals)
	}
	if err := json.Unmarshal([]byte(vals[1]), out); err != nil {
		return fmt.Errorf("queue: decode result %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
