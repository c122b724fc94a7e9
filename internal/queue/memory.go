package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ErrClosed is returned by a MemoryBroker after Close.
var ErrClosed = errors.New("queue: broker closed")

type memEntry struct {
	id  string
	env envelope
}

type memInflight struct {
	memEntry
	consumer string
	since    time.Time
}

type memQueue struct {
	ready     []memEntry
	inflight  map[string]memInflight
	delayed   int
	completed []Delivery
	failed    []Delivery
}

// MemoryBroker is an in-process Broker with the same delivery contract as
// RedisBroker. It backs single-process runs and tests.
type MemoryBroker struct {
	cfg BrokerConfig

	mu      sync.Mutex
	seq     int64
	queues  map[Name]*memQueue
	results map[string][]json.RawMessage
	changed chan struct{}
	closed  bool
}

func NewMemoryBroker(cfg BrokerConfig) *MemoryBroker {
	return &MemoryBroker{
		cfg:     cfg.withDefaults(),
		queues:  make(map[Name]*memQueue),
		results: make(map[string][]json.RawMessage),
		changed: make(chan struct{}),
	}
}

func (b *MemoryBroker) queue(q Name) *memQueue {
	mq, ok := b.queues[q]
	if !ok {
		mq = &memQueue{inflight: make(map[string]memInflight)}
		b.queues[q] = mq
	}
	return mq
}

// notify wakes every waiter. The caller holds b.mu.
func (b *MemoryBroker) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *MemoryBroker) nextID() string {
	b.seq++
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + strconv.FormatInt(b.seq, 10)
}

func (b *MemoryBroker) Enqueue(ctx context.Context, q Name, payload any) (string, error) {
	ids, err := b.EnqueueBatch(ctx, q, []any{payload})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (b *MemoryBroker) EnqueueBatch(_ context.Context, q Name, payloads []any) ([]string, error) {
	envs := make([]envelope, len(payloads))
	for i, p := range payloads {
		env, err := newEnvelope(p)
		if err != nil {
			return nil, err
		}
		envs[i] = env
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	mq := b.queue(q)
	ids := make([]string, len(envs))
	for i, env := range envs {
		ids[i] = b.nextID()
		mq.ready = append(mq.ready, memEntry{id: ids[i], env: env})
	}
	if len(ids) > 0 {
		b.notify()
	}
	return ids, nil
}

// wait blocks until the broker changes, the timer fires or ctx ends. It
// returns false when the caller should stop waiting.
func (b *MemoryBroker) wait(ctx context.Context, changed <-chan struct{}, timer <-chan time.Time) (bool, error) {
	select {
	case <-changed:
		return true, nil
	case <-timer:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (b *MemoryBroker) Read(ctx context.Context, q Name, consumer string, count int, block time.Duration) ([]Delivery, error) {
	var timer <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timer = t.C
	}
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		mq := b.queue(q)
		if n := min(max(count, 1), len(mq.ready)); n > 0 {
			out := make([]Delivery, 0, n)
			now := time.Now()
			for _, e := range mq.ready[:n] {
				mq.inflight[e.id] = memInflight{memEntry: e, consumer: consumer, since: now}
				out = append(out, e.env.delivery(e.id, q))
			}
			mq.ready = mq.ready[n:]
			b.mu.Unlock()
			return out, nil
		}
		changed := b.changed
		b.mu.Unlock()

		if block <= 0 {
			return nil, nil
		}
		more, err := b.wait(ctx, changed, timer)
		if err != nil {
			return nil, err
		}
		if !more {
			return nil, nil
		}
	}
}

// settle removes d from the in-flight set.
func (b *MemoryBroker) settle(d Delivery) (*memQueue, error) {
	mq := b.queue(d.Queue)
	if _, ok := mq.inflight[d.ID]; !ok {
		return nil, fmt.Errorf("queue: %s delivery %s is not in flight", d.Queue, d.ID)
	}
	delete(mq.inflight, d.ID)
	return mq, nil
}

func (b *MemoryBroker) appendHistory(list []Delivery, d Delivery) []Delivery {
	list = append(list, d)
	if over := len(list) - int(b.cfg.Retention); over > 0 {
		list = list[over:]
	}
	return list
}

func (b *MemoryBroker) Ack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq, err := b.settle(d)
	if err != nil {
		return err
	}
	mq.completed = b.appendHistory(mq.completed, d)
	return nil
}

func (b *MemoryBroker) Fail(_ context.Context, d Delivery, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq, err := b.settle(d)
	if err != nil {
		return err
	}
	if cause != nil {
		d.LastError = cause.Error()
	}
	mq.failed = b.appendHistory(mq.failed, d)
	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, d Delivery, delay time.Duration, cause error) error {
	env := d.envelope()
	env.Attempt = d.Attempt + 1
	if cause != nil {
		env.LastError = cause.Error()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	mq, err := b.settle(d)
	if err != nil {
		return err
	}
	if delay <= 0 {
		mq.ready = append(mq.ready, memEntry{id: b.nextID(), env: env})
		b.notify()
		return nil
	}
	mq.delayed++
	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		mq.delayed--
		if b.closed {
			return
		}
		mq.ready = append(mq.ready, memEntry{id: b.nextID(), env: env})
		b.notify()
	})
	return nil
}

// Reclaim hands deliveries idle longer than minIdle to consumer.
func (b *MemoryBroker) Reclaim(_ context.Context, q Name, consumer string, minIdle time.Duration, count int) ([]Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq := b.queue(q)
	now := time.Now()
	var out []Delivery
	for id, e := range mq.inflight {
		if len(out) >= max(count, 1) {
			break
		}
		if now.Sub(e.since) < minIdle {
			continue
		}
		e.consumer = consumer
		e.since = now
		mq.inflight[id] = e
		d := e.env.delivery(id, q)
		d.Reclaimed = true
		out = append(out, d)
	}
	return out, nil
}

func (b *MemoryBroker) PublishResult(_ context.Context, key string, payload any, _ time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: encode result: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[key] = append(b.results[key], data)
	b.notify()
	return nil
}

func (b *MemoryBroker) AwaitResult(ctx context.Context, key string, timeout time.Duration, out any) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		b.mu.Lock()
		if vals := b.results[key]; len(vals) > 0 {
			data := vals[len(vals)-1]
			if len(vals) == 1 {
				delete(b.results, key)
			} else {
				b.results[key] = vals[:len(vals)-1]
			}
			b.mu.Unlock()
			return json.Unmarshal(data, out)
		}
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		changed := b.changed
		b.mu.Unlock()

		more, err := b.wait(ctx, changed, t.C)
		if err != nil {
			return err
		}
		if !more {
			return ErrResultTimeout
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.notify()
	}
	return nil
}

// Ready returns the deliveries waiting in q without consuming them.
func (b *MemoryBroker) Ready(q Name) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq := b.queue(q)
	out := make([]Delivery, 0, len(mq.ready))
	for _, e := range mq.ready {
		out = append(out, e.env.delivery(e.id, q))
	}
	return out
}

// Completed returns the retained completed history of q.
func (b *MemoryBroker) Completed(q Name) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.queue(q).completed...)
}

// Failed returns the retained failed history of q.
func (b *MemoryBroker) Failed(q Name) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.queue(q).failed...)
}

// Idle reports whether q has nothing ready, in flight or scheduled.
func (b *MemoryBroker) Idle(q Name) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	mq := b.queue(q)
	return len(mq.ready) == 0 && len(mq.inflight) == 0 && mq.delayed == 0
}
