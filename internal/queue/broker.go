package queue

import (
	"context"
	"time"
)

// Broker is an at-least-once job queue with named queues, delayed retry,
// bounded history and a keyed result channel.
type Broker interface {
	// Enqueue adds one job and returns its message id.
	Enqueue(ctx context.Context, q Name, payload any) (string, error)
	// EnqueueBatch adds every payload or none of them.
	EnqueueBatch(ctx context.Context, q Name, payloads []any) ([]string, error)
	// Read returns up to count new deliveries, waiting at most block.
	Read(ctx context.Context, q Name, consumer string, count int, block time.Duration) ([]Delivery, error)
	// Ack completes a delivery and records it in the completed history.
	Ack(ctx context.Context, d Delivery) error
	// Retry completes a delivery and schedules its next attempt after delay.
	Retry(ctx context.Context, d Delivery, delay time.Duration, cause error) error
	// Fail completes a delivery and records it in the failed history.
	Fail(ctx context.Context, d Delivery, cause error) error
	// PublishResult stores payload under key for one AwaitResult caller.
	PublishResult(ctx context.Context, key string, payload any, ttl time.Duration) error
	// AwaitResult blocks until a result for key arrives and decodes it into
	// out, or returns ErrResultTimeout.
	AwaitResult(ctx context.Context, key string, timeout time.Duration, out any) error
	Close() error
}

// Reclaimer is implemented by brokers that can take over deliveries left
// unacknowledged by a crashed consumer.
type Reclaimer interface {
	Reclaim(ctx context.Context, q Name, consumer string, minIdle time.Duration, count int) ([]Delivery, error)
}

// BrokerConfig names the broker's keys and bounds its history.
type BrokerConfig struct {
	// Prefix namespaces every key, e.g. "publisher" gives "publisher:master".
	Prefix string
	// Group is the consumer group shared by every worker process.
	Group string
	// Retention caps the completed and failed history per queue.
	Retention int64
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.Prefix == "" {
		c.Prefix = "publisher"
	}
	if c.Group == "" {
		c.Group = "workers"
	}
	if c.Retention <= 0 {
		c.Retention = 1000
	}
	return c
}

func (c BrokerConfig) stream(q Name) string    { return c.Prefix + ":" + string(q) }
func (c BrokerConfig) completed(q Name) string { return c.stream(q) + ":completed" }
func (c BrokerConfig) failed(q Name) string    { return c.stream(q) + ":failed" }
func (c BrokerConfig) delayed(q Name) string   { return c.stream(q) + ":delayed" }
func (c BrokerConfig) result(key string) string {
	return c.Prefix + ":result:" + key
}
