package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestRedis connects to PUBLISHER_TEST_REDIS_URL or skips.
func newTestRedis(t *testing.T) (*redis.Client, string) {
	t.Helper()
	url := os.Getenv("PUBLISHER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PUBLISHER_TEST_REDIS_URL not set, skipping Redis integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	prefix := "publisher-test-" + uuid.NewString()[:8]
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return client, prefix
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	client, prefix := newTestRedis(t)
	ctx := context.Background()
	b := NewRedisBroker(client, BrokerConfig{Prefix: prefix, Retention: 10})

	ids, err := b.EnqueueBatch(ctx, QueuePublish, []any{
		PublishJob{TraceID: "t1", Platform: "instagram"},
		PublishJob{TraceID: "t1", Platform: "youtube"},
	})
	if err != nil || len(ids) != 2 {
		t.Fatalf("EnqueueBatch = %v, %v", ids, err)
	}

	ds, err := b.Read(ctx, QueuePublish, "c1", 10, 100*time.Millisecond)
	if err != nil || len(ds) != 2 {
		t.Fatalf("Read = %v, %v", ds, err)
	}
	var job PublishJob
	if err := ds[1].Decode(&job); err != nil || job.Platform != "youtube" {
		t.Fatalf("decode = %+v, %v", job, err)
	}

	if err := b.Ack(ctx, ds[0]); err != nil {
		t.Fatal(err)
	}
	if err := b.Retry(ctx, ds[1], 50*time.Millisecond, errors.New("vendor 503")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)
	retried, err := b.Read(ctx, QueuePublish, "c1", 10, 100*time.Millisecond)
	if err != nil || len(retried) != 1 || retried[0].Attempt != 2 {
		t.Fatalf("retry Read = %+v, %v", retried, err)
	}
	if err := b.Fail(ctx, retried[0], errors.New("gave up")); err != nil {
		t.Fatal(err)
	}
	if n, _ := client.XLen(ctx, prefix+":publish:failed").Result(); n != 1 {
		t.Errorf("failed history = %d, want 1", n)
	}
	if n, _ := client.XLen(ctx, prefix+":publish").Result(); n != 0 {
		t.Errorf("stream still holds %d entries", n)
	}
}

func TestRedisBrokerReclaimAndResults(t *testing.T) {
	client, prefix := newTestRedis(t)
	ctx := context.Background()
	b := NewRedisBroker(client, BrokerConfig{Prefix: prefix})

	if _, err := b.Enqueue(ctx, QueueMaster, MasterJob{ProjectID: "p"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Read(ctx, QueueMaster, "crashed", 1, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	ds, err := b.Reclaim(ctx, QueueMaster, "c2", 10*time.Millisecond, 10)
	if err != nil || len(ds) != 1 || !ds[0].Reclaimed {
		t.Fatalf("Reclaim = %+v, %v", ds, err)
	}

	if err := b.PublishResult(ctx, "prep-1", PrepOutcome{JobID: "prep-1", Converted: true}, time.Minute); err != nil {
		t.Fatal(err)
	}
	var out PrepOutcome
	if err := b.AwaitResult(ctx, "prep-1", time.Second, &out); err != nil || !out.Converted {
		t.Fatalf("AwaitResult = %+v, %v", out, err)
	}
	if err := b.AwaitResult(ctx, "prep-2", 1100*time.Millisecond, &out); !errors.Is(err, ErrResultTimeout) {
		t.Errorf("AwaitResult on missing key = %v", err)
	}
}

func TestRedisRollup(t *testing.T) {
	client, prefix := newTestRedis(t)
	ctx := context.Background()
	r := NewRedisRollup(client, prefix)

	if err := r.Expect(ctx, "t1", []string{"instagram", "youtube"}); err != nil {
		t.Fatal(err)
	}
	if done, _, err := r.Report(ctx, "t1", "instagram", OutcomeSuccess); err != nil || done {
		t.Fatalf("first report done=%v err=%v", done, err)
	}
	done, outcomes, err := r.Report(ctx, "t1", "youtube", OutcomeTimeout)
	if err != nil || !done {
		t.Fatalf("second report done=%v err=%v", done, err)
	}
	if len(outcomes) != 2 || outcomes["youtube"] != OutcomeTimeout {
		t.Errorf("outcomes = %v", outcomes)
	}
	if done, _, _ := r.Report(ctx, "t1", "youtube", OutcomeTimeout); done {
		t.Error("rollup completed twice")
	}
}
