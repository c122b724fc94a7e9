package tracing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fpang/social-publisher/internal/metrics"
	"github.com/fpang/social-publisher/internal/retry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Sink persists one batch of records belonging to a single stage. A batch is
// either fully written or returns an error. On a transient error the
// ingestor requeues the batch; on any other error it splits the batch to find
// the records the sink refuses.
type Sink interface {
	Write(ctx context.Context, stage Stage, batch []Record) error
}

// IngestorConfig tunes batching and backpressure.
type IngestorConfig struct {
	// BatchMax is the size trigger and the per-write batch cap.
	BatchMax int
	// Interval is the timer trigger.
	Interval time.Duration
	// MaxInflight bounds concurrent flush operations.
	MaxInflight int
	// WriteTimeout bounds a single sink write.
	WriteTimeout time.Duration
	// QueueCap bounds the pending records per stage. Overflow is dropped.
	QueueCap int
	// RetryDelay is how long a triggered flush waits when MaxInflight is hit.
	RetryDelay time.Duration
	// MaxAttempts is how many times the sink may refuse a record before it
	// is dead-lettered. Transient sink errors do not count.
	MaxAttempts int
	// MaxBackoff caps the re-arm delay of a stage whose writes keep failing.
	MaxBackoff time.Duration
}

func (c IngestorConfig) withDefaults() IngestorConfig {
	if c.BatchMax <= 0 {
		c.BatchMax = 100
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 100_000
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// errRefused marks a flush in which the sink refused some records. The rest
// of the stage was written, so dependent stages may proceed.
var errRefused = errors.New("trace sink refused records")

// pending is a queued record and the number of writes the sink refused it
// in. A refused record is parked until retryAt.
type pending struct {
	rec      Record
	refusals int
	retryAt  time.Time
}

func records(batch []pending) []Record {
	out := make([]Record, len(batch))
	for n, p := range batch {
		out[n] = p.rec
	}
	return out
}

type stageQueue struct {
	// wmu serializes writers: at most one flush per stage is in progress.
	wmu sync.Mutex

	mu       sync.Mutex
	items    []pending
	timer    *time.Timer
	deferred bool
	// streak counts consecutive failed flushes and drives the re-arm backoff.
	streak int

	dropped      atomic.Int64
	deadLettered atomic.Int64
}

func (q *stageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// take removes up to n records from the front, passing over parked ones,
// and cancels the stage timer.
func (q *stageQueue) take(n int, now time.Time) []pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	n = min(n, len(q.items))
	if n == 0 {
		return nil
	}
	batch := make([]pending, 0, n)
	var parked []pending
	scanned := 0
	for scanned < len(q.items) && len(batch) < n {
		p := q.items[scanned]
		scanned++
		if p.retryAt.After(now) {
			parked = append(parked, p)
			continue
		}
		batch = append(batch, p)
	}
	rest := q.items[scanned-len(parked):]
	copy(rest, parked)
	q.items = rest
	if len(batch) == 0 {
		return nil
	}
	return batch
}

// requeue puts records back at the front, ahead of anything enqueued since
// they were taken.
func (q *stageQueue) requeue(batch []pending) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(slices.Clip(batch), q.items...)
}

// setStreak records whether the last flush hit a transient failure.
func (q *stageQueue) setStreak(failed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if failed {
		q.streak++
		return
	}
	q.streak = 0
}

// Ingestor buffers records per stage and writes them to a Sink in
// dependency order: a stage is only written after every stage it depends on
// has been flushed up to the moment its own batch was taken.
type Ingestor struct {
	sink   Sink
	cfg    IngestorConfig
	sem    *semaphore.Weighted
	stages [numStages]*stageQueue
	closed atomic.Bool
}

// NewIngestor returns an ingestor writing to sink.
func NewIngestor(sink Sink, cfg IngestorConfig) *Ingestor {
	cfg = cfg.withDefaults()
	i := &Ingestor{
		sink: sink,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.MaxInflight)),
	}
	for s := range i.stages {
		i.stages[s] = &stageQueue{}
	}
	return i
}

// Enqueue adds a record without blocking. A full stage drops the record and
// counts it.
func (i *Ingestor) Enqueue(rec Record) {
	s := rec.Stage()
	q := i.stages[s]

	q.mu.Lock()
	if len(q.items) >= i.cfg.QueueCap {
		q.mu.Unlock()
		if n := q.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Warn().Str("stage", s.String()).Int64("dropped", n).Msg("Trace ingest queue full, dropping records")
		}
		return
	}
	q.items = append(q.items, pending{rec: rec})
	// A stage backing off from a transient failure only flushes from its
	// timer.
	full := len(q.items) >= i.cfg.BatchMax && q.streak == 0
	if !full && q.timer == nil && !i.closed.Load() {
		q.timer = time.AfterFunc(i.cfg.Interval, func() { i.onTimer(s) })
	}
	q.mu.Unlock()

	if full {
		go i.tryFlush(s)
	}
}

func (i *Ingestor) onTimer(s Stage) {
	q := i.stages[s]
	q.mu.Lock()
	q.timer = nil
	q.mu.Unlock()
	i.tryFlush(s)
}

// tryFlush runs one triggered flush of s, or defers it when the in-flight
// limit is reached.
func (i *Ingestor) tryFlush(s Stage) {
	if !i.sem.TryAcquire(1) {
		i.deferFlush(s)
		return
	}
	defer i.sem.Release(1)

	q := i.stages[s]
	q.wmu.Lock()
	defer q.wmu.Unlock()
	if err := i.flushLocked(context.Background(), s, i.cfg.BatchMax); err != nil {
		log.Warn().Err(err).Str("stage", s.String()).Msg("Trace flush failed, records requeued")
	}
}

func (i *Ingestor) deferFlush(s Stage) {
	q := i.stages[s]
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deferred {
		return
	}
	q.deferred = true
	time.AfterFunc(i.cfg.RetryDelay, func() {
		q.mu.Lock()
		q.deferred = false
		q.mu.Unlock()
		i.tryFlush(s)
	})
}

// flushLocked writes up to limit records of s. The first batch is taken
// before the dependency stages are drained, so everything it could
// reference is already persisted when it is written. Records the sink
// refuses are parked and reported with errRefused; the rest of the stage is
// still written. The caller holds the stage's write lock.
func (i *Ingestor) flushLocked(ctx context.Context, s Stage, limit int) error {
	q := i.stages[s]
	defer i.rearm(s)

	batch := q.take(min(limit, i.cfg.BatchMax), time.Now())
	// Dependencies are drained even when s is empty: every stage reaches the
	// ones below it only through this chain.
	var depErr error
	for _, dep := range stageDeps[s] {
		err := i.drain(ctx, dep)
		if err == nil {
			continue
		}
		if !errors.Is(err, errRefused) {
			if len(batch) > 0 {
				q.requeue(batch)
				q.setStreak(true)
			}
			return fmt.Errorf("flush %s: dependency %s: %w", s, dep, err)
		}
		depErr = errors.Join(depErr, err)
	}
	if len(batch) == 0 {
		return depErr
	}

	// Refused records are set aside until the flush ends so later batches
	// are not taken from behind them.
	var refused []pending
	var refusedErr error
	for {
		failed, err := i.writeIsolated(ctx, s, batch)
		if err != nil && transientWrite(ctx, err) {
			q.requeue(slices.Concat(i.charge(s, refused, refusedErr), failed))
			q.setStreak(true)
			return err
		}
		if err != nil {
			refused = append(refused, failed...)
			refusedErr = err
		}
		limit -= len(batch)
		if limit <= 0 {
			break
		}
		if batch = q.take(min(limit, i.cfg.BatchMax), time.Now()); len(batch) == 0 {
			break
		}
	}
	q.setStreak(false)
	if len(refused) == 0 {
		return depErr
	}
	q.requeue(i.charge(s, refused, refusedErr))
	return errors.Join(depErr, fmt.Errorf("%w: %d %s records: %w", errRefused, len(refused), s, refusedErr))
}

// drain writes every record pending in s at call time, dependencies first.
func (i *Ingestor) drain(ctx context.Context, s Stage) error {
	q := i.stages[s]
	q.wmu.Lock()
	defer q.wmu.Unlock()
	return i.flushLocked(ctx, s, q.len())
}

func (i *Ingestor) rearm(s Stage) {
	q := i.stages[s]
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 && q.timer == nil && !i.closed.Load() {
		q.timer = time.AfterFunc(i.backoff(q.streak), func() { i.onTimer(s) })
	}
}

// backoff is the delay after n consecutive failures: Interval doubled per
// failure, capped at MaxBackoff.
func (i *Ingestor) backoff(n int) time.Duration {
	if n <= 0 {
		return i.cfg.Interval
	}
	d := i.cfg.Interval << min(n, 20)
	if d <= 0 || d > i.cfg.MaxBackoff {
		d = i.cfg.MaxBackoff
	}
	return max(d, i.cfg.Interval)
}

// transientWrite reports whether a failed write says nothing about the
// records themselves, because the sink's transport failed or the flush
// context ended.
func transientWrite(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || retry.IsRetriable(err)
}

// writeIsolated writes batch. When the sink refuses it, the batch is split
// in halves until the refused records are isolated, so one bad record does
// not hold back the rest of its stage. It returns the records left unwritten
// and the last error.
func (i *Ingestor) writeIsolated(ctx context.Context, s Stage, batch []pending) ([]pending, error) {
	err := i.write(ctx, s, records(batch))
	if err == nil {
		return nil, nil
	}
	if len(batch) == 1 || transientWrite(ctx, err) {
		return batch, err
	}
	mid := len(batch) / 2
	left, lerr := i.writeIsolated(ctx, s, batch[:mid])
	if lerr != nil && transientWrite(ctx, lerr) {
		return slices.Concat(left, batch[mid:]), lerr
	}
	right, rerr := i.writeIsolated(ctx, s, batch[mid:])
	if rerr == nil {
		rerr = lerr
	}
	if rerr == nil {
		return nil, nil
	}
	return slices.Concat(left, right), rerr
}

// charge counts one refusal against each record the sink refused and
// returns the ones still under MaxAttempts, parked with a growing delay. The
// rest are dead-lettered.
func (i *Ingestor) charge(s Stage, refused []pending, err error) []pending {
	if len(refused) == 0 {
		return nil
	}
	q := i.stages[s]
	now := time.Now()
	keep := make([]pending, 0, len(refused))
	for _, p := range refused {
		p.refusals++
		if p.refusals < i.cfg.MaxAttempts {
			p.retryAt = now.Add(i.backoff(p.refusals))
			keep = append(keep, p)
			continue
		}
		n := q.deadLettered.Add(1)
		log.Error().Err(err).
			Str("stage", s.String()).
			Str("recordType", fmt.Sprintf("%T", p.rec)).
			Str("traceId", traceIDOf(p.rec)).
			Int("refusals", p.refusals).
			Int64("deadLettered", n).
			Msg("Trace record dead-lettered")
	}
	if dead := len(refused) - len(keep); dead > 0 {
		metrics.New(metrics.Namespace).
			Dimension("Stage", s.String()).
			Metric("TraceRecordsDeadLettered", float64(dead), metrics.UnitCount).
			Flush()
	}
	return keep
}

func traceIDOf(rec Record) string {
	switch r := rec.(type) {
	case TraceRecord:
		return r.TraceID
	case SpanRecord:
		return r.TraceID
	case SpanEndRecord:
		return r.TraceID
	case EventRecord:
		return r.TraceID
	}
	return ""
}

func (i *Ingestor) write(ctx context.Context, s Stage, batch []Record) error {
	if s == StageTraces {
		batch = coalesceTraces(batch)
	}
	ctx, cancel := context.WithTimeout(ctx, i.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := i.sink.Write(ctx, s, batch)
	m := metrics.New(metrics.Namespace).
		Dimension("Stage", s.String()).
		Metric("TraceFlushRecords", float64(len(batch)), metrics.UnitCount).
		Duration("TraceFlushMs", time.Since(start))
	if err != nil {
		m.Count("TraceFlushErrors").Flush()
		return fmt.Errorf("write %s batch of %d: %w", s, len(batch), err)
	}
	m.Flush()
	log.Debug().Str("stage", s.String()).Int("records", len(batch)).Msg("Trace batch written")
	return nil
}

// FlushThrough drains stage and everything it depends on. It blocks for an
// in-flight slot.
func (i *Ingestor) FlushThrough(ctx context.Context, stage Stage) error {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer i.sem.Release(1)
	return i.drain(ctx, stage)
}

// Flush drains every stage in topological order. Refused records do not
// stop later stages from being written.
func (i *Ingestor) Flush(ctx context.Context) error {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer i.sem.Release(1)
	var refused error
	for _, s := range Stages() {
		err := i.drain(ctx, s)
		if err == nil {
			continue
		}
		if !errors.Is(err, errRefused) {
			return err
		}
		refused = errors.Join(refused, err)
	}
	return refused
}

// Close stops the timers and flushes what is pending.
func (i *Ingestor) Close(ctx context.Context) error {
	i.closed.Store(true)
	for _, q := range i.stages {
		q.mu.Lock()
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.mu.Unlock()
	}
	return i.Flush(ctx)
}

// Pending returns the number of queued records in stage.
func (i *Ingestor) Pending(stage Stage) int {
	return i.stages[stage].len()
}

// Dropped returns the number of records discarded because stage was full.
func (i *Ingestor) Dropped(stage Stage) int64 {
	return i.stages[stage].dropped.Load()
}

// DeadLettered returns the number of records of stage discarded after the
// sink refused them MaxAttempts times.
func (i *Ingestor) DeadLettered(stage Stage) int64 {
	return i.stages[stage].deadLettered.Load()
}
