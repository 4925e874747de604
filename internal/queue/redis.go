// Package queue implements the durable Redis-backed job queue: priority +
// LIFO ordering, worker leases with stall recovery, retries with
// exponential backoff, bounded retention, pause/resume, and a dead-letter
// channel.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

// Options tunes queue behavior. Zero values fall back to the defaults
// below.
type Options struct {
	Prefix         string
	AttemptsMax    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Lease          time.Duration
	MaxStalled     int
	ItemDeadline   time.Duration
	PollInterval   time.Duration
	KeepCompleted  int64
	KeepFailed     int64
	DeadLetter     scrape.DeadLetterSink
}

func (o *Options) applyDefaults() {
	if o.Prefix == "" {
		o.Prefix = "scrapequeue"
	}
	if o.AttemptsMax == 0 {
		o.AttemptsMax = 2
	}
	if o.BackoffInitial == 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.ItemDeadline == 0 {
		o.ItemDeadline = 35 * time.Second
	}
	if o.Lease == 0 {
		o.Lease = 60 * time.Second
		if min := o.ItemDeadline + 10*time.Second; o.Lease < min {
			o.Lease = min
		}
	}
	if o.MaxStalled == 0 {
		o.MaxStalled = 2
	}
	if o.PollInterval == 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.KeepCompleted == 0 {
		o.KeepCompleted = 50
	}
	if o.KeepFailed == 0 {
		o.KeepFailed = 100
	}
}

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// popScript atomically moves the highest-priority waiting item into the
// active set with a lease deadline. Highest score wins, so now()-based
// priorities drain newest-first.
var popScript = redis.NewScript(`
local popped = redis.call('ZPOPMAX', KEYS[1])
if #popped == 0 then return false end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// Redis is the durable queue implementation.
type Redis struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
	clock  scrape.Clock

	events   scrape.QueueEvents
	eventsMu sync.RWMutex

	paused atomic.Bool
	closed atomic.Bool

	workers sync.WaitGroup
	cancel  context.CancelFunc
}

// New builds a queue on an existing Redis client.
func New(client *redis.Client, opts Options, logger *zap.Logger, clock scrape.Clock) *Redis {
	opts.applyDefaults()
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Redis{
		client: client,
		opts:   opts,
		logger: logger,
		clock:  clock,
	}
}

// SetEvents registers observer hooks. Call before Process.
func (q *Redis) SetEvents(events scrape.QueueEvents) {
	q.eventsMu.Lock()
	q.events = events
	q.eventsMu.Unlock()
}

func (q *Redis) snapshotEvents() scrape.QueueEvents {
	q.eventsMu.RLock()
	defer q.eventsMu.RUnlock()
	return q.events
}

func (q *Redis) key(suffix string) string {
	return q.opts.Prefix + ":" + suffix
}

// Enqueue stores the item payload and adds it to the waiting set scored by
// its priority.
func (q *Redis) Enqueue(ctx context.Context, item scrape.QueueItem) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}
	if item.ID == "" {
		// Time-ordered ids: ZPOPMAX breaks score ties by the greatest member,
		// so among equal priorities the most recently enqueued item pops first.
		item.ID = uuid.Must(uuid.NewV7()).String()
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal queue item: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.key("item:"+item.ID), payload, 0)
	pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: float64(item.Priority), Member: item.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue item: %w", err)
	}
	return item.ID, nil
}

// Process starts the mover and a pool of workers. It returns once the pool
// is running; Close drains it.
func (q *Redis) Process(ctx context.Context, concurrency int, handler scrape.Handler) error {
	if concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.workers.Add(1)
	go func() {
		defer q.workers.Done()
		q.runMover(runCtx)
	}()

	for i := 0; i < concurrency; i++ {
		q.workers.Add(1)
		go func(index int) {
			defer q.workers.Done()
			q.runWorker(runCtx, index, handler)
		}(i)
	}
	return nil
}

func (q *Redis) runWorker(ctx context.Context, index int, handler scrape.Handler) {
	logger := q.logger.With(zap.Int("worker", index))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if q.paused.Load() {
			q.sleep(ctx, q.opts.PollInterval)
			continue
		}

		item, ok := q.lease(ctx)
		if !ok {
			q.sleep(ctx, q.opts.PollInterval)
			continue
		}
		q.handle(ctx, logger, item, handler)
	}
}

// lease pops the newest waiting item and claims it.
func (q *Redis) lease(ctx context.Context) (scrape.QueueItem, bool) {
	deadline := q.clock.Now().Add(q.opts.Lease).UnixMilli()
	res, err := popScript.Run(ctx, q.client,
		[]string{q.key("waiting"), q.key("active")},
		deadline,
	).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			q.emitError(fmt.Errorf("lease item: %w", err))
		}
		return scrape.QueueItem{}, false
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return scrape.QueueItem{}, false
	}

	item, err := q.loadItem(ctx, id)
	if err != nil {
		// Payload vanished; drop the orphaned lease.
		q.client.ZRem(ctx, q.key("active"), id)
		q.emitError(err)
		return scrape.QueueItem{}, false
	}
	return item, true
}

func (q *Redis) loadItem(ctx context.Context, id string) (scrape.QueueItem, error) {
	raw, err := q.client.Get(ctx, q.key("item:"+id)).Bytes()
	if err != nil {
		return scrape.QueueItem{}, fmt.Errorf("load queue item %s: %w", id, err)
	}
	var item scrape.QueueItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return scrape.QueueItem{}, fmt.Errorf("decode queue item %s: %w", id, err)
	}
	return item, nil
}

func (q *Redis) storeItem(ctx context.Context, item scrape.QueueItem) {
	payload, err := json.Marshal(item)
	if err != nil {
		q.emitError(fmt.Errorf("marshal queue item: %w", err))
		return
	}
	if err := q.client.Set(ctx, q.key("item:"+item.ID), payload, 0).Err(); err != nil {
		q.emitError(fmt.Errorf("store queue item: %w", err))
	}
}

func (q *Redis) handle(ctx context.Context, logger *zap.Logger, item scrape.QueueItem, handler scrape.Handler) {
	item.Attempts++
	q.storeItem(ctx, item)

	events := q.snapshotEvents()
	if events.OnActive != nil {
		events.OnActive(item)
	}

	handlerCtx, cancel := context.WithTimeout(ctx, q.opts.ItemDeadline)
	err := handler(handlerCtx, item)
	cancel()

	if err == nil {
		q.complete(ctx, item)
		return
	}
	logger.Warn("handler attempt failed",
		zap.String("item_id", item.ID),
		zap.Int64("job_id", item.JobID),
		zap.String("url", item.URL),
		zap.Int("attempt", item.Attempts),
		zap.Error(err),
	)
	q.retryOrFail(ctx, item, err)
}

func (q *Redis) complete(ctx context.Context, item scrape.QueueItem) {
	payload, _ := json.Marshal(item)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), item.ID)
	pipe.Del(ctx, q.key("item:"+item.ID))
	pipe.LPush(ctx, q.key("completed"), payload)
	pipe.LTrim(ctx, q.key("completed"), 0, q.opts.KeepCompleted-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.emitError(fmt.Errorf("complete item: %w", err))
	}

	if events := q.snapshotEvents(); events.OnCompleted != nil {
		events.OnCompleted(item)
	}
}

func (q *Redis) retryOrFail(ctx context.Context, item scrape.QueueItem, cause error) {
	if item.Attempts >= q.opts.AttemptsMax {
		q.fail(ctx, item, cause)
		return
	}

	delay := q.backoff(item.Attempts)
	readyAt := q.clock.Now().Add(delay).UnixMilli()
	q.storeItem(ctx, item)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), item.ID)
	pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: item.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		q.emitError(fmt.Errorf("schedule retry: %w", err))
	}
}

func (q *Redis) backoff(attempt int) time.Duration {
	delay := q.opts.BackoffInitial << (attempt - 1)
	if delay > q.opts.BackoffMax {
		delay = q.opts.BackoffMax
	}
	return delay
}

// fail is terminal: the item is recorded on the failed list, removed from
// flight, and a dead-letter record is emitted.
func (q *Redis) fail(ctx context.Context, item scrape.QueueItem, cause error) {
	payload, _ := json.Marshal(item)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.key("active"), item.ID)
	pipe.ZRem(ctx, q.key("delayed"), item.ID)
	pipe.Del(ctx, q.key("item:"+item.ID))
	pipe.LPush(ctx, q.key("failed"), payload)
	pipe.LTrim(ctx, q.key("failed"), 0, q.opts.KeepFailed-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.emitError(fmt.Errorf("fail item: %w", err))
	}

	message := "stalled too many times"
	stack := ""
	if cause != nil {
		message = cause.Error()
		stack = fmt.Sprintf("%+v", cause)
	}
	if q.opts.DeadLetter != nil {
		q.opts.DeadLetter.Emit(ctx, scrape.DeadLetter{
			QueueItemID:  item.ID,
			JobID:        item.JobID,
			URL:          item.URL,
			Attempts:     item.Attempts,
			ErrorMessage: message,
			Stack:        stack,
			Timestamp:    q.clock.Now(),
		})
	}

	if events := q.snapshotEvents(); events.OnFailed != nil {
		if cause == nil {
			cause = errors.New(message)
		}
		events.OnFailed(item, cause)
	}
}

// runMover promotes due retries and recovers stalled leases.
func (q *Redis) runMover(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDelayed(ctx)
			q.recoverStalled(ctx)
		}
	}
}

func (q *Redis) promoteDelayed(ctx context.Context) {
	now := q.clock.Now().UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.emitError(fmt.Errorf("scan delayed: %w", err))
		}
		return
	}
	for _, id := range ids {
		item, err := q.loadItem(ctx, id)
		if err != nil {
			q.client.ZRem(ctx, q.key("delayed"), id)
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: float64(item.Priority), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			q.emitError(fmt.Errorf("promote delayed: %w", err))
		}
	}
}

func (q *Redis) recoverStalled(ctx context.Context) {
	now := q.clock.Now().UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.emitError(fmt.Errorf("scan active: %w", err))
		}
		return
	}
	for _, id := range ids {
		item, err := q.loadItem(ctx, id)
		if err != nil {
			q.client.ZRem(ctx, q.key("active"), id)
			continue
		}
		item.Stalls++
		events := q.snapshotEvents()
		if events.OnStalled != nil {
			events.OnStalled(item)
		}
		q.logger.Warn("queue item stalled",
			zap.String("item_id", item.ID),
			zap.Int64("job_id", item.JobID),
			zap.Int("stalls", item.Stalls),
		)
		if item.Stalls > q.opts.MaxStalled {
			q.fail(ctx, item, fmt.Errorf("stalled more than %d times", q.opts.MaxStalled))
			continue
		}
		q.storeItem(ctx, item)
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.key("active"), id)
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: float64(item.Priority), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			q.emitError(fmt.Errorf("republish stalled: %w", err))
		}
	}
}

// Pause stops leasing new items; in-flight handlers run to completion.
func (q *Redis) Pause(ctx context.Context) error {
	q.paused.Store(true)
	if err := q.client.Set(ctx, q.key("paused"), "1", 0).Err(); err != nil {
		return fmt.Errorf("set paused flag: %w", err)
	}
	return nil
}

// Resume re-enables leasing.
func (q *Redis) Resume(ctx context.Context) error {
	q.paused.Store(false)
	if err := q.client.Del(ctx, q.key("paused")).Err(); err != nil {
		return fmt.Errorf("clear paused flag: %w", err)
	}
	return nil
}

// IsPaused reports the local pause state.
func (q *Redis) IsPaused() bool {
	return q.paused.Load()
}

// Stats returns queue depth counters.
func (q *Redis) Stats(ctx context.Context) (scrape.QueueStats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return scrape.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return scrape.QueueStats{
		Waiting:   waiting.Val() + delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Paused:    q.paused.Load(),
	}, nil
}

// Close stops accepting work and waits for in-flight handlers up to the
// given context's deadline.
func (q *Redis) Close(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue drain: %w", ctx.Err())
	}
}

func (q *Redis) emitError(err error) {
	if events := q.snapshotEvents(); events.OnError != nil {
		events.OnError(err)
	}
	q.logger.Error("queue error", zap.Error(err))
}

func (q *Redis) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
