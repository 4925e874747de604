// Package memory provides a queue implementation for local development and
// tests. It honors the same contract as the Redis queue — priority + LIFO
// ordering, attempt counting, pause, events — without durability or
// backoff delays.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

// Queue is an in-process scrape.Queue.
type Queue struct {
	attemptsMax  int
	itemDeadline time.Duration
	deadLetter   scrape.DeadLetterSink

	mu        sync.Mutex
	waiting   []scrape.QueueItem
	active    int64
	completed []scrape.QueueItem
	failed    []scrape.QueueItem

	events   scrape.QueueEvents
	eventsMu sync.RWMutex

	paused  atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewQueue constructs a queue. attemptsMax <= 0 defaults to 2.
func NewQueue(attemptsMax int, itemDeadline time.Duration, deadLetter scrape.DeadLetterSink) *Queue {
	if attemptsMax <= 0 {
		attemptsMax = 2
	}
	if itemDeadline <= 0 {
		itemDeadline = 35 * time.Second
	}
	return &Queue{
		attemptsMax:  attemptsMax,
		itemDeadline: itemDeadline,
		deadLetter:   deadLetter,
	}
}

// SetEvents registers observer hooks.
func (q *Queue) SetEvents(events scrape.QueueEvents) {
	q.eventsMu.Lock()
	q.events = events
	q.eventsMu.Unlock()
}

func (q *Queue) snapshotEvents() scrape.QueueEvents {
	q.eventsMu.RLock()
	defer q.eventsMu.RUnlock()
	return q.events
}

// Enqueue appends an item to the waiting pool.
func (q *Queue) Enqueue(_ context.Context, item scrape.QueueItem) (string, error) {
	if q.closed.Load() {
		return "", errors.New("queue closed")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	q.mu.Lock()
	q.waiting = append(q.waiting, item)
	q.mu.Unlock()
	return item.ID, nil
}

// pop removes the highest-priority waiting item, preferring the most
// recently enqueued among equals (LIFO).
func (q *Queue) pop() (scrape.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return scrape.QueueItem{}, false
	}
	best := 0
	for i, item := range q.waiting {
		if item.Priority >= q.waiting[best].Priority {
			best = i
		}
	}
	item := q.waiting[best]
	q.waiting = append(q.waiting[:best], q.waiting[best+1:]...)
	q.active++
	return item, true
}

// Process starts a worker pool that drains the queue until the context or
// Close stops it.
func (q *Queue) Process(ctx context.Context, concurrency int, handler scrape.Handler) error {
	if concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < concurrency; i++ {
		q.workers.Add(1)
		go func() {
			defer q.workers.Done()
			q.runWorker(runCtx, handler)
		}()
	}
	return nil
}

func (q *Queue) runWorker(ctx context.Context, handler scrape.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if q.paused.Load() {
			q.idle(ctx)
			continue
		}
		item, ok := q.pop()
		if !ok {
			q.idle(ctx)
			continue
		}
		q.handle(ctx, item, handler)
	}
}

func (q *Queue) idle(ctx context.Context) {
	timer := time.NewTimer(5 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (q *Queue) handle(ctx context.Context, item scrape.QueueItem, handler scrape.Handler) {
	item.Attempts++

	events := q.snapshotEvents()
	if events.OnActive != nil {
		events.OnActive(item)
	}

	handlerCtx, cancel := context.WithTimeout(ctx, q.itemDeadline)
	err := handler(handlerCtx, item)
	cancel()

	q.mu.Lock()
	q.active--
	q.mu.Unlock()

	if err == nil {
		q.mu.Lock()
		q.completed = append(q.completed, item)
		q.mu.Unlock()
		if events.OnCompleted != nil {
			events.OnCompleted(item)
		}
		return
	}

	if item.Attempts >= q.attemptsMax {
		q.mu.Lock()
		q.failed = append(q.failed, item)
		q.mu.Unlock()
		if q.deadLetter != nil {
			q.deadLetter.Emit(ctx, scrape.DeadLetter{
				QueueItemID:  item.ID,
				JobID:        item.JobID,
				URL:          item.URL,
				Attempts:     item.Attempts,
				ErrorMessage: err.Error(),
				Timestamp:    time.Now(),
			})
		}
		if events.OnFailed != nil {
			events.OnFailed(item, err)
		}
		return
	}

	q.mu.Lock()
	q.waiting = append(q.waiting, item)
	q.mu.Unlock()
}

// Pause stops leasing new items.
func (q *Queue) Pause(_ context.Context) error {
	q.paused.Store(true)
	return nil
}

// Resume re-enables leasing.
func (q *Queue) Resume(_ context.Context) error {
	q.paused.Store(false)
	return nil
}

// IsPaused reports the pause state.
func (q *Queue) IsPaused() bool {
	return q.paused.Load()
}

// Stats returns depth counters.
func (q *Queue) Stats(_ context.Context) (scrape.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return scrape.QueueStats{
		Waiting:   int64(len(q.waiting)),
		Active:    q.active,
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
		Paused:    q.paused.Load(),
	}, nil
}

// Close stops workers and waits for in-flight handlers.
func (q *Queue) Close(ctx context.Context) error {
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
