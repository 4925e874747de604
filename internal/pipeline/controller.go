package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/archive"
	"github.com/fetchwork/mediascrape/internal/cache"
	"github.com/fetchwork/mediascrape/internal/metrics"
	"github.com/fetchwork/mediascrape/internal/scrape"
)

// GC hint thresholds around a single extraction.
const (
	gcBeforeScrapeBytes = 350 << 20
	gcAfterScrapeBytes  = 400 << 20
)

// eventTimeout bounds store writes triggered by queue events, which carry
// no request context.
const eventTimeout = 10 * time.Second

// SubmitResult is returned to the API on job submission.
type SubmitResult struct {
	JobID             int64            `json:"job_id"`
	Status            scrape.JobStatus `json:"status"`
	TotalURLs         int              `json:"total_urls"`
	DuplicatesRemoved int              `json:"duplicates_removed"`
	CreatedAt         time.Time        `json:"created_at"`
}

// QueueStatus extends the queue snapshot with the CPU-pause flag.
type QueueStatus struct {
	scrape.QueueStats
	PausedByCPU bool `json:"pausedByCpu"`
}

// Controller owns the scrape pipeline: it fans submissions into queue
// items, runs the worker handler, aggregates per-URL outcomes into job
// status, and drives backpressure.
type Controller struct {
	store     scrape.Store
	kv        scrape.Cache
	queue     scrape.Queue
	extractor scrape.Extractor
	snapshots archive.Store
	logger    *zap.Logger
	clock     scrape.Clock

	concurrency int
	tracker     *Tracker
	monitor     *Monitor

	stop context.CancelFunc
}

// New builds a Controller. snapshots may be archive.NoOp{}.
func New(
	store scrape.Store,
	kv scrape.Cache,
	queue scrape.Queue,
	extractor scrape.Extractor,
	snapshots archive.Store,
	concurrency int,
	logger *zap.Logger,
	clock scrape.Clock,
) *Controller {
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Controller{
		store:       store,
		kv:          kv,
		queue:       queue,
		extractor:   extractor,
		snapshots:   snapshots,
		logger:      logger,
		clock:       clock,
		concurrency: concurrency,
		tracker:     NewTracker(),
		monitor:     NewMonitor(queue, logger.Named("monitor"), clock),
	}
}

// Start registers queue observers, launches the worker pool, and starts the
// backpressure loops.
func (c *Controller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel

	c.queue.SetEvents(scrape.QueueEvents{
		OnActive:    c.onActive,
		OnCompleted: c.onCompleted,
		OnFailed:    c.onFailed,
		OnStalled: func(item scrape.QueueItem) {
			c.logger.Warn("queue item stalled",
				zap.Int64("job_id", item.JobID), zap.String("url", item.URL))
		},
		OnError: func(err error) {
			c.logger.Error("queue error", zap.Error(err))
		},
	})

	if err := c.queue.Process(runCtx, c.concurrency, c.handle); err != nil {
		cancel()
		return fmt.Errorf("start workers: %w", err)
	}

	go c.monitor.Run(runCtx)
	return nil
}

// EnqueueJob de-duplicates the submitted URLs, creates the job row, and
// fans one queue item per URL. Newer submissions get higher priority so a
// fresh batch is not stuck behind a large backlog.
func (c *Controller) EnqueueJob(ctx context.Context, userID *int64, urls []string) (SubmitResult, error) {
	deduped, removed := scrape.DedupeURLs(urls)

	job, err := c.store.CreateJob(ctx, userID, deduped)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}

	priority := c.clock.Now().UnixMilli()
	for _, u := range deduped {
		if _, err := c.queue.Enqueue(ctx, scrape.QueueItem{
			JobID:    job.ID,
			URL:      u,
			Priority: priority,
		}); err != nil {
			return SubmitResult{}, fmt.Errorf("enqueue url: %w", err)
		}
	}

	c.logger.Info("job submitted",
		zap.Int64("job_id", job.ID),
		zap.Int("urls", len(deduped)),
		zap.Int("duplicates_removed", removed),
	)

	return SubmitResult{
		JobID:             job.ID,
		Status:            job.Status,
		TotalURLs:         len(deduped),
		DuplicatesRemoved: removed,
		CreatedAt:         job.CreatedAt,
	}, nil
}

// handle processes one leased URL: cache first, then the extraction router,
// then persistence and cache maintenance. Errors propagate to the queue's
// retry policy.
func (c *Controller) handle(ctx context.Context, item scrape.QueueItem) error {
	if err := c.store.MarkJobProcessing(ctx, item.JobID); err != nil {
		c.logger.Warn("mark processing failed", zap.Int64("job_id", item.JobID), zap.Error(err))
	}

	key := cache.URLKey(item.URL)
	if raw, ok := c.kv.Get(ctx, key); ok {
		var items []scrape.MediaItem
		if err := json.Unmarshal(raw, &items); err == nil {
			metrics.ObserveCacheHit(true)
			if _, err := c.store.InsertMedia(ctx, item.JobID, item.URL, items); err != nil {
				return err
			}
			return nil
		}
	}
	metrics.ObserveCacheHit(false)

	maybeGC(gcBeforeScrapeBytes)

	result, err := c.extractor.Extract(ctx, item.URL)
	if err != nil {
		metrics.ObservePage(scrape.ScraperStatic, "error")
		return err
	}
	metrics.ObservePage(result.ScraperUsed, "success")

	if len(result.Media) > 0 {
		inserted, err := c.store.InsertMedia(ctx, item.JobID, item.URL, result.Media)
		if err != nil {
			return err
		}
		c.observeMedia(result.Media)
		c.logger.Debug("media persisted",
			zap.Int64("job_id", item.JobID),
			zap.String("url", item.URL),
			zap.String("scraper", result.ScraperUsed),
			zap.Int("extracted", len(result.Media)),
			zap.Int64("inserted", inserted),
		)

		if raw, err := json.Marshal(result.Media); err == nil {
			c.kv.Set(ctx, key, raw, cache.URLTTL)
		}
		c.kv.DeletePattern(ctx, cache.MediaListPattern)
		c.kv.Delete(ctx, cache.StatsMediaKey)

		if len(result.HTML) > 0 {
			if err := c.snapshots.SavePage(ctx, item.JobID, item.URL, result.HTML); err != nil {
				c.logger.Warn("page snapshot failed", zap.String("url", item.URL), zap.Error(err))
			}
		}
	}

	maybeGC(gcAfterScrapeBytes)
	return nil
}

func (c *Controller) observeMedia(items []scrape.MediaItem) {
	images, videos := 0, 0
	for _, item := range items {
		if item.Type == scrape.MediaTypeVideo {
			videos++
		} else {
			images++
		}
	}
	metrics.ObserveMedia(string(scrape.MediaTypeImage), images)
	metrics.ObserveMedia(string(scrape.MediaTypeVideo), videos)
}

func (c *Controller) onActive(item scrape.QueueItem) {
	if c.tracker.Has(item.JobID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	job, err := c.store.GetJob(ctx, item.JobID)
	if err != nil {
		c.logger.Error("load job for tracking failed", zap.Int64("job_id", item.JobID), zap.Error(err))
		return
	}
	c.tracker.Ensure(item.JobID, len(job.URLs))
}

func (c *Controller) onCompleted(item scrape.QueueItem) {
	if finished, allFailed := c.tracker.Complete(item.JobID); finished {
		c.finishJob(item.JobID, allFailed)
	}
}

func (c *Controller) onFailed(item scrape.QueueItem, _ error) {
	if finished, allFailed := c.tracker.Fail(item.JobID); finished {
		c.finishJob(item.JobID, allFailed)
	}
}

// finishJob writes the terminal status: failed only when every URL failed.
func (c *Controller) finishJob(jobID int64, allFailed bool) {
	status := scrape.JobStatusCompleted
	if allFailed {
		status = scrape.JobStatusFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := c.store.FinishJob(ctx, jobID, status, c.clock.Now()); err != nil {
		c.logger.Error("finish job failed", zap.Int64("job_id", jobID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(status))
	c.logger.Info("job finished", zap.Int64("job_id", jobID), zap.String("status", string(status)))
}

// QueueStats returns the queue snapshot, cached briefly to absorb polling.
func (c *Controller) QueueStats(ctx context.Context) (QueueStatus, error) {
	status, err := cache.GetOrSet(ctx, c.kv, cache.QueueStatsKey, cache.QueueStatsTTL, func() (QueueStatus, error) {
		stats, err := c.queue.Stats(ctx)
		if err != nil {
			return QueueStatus{}, fmt.Errorf("queue stats: %w", err)
		}
		return QueueStatus{QueueStats: stats, PausedByCPU: c.monitor.PausedByCPU()}, nil
	})
	if err != nil {
		return QueueStatus{}, err
	}
	metrics.SetQueueDepth(status.Waiting, status.Active)
	return status, nil
}

// Close stops the monitor and drains the queue within the context's
// deadline.
func (c *Controller) Close(ctx context.Context) error {
	if c.stop != nil {
		c.stop()
	}
	if err := c.queue.Close(ctx); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}
	return nil
}

func maybeGC(threshold uint64) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapAlloc > threshold {
		runtime.GC()
	}
}
