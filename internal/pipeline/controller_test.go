package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/archive"
	"github.com/fetchwork/mediascrape/internal/cache"
	"github.com/fetchwork/mediascrape/internal/metrics"
	"github.com/fetchwork/mediascrape/internal/queue/memory"
	"github.com/fetchwork/mediascrape/internal/scrape"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

// fakeStore is an in-memory scrape.Store.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*scrape.Job
	media  map[string]scrape.Media
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  make(map[int64]*scrape.Job),
		media: make(map[string]scrape.Media),
	}
}

func (s *fakeStore) CreateJob(_ context.Context, userID *int64, urls []string) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job := scrape.Job{
		ID:        s.nextID,
		UserID:    userID,
		URLs:      urls,
		Status:    scrape.JobStatusPending,
		CreatedAt: time.Now(),
	}
	s.jobs[job.ID] = &job
	return job, nil
}

func (s *fakeStore) GetJob(_ context.Context, id int64) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.Job{}, scrape.ErrNotFound
	}
	return *job, nil
}

func (s *fakeStore) ListJobs(context.Context, int, int) ([]scrape.Job, int64, error) {
	return nil, 0, nil
}

func (s *fakeStore) MarkJobProcessing(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && job.Status == scrape.JobStatusPending {
		job.Status = scrape.JobStatusProcessing
	}
	return nil
}

func (s *fakeStore) FinishJob(_ context.Context, id int64, status scrape.JobStatus, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = status
	job.CompletedAt = &completedAt
	return nil
}

func (s *fakeStore) InsertMedia(_ context.Context, jobID int64, sourceURL string, items []scrape.MediaItem) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, item := range items {
		key := fmt.Sprintf("%d|%s", jobID, item.URL)
		if _, dup := s.media[key]; dup {
			continue
		}
		s.media[key] = scrape.Media{
			JobID:     jobID,
			SourceURL: sourceURL,
			MediaURL:  item.URL,
			Type:      item.Type,
			Title:     item.Title,
			CreatedAt: time.Now(),
		}
		inserted++
	}
	return inserted, nil
}

func (s *fakeStore) ListMedia(context.Context, scrape.MediaFilter) ([]scrape.Media, int64, error) {
	return nil, 0, nil
}

func (s *fakeStore) GetMedia(context.Context, int64) (scrape.Media, scrape.Job, error) {
	return scrape.Media{}, scrape.Job{}, scrape.ErrNotFound
}

func (s *fakeStore) MediaStats(context.Context) (scrape.MediaStats, error) {
	return scrape.MediaStats{}, nil
}

func (s *fakeStore) GetUserByUsername(context.Context, string) (scrape.User, error) {
	return scrape.User{}, scrape.ErrNotFound
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close()                     {}

func (s *fakeStore) jobStatus(id int64) scrape.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

func (s *fakeStore) jobCompletedAt(id int64) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].CompletedAt
}

func (s *fakeStore) mediaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.media)
}

// fakeCache is an in-memory scrape.Cache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
}

func (c *fakeCache) Delete(_ context.Context, keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.data, k)
	}
	c.mu.Unlock()
}

func (c *fakeCache) DeletePattern(context.Context, string) {}
func (c *fakeCache) Healthy(context.Context) bool          { return true }
func (c *fakeCache) Close() error                          { return nil }

// fakeRouter returns canned results per URL.
type fakeRouter struct {
	mu      sync.Mutex
	results map[string]scrape.Result
	errs    map[string]error
	calls   map[string]int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		results: make(map[string]scrape.Result),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (r *fakeRouter) Extract(_ context.Context, pageURL string) (scrape.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[pageURL]++
	if err, ok := r.errs[pageURL]; ok {
		return scrape.Result{}, err
	}
	return r.results[pageURL], nil
}

func (r *fakeRouter) callCount(pageURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[pageURL]
}

func newTestController(t *testing.T, router scrape.Extractor) (*Controller, *fakeStore, *fakeCache) {
	t.Helper()
	store := newFakeStore()
	kv := newFakeCache()
	q := memory.NewQueue(2, 5*time.Second, nil)
	c := New(store, kv, q, router, archive.NoOp{}, 2, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		_ = c.Close(closeCtx)
	})
	return c, store, kv
}

func imageResult(pageURL string, urls ...string) scrape.Result {
	media := make([]scrape.MediaItem, 0, len(urls))
	for _, u := range urls {
		media = append(media, scrape.MediaItem{URL: u, Type: scrape.MediaTypeImage})
	}
	return scrape.Result{URL: pageURL, Media: media, ScraperUsed: scrape.ScraperStatic}
}

func TestController_HappyPath(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	router.results["https://example.com"] = imageResult("https://example.com",
		"https://example.com/a.jpg", "https://example.com/b.jpg")

	c, store, kv := newTestController(t, router)

	result, err := c.EnqueueJob(context.Background(), nil, []string{"https://example.com"})
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusPending, result.Status)
	require.Equal(t, 1, result.TotalURLs)

	require.Eventually(t, func() bool {
		return store.jobStatus(result.JobID) == scrape.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 2, store.mediaCount())
	require.NotNil(t, store.jobCompletedAt(result.JobID))

	// The extraction landed in the URL cache.
	_, ok := kv.Get(context.Background(), cache.URLKey("https://example.com"))
	require.True(t, ok)
}

func TestController_SubmissionDedup(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	router.results["u"] = imageResult("u")
	router.results["v"] = imageResult("v")

	c, _, _ := newTestController(t, router)

	result, err := c.EnqueueJob(context.Background(), nil, []string{"u", "u", "v"})
	require.NoError(t, err)
	require.Equal(t, 2, result.TotalURLs)
	require.Equal(t, 1, result.DuplicatesRemoved)
}

func TestController_PermanentFailure(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	router.errs["https://broken.example"] = errors.New("fetch: status 500")

	c, store, _ := newTestController(t, router)

	result, err := c.EnqueueJob(context.Background(), nil, []string{"https://broken.example"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.jobStatus(result.JobID) == scrape.JobStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	require.Zero(t, store.mediaCount())
	// Both attempts hit the router.
	require.Equal(t, 2, router.callCount("https://broken.example"))
}

func TestController_PartialFailureCompletes(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	router.results["https://ok.example"] = imageResult("https://ok.example",
		"https://ok.example/1.jpg", "https://ok.example/2.jpg", "https://ok.example/3.jpg")
	router.errs["https://broken.example"] = errors.New("dns failure")

	c, store, _ := newTestController(t, router)

	result, err := c.EnqueueJob(context.Background(), nil, []string{"https://ok.example", "https://broken.example"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.jobStatus(result.JobID).Terminal()
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, scrape.JobStatusCompleted, store.jobStatus(result.JobID))
	require.Equal(t, 3, store.mediaCount())
}

func TestController_CacheHitSkipsExtraction(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	c, store, kv := newTestController(t, router)

	cached := []scrape.MediaItem{{URL: "https://example.com/cached.jpg", Type: scrape.MediaTypeImage}}
	raw, err := json.Marshal(cached)
	require.NoError(t, err)
	kv.Set(context.Background(), cache.URLKey("https://example.com"), raw, time.Hour)

	result, err := c.EnqueueJob(context.Background(), nil, []string{"https://example.com"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.jobStatus(result.JobID) == scrape.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, store.mediaCount())
	require.Zero(t, router.callCount("https://example.com"))
}

func TestController_HandlerIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	kv := newFakeCache()
	router := newFakeRouter()
	router.results["https://example.com"] = imageResult("https://example.com", "https://example.com/a.jpg")

	q := memory.NewQueue(2, 5*time.Second, nil)
	c := New(store, kv, q, router, archive.NoOp{}, 1, zap.NewNop(), nil)

	job, err := store.CreateJob(context.Background(), nil, []string{"https://example.com"})
	require.NoError(t, err)

	item := scrape.QueueItem{ID: "item-1", JobID: job.ID, URL: "https://example.com"}
	require.NoError(t, c.handle(context.Background(), item))
	require.NoError(t, c.handle(context.Background(), item))

	require.Equal(t, 1, store.mediaCount())
}

func TestController_QueueStats(t *testing.T) {
	t.Parallel()

	router := newFakeRouter()
	c, _, _ := newTestController(t, router)

	status, err := c.QueueStats(context.Background())
	require.NoError(t, err)
	require.False(t, status.Paused)
	require.False(t, status.PausedByCPU)
}
