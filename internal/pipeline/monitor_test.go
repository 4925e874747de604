package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// pausableQueue implements just enough of scrape.Queue for monitor tests.
type pausableQueue struct {
	mu     sync.Mutex
	paused bool
}

func (q *pausableQueue) Enqueue(context.Context, scrape.QueueItem) (string, error) { return "", nil }
func (q *pausableQueue) Process(context.Context, int, scrape.Handler) error        { return nil }
func (q *pausableQueue) SetEvents(scrape.QueueEvents)                              {}
func (q *pausableQueue) Stats(context.Context) (scrape.QueueStats, error) {
	return scrape.QueueStats{}, nil
}
func (q *pausableQueue) Close(context.Context) error { return nil }
func (q *pausableQueue) Pause(context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}
func (q *pausableQueue) Resume(context.Context) error {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	return nil
}
func (q *pausableQueue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func statLine(idle, total uint64) []byte {
	busy := total - idle
	return []byte(fmt.Sprintf("cpu  %d 0 0 %d 0 0 0 0\nintr 0\n", busy, idle))
}

func TestCPUSampler_FirstSampleIsZero(t *testing.T) {
	t.Parallel()

	s := cpuSampler{readStat: func() ([]byte, error) {
		return statLine(100, 200), nil
	}}

	load, err := s.Sample()
	require.NoError(t, err)
	require.Zero(t, load)
}

func TestCPUSampler_ComputesDelta(t *testing.T) {
	t.Parallel()

	samples := [][]byte{
		statLine(100, 200),
		statLine(120, 300), // 20 idle of 100 total -> 80% load
	}
	i := 0
	s := cpuSampler{readStat: func() ([]byte, error) {
		data := samples[i]
		if i < len(samples)-1 {
			i++
		}
		return data, nil
	}}

	_, err := s.Sample()
	require.NoError(t, err)
	load, err := s.Sample()
	require.NoError(t, err)
	require.InDelta(t, 0.8, load, 0.001)
}

func TestCPUSampler_MalformedLine(t *testing.T) {
	t.Parallel()

	s := cpuSampler{readStat: func() ([]byte, error) {
		return []byte("garbage\n"), nil
	}}
	_, err := s.Sample()
	require.Error(t, err)
}

func TestMonitor_PausesAndResumesWithHysteresis(t *testing.T) {
	t.Parallel()

	queue := &pausableQueue{}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := NewMonitor(queue, zap.NewNop(), clock)

	loads := []uint64{0, 10, 90, 90} // idle percentages per window
	step := 0
	var prevIdle, prevTotal uint64
	m.cpu.readStat = func() ([]byte, error) {
		idle := prevIdle + loads[step]
		total := prevTotal + 100
		prevIdle, prevTotal = idle, total
		if step < len(loads)-1 {
			step++
		}
		return statLine(idle, total), nil
	}

	ctx := context.Background()

	// Prime, then a 90%-load window pauses the queue.
	m.tickCPU(ctx)
	m.tickCPU(ctx)
	require.True(t, queue.IsPaused())
	require.True(t, m.PausedByCPU())

	// Load drops below 40% but the minimum pause hold keeps it paused.
	m.tickCPU(ctx)
	require.True(t, queue.IsPaused())

	// After the hold expires the monitor resumes its own pause.
	clock.advance(minCPUPause + time.Second)
	m.tickCPU(ctx)
	require.False(t, queue.IsPaused())
	require.False(t, m.PausedByCPU())
}

func TestMonitor_DoesNotOverrideManualPause(t *testing.T) {
	t.Parallel()

	queue := &pausableQueue{}
	require.NoError(t, queue.Pause(context.Background()))

	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := NewMonitor(queue, zap.NewNop(), clock)

	var prevIdle, prevTotal uint64
	m.cpu.readStat = func() ([]byte, error) {
		// Fully idle machine.
		prevIdle += 100
		prevTotal += 100
		return statLine(prevIdle, prevTotal), nil
	}

	ctx := context.Background()
	m.tickCPU(ctx)
	clock.advance(minCPUPause * 2)
	m.tickCPU(ctx)

	// Idle load with a manual pause: the monitor must not resume.
	require.True(t, queue.IsPaused())
}
