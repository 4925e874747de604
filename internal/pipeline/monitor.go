package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/scrape"
)

const (
	cpuInterval = 5 * time.Second
	memInterval = 30 * time.Second

	cpuPauseThreshold  = 0.70
	cpuResumeThreshold = 0.40
	// minCPUPause keeps an oscillating load from flapping the queue.
	minCPUPause = 10 * time.Second

	memWarnBytes = 500 << 20
)

// Monitor runs the CPU and memory feedback loops. High CPU load pauses the
// queue; the memory loop only warns and hints the GC.
type Monitor struct {
	queue  scrape.Queue
	logger *zap.Logger
	clock  scrape.Clock

	cpu         cpuSampler
	pausedByCPU atomic.Bool
	pausedAt    time.Time
}

// NewMonitor builds a monitor for the given queue.
func NewMonitor(queue scrape.Queue, logger *zap.Logger, clock scrape.Clock) *Monitor {
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Monitor{
		queue:  queue,
		logger: logger,
		clock:  clock,
	}
}

// PausedByCPU reports whether the current pause was CPU-triggered.
func (m *Monitor) PausedByCPU() bool {
	return m.pausedByCPU.Load()
}

// Run blocks until the context finishes.
func (m *Monitor) Run(ctx context.Context) {
	cpuTicker := time.NewTicker(cpuInterval)
	memTicker := time.NewTicker(memInterval)
	defer cpuTicker.Stop()
	defer memTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cpuTicker.C:
			m.tickCPU(ctx)
		case <-memTicker.C:
			m.tickMemory()
		}
	}
}

func (m *Monitor) tickCPU(ctx context.Context) {
	load, err := m.cpu.Sample()
	if err != nil {
		m.logger.Debug("cpu sample failed", zap.Error(err))
		return
	}

	switch {
	case load > cpuPauseThreshold && !m.queue.IsPaused():
		if err := m.queue.Pause(ctx); err != nil {
			m.logger.Warn("cpu pause failed", zap.Error(err))
			return
		}
		m.pausedByCPU.Store(true)
		m.pausedAt = m.clock.Now()
		m.logger.Warn("queue paused under cpu pressure", zap.Float64("load", load))
	case load < cpuResumeThreshold && m.pausedByCPU.Load():
		if m.clock.Now().Sub(m.pausedAt) < minCPUPause {
			return
		}
		// Only undo our own pause; manual pauses stay.
		if err := m.queue.Resume(ctx); err != nil {
			m.logger.Warn("cpu resume failed", zap.Error(err))
			return
		}
		m.pausedByCPU.Store(false)
		m.logger.Info("queue resumed, cpu pressure cleared", zap.Float64("load", load))
	}
}

func (m *Monitor) tickMemory() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapAlloc > memWarnBytes {
		m.logger.Warn("high memory usage",
			zap.Float64("heap_mb", float64(stats.HeapAlloc)/1024/1024),
			zap.Uint32("num_gc", stats.NumGC),
		)
		runtime.GC()
	}
}

// cpuSampler computes CPU load as the idle/total delta between ticks from
// /proc/stat. The first sample returns 0.
type cpuSampler struct {
	readStat  func() ([]byte, error)
	prevIdle  uint64
	prevTotal uint64
	primed    bool
}

func (s *cpuSampler) Sample() (float64, error) {
	read := s.readStat
	if read == nil {
		read = func() ([]byte, error) { return os.ReadFile("/proc/stat") }
	}
	data, err := read()
	if err != nil {
		return 0, fmt.Errorf("read cpu stats: %w", err)
	}
	idle, total, err := parseCPULine(data)
	if err != nil {
		return 0, err
	}

	if !s.primed {
		s.prevIdle, s.prevTotal, s.primed = idle, total, true
		return 0, nil
	}

	deltaIdle := idle - s.prevIdle
	deltaTotal := total - s.prevTotal
	s.prevIdle, s.prevTotal = idle, total

	if deltaTotal == 0 {
		return 0, nil
	}
	return 1 - float64(deltaIdle)/float64(deltaTotal), nil
}

// parseCPULine reads the aggregate "cpu" line: user nice system idle iowait
// irq softirq steal. Idle time includes iowait.
func parseCPULine(data []byte) (idle, total uint64, err error) {
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if len(fields) < 5 {
			return 0, 0, fmt.Errorf("malformed cpu line: %q", line)
		}
		for i, field := range fields {
			v, perr := strconv.ParseUint(field, 10, 64)
			if perr != nil {
				return 0, 0, fmt.Errorf("parse cpu field: %w", perr)
			}
			total += v
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return idle, total, nil
	}
	return 0, 0, fmt.Errorf("no cpu line in stats")
}
