// Package monitor samples resource usage of agent subprocesses while they
// run and reports the peaks once they finish.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/floegence/agentfleet/internal/agent"
)

const defaultSampleInterval = 500 * time.Millisecond

// Sampler implements agent.ProcessSampler on top of gopsutil. One Sampler is
// shared by all runs; each Watch call owns its own goroutine.
type Sampler struct {
	log      *slog.Logger
	interval time.Duration
}

func NewSampler(log *slog.Logger, interval time.Duration) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Sampler{log: log, interval: interval}
}

// Watch polls the pid until stop is called or ctx ends. The pid exiting
// mid-watch is normal; sampling just stops accumulating.
func (s *Sampler) Watch(ctx context.Context, pid int) (stop func() agent.ProcessStats) {
	if ctx == nil {
		ctx = context.Background()
	}
	watchCtx, cancel := context.WithCancel(ctx)

	var (
		mu    sync.Mutex
		stats agent.ProcessStats
	)

	done := make(chan struct{})
	go func() {
		defer close(done)

		proc, err := process.NewProcessWithContext(watchCtx, int32(pid))
		if err != nil {
			s.log.Debug("monitor.watch.unavailable", "pid", pid, "error", err)
			return
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}

			cpuPct, cpuErr := proc.CPUPercentWithContext(watchCtx)
			mem, memErr := proc.MemoryInfoWithContext(watchCtx)
			if cpuErr != nil && memErr != nil {
				// Process is gone.
				return
			}

			mu.Lock()
			stats.Samples++
			if cpuErr == nil && cpuPct > stats.CPUPeakPercent {
				stats.CPUPeakPercent = cpuPct
			}
			if memErr == nil && mem != nil && mem.RSS > stats.RSSPeakBytes {
				stats.RSSPeakBytes = mem.RSS
			}
			mu.Unlock()
		}
	}()

	return func() agent.ProcessStats {
		cancel()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return stats
	}
}
