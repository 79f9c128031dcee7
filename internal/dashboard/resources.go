package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"pricefeed/internal/orchestrator"
	"pricefeed/logger"
	"pricefeed/reader"
)

// resourceSnapshot is one sample of this process next to the connectors it
// runs, so load can be read against how many sessions are live.
type resourceSnapshot struct {
	Timestamp     time.Time      `json:"timestamp"`
	Goroutines    int            `json:"goroutines"`
	CPUPercent    float64        `json:"cpu_percent"`
	RSSBytes      uint64         `json:"rss_bytes"`
	HostMemoryPct float64        `json:"host_memory_percent"`
	Connectors    map[string]int `json:"connectors"`
}

// procStats is the part of gopsutil's process handle the sampler reads.
type procStats interface {
	PercentWithContext(ctx context.Context, interval time.Duration) (float64, error)
	MemoryInfoWithContext(ctx context.Context) (*process.MemoryInfoStat, error)
}

var (
	openProcess = func(ctx context.Context) (procStats, error) {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	hostMemoryFn = mem.VirtualMemoryWithContext
)

type resourceSampler struct {
	samples  *ring[resourceSnapshot]
	interval time.Duration
	statuses func() []reader.Status
	log      *logger.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newResourceSampler(limit int, interval time.Duration, statuses func() []reader.Status, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &resourceSampler{
		samples:  newRing[resourceSnapshot](limit),
		interval: interval,
		statuses: statuses,
		log:      log.WithComponent("resource_sampler"),
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	proc, err := openProcess(ctx)
	if err != nil {
		s.log.WithError(err).Warn("process stats unavailable, resource sampling disabled")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel, s.done = cancel, make(chan struct{})
	go s.run(runCtx, proc, s.done)
}

func (s *resourceSampler) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	return s.samples.collect(nil)
}

// run samples once per interval. CPU is measured over the interval itself,
// so the call doubles as the pacing wait.
func (s *resourceSampler) run(ctx context.Context, proc procStats, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		cpu, err := proc.PercentWithContext(ctx, s.interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Debug("failed to sample process cpu")
			if !sleep(ctx, s.interval) {
				return
			}
			continue
		}
		snap := resourceSnapshot{
			Timestamp:  time.Now(),
			Goroutines: runtime.NumGoroutine(),
			CPUPercent: cpu,
			Connectors: s.connectorCounts(),
		}
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			snap.RSSBytes = info.RSS
		}
		if vm, err := hostMemoryFn(ctx); err == nil {
			snap.HostMemoryPct = vm.UsedPercent
		}
		s.samples.push(snap)
	}
}

// connectorCounts groups connectors by their control status.
func (s *resourceSampler) connectorCounts() map[string]int {
	counts := map[string]int{}
	if s.statuses == nil {
		return counts
	}
	for _, st := range s.statuses() {
		counts[orchestrator.ControlStatus(st.State)]++
	}
	return counts
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
