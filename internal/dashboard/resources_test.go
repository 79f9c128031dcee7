package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"pricefeed/logger"
	"pricefeed/reader"
)

type stubProcess struct{}

func (stubProcess) PercentWithContext(ctx context.Context, interval time.Duration) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(interval):
		return 12.5, nil
	}
}

func (stubProcess) MemoryInfoWithContext(context.Context) (*process.MemoryInfoStat, error) {
	return &process.MemoryInfoStat{RSS: 64 << 20}, nil
}

func stubResourceCollectors(t *testing.T, open func(context.Context) (procStats, error)) {
	t.Helper()
	origOpen, origMem := openProcess, hostMemoryFn
	t.Cleanup(func() {
		openProcess, hostMemoryFn = origOpen, origMem
	})
	openProcess = open
	hostMemoryFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 40}, nil
	}
}

func TestResourceSamplerAttributesConnectors(t *testing.T) {
	stubResourceCollectors(t, func(context.Context) (procStats, error) { return stubProcess{}, nil })
	statuses := func() []reader.Status {
		return []reader.Status{
			{ID: "bybit_spot", State: "streaming"},
			{ID: "coindcx_futures", State: "polling"},
			{ID: "delta_futures", State: "backoff"},
		}
	}
	sampler := newResourceSampler(3, 10*time.Millisecond, statuses, logger.Logger())

	sampler.start(context.Background())
	deadline := time.Now().Add(time.Second)
	for len(sampler.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler did not collect samples in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sampler.stop()

	snaps := sampler.snapshot()
	latest := snaps[len(snaps)-1]
	if latest.CPUPercent != 12.5 || latest.RSSBytes != 64<<20 || latest.HostMemoryPct != 40 || latest.Goroutines == 0 {
		t.Fatalf("unexpected snapshot: %#v", latest)
	}
	if latest.Connectors["running"] != 2 || latest.Connectors["error"] != 1 {
		t.Fatalf("unexpected connector counts: %v", latest.Connectors)
	}

	// Stopped sampler takes no further samples.
	n := len(sampler.snapshot())
	time.Sleep(30 * time.Millisecond)
	if len(sampler.snapshot()) != n {
		t.Fatal("sampler kept running after stop")
	}
}

func TestResourceSamplerWithoutProcessStats(t *testing.T) {
	stubResourceCollectors(t, func(context.Context) (procStats, error) { return nil, errors.New("no procfs") })
	sampler := newResourceSampler(3, 10*time.Millisecond, nil, logger.Logger())

	sampler.start(context.Background())
	sampler.stop()
	if got := sampler.snapshot(); len(got) != 0 {
		t.Fatalf("expected no samples, got %d", len(got))
	}
}
