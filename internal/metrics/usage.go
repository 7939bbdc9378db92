package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

const DefaultUsageInterval = 5 * time.Second

// Usage is a resource sample of one server process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Target is a server to sample, identified by a stable label.
type Target struct {
	Server string
	PID    int32
}

// Sample reads the current resource usage of pid.
func Sample(ctx context.Context, pid int32) (Usage, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: time.Now()}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// UsageCollector periodically samples the servers returned by a target
// function and exports the latest values as gauges.
type UsageCollector struct {
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	latest map[string]Usage

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
}

func NewUsageCollector(interval time.Duration, logger *slog.Logger) *UsageCollector {
	if interval <= 0 {
		interval = DefaultUsageInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageCollector{
		interval: interval,
		logger:   logger,
		latest:   make(map[string]Usage),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portpilot", Subsystem: "server", Name: "cpu_percent",
			Help: "CPU usage percentage of managed servers.",
		}, []string{"server"}),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portpilot", Subsystem: "server", Name: "memory_rss_bytes",
			Help: "Resident memory of managed servers.",
		}, []string{"server"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portpilot", Subsystem: "server", Name: "threads",
			Help: "Thread count of managed servers.",
		}, []string{"server"}),
	}
}

// Register adds the usage gauges to r. Already registered collectors are kept.
func (c *UsageCollector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpu, c.rss, c.threads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples targets every interval until ctx is done or Stop is called.
func (c *UsageCollector) Start(ctx context.Context, targets func() []Target) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx, targets())
			}
		}
	}()
}

func (c *UsageCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples every target once and forgets servers no longer listed.
func (c *UsageCollector) Collect(ctx context.Context, targets []Target) {
	seen := make(map[string]Usage, len(targets))
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		u, err := Sample(ctx, t.PID)
		if err != nil {
			c.logger.Debug("usage sample failed", "server", t.Server, "pid", t.PID, "error", err)
			continue
		}
		seen[t.Server] = u
		c.cpu.WithLabelValues(t.Server).Set(u.CPUPercent)
		c.rss.WithLabelValues(t.Server).Set(float64(u.MemoryRSS))
		c.threads.WithLabelValues(t.Server).Set(float64(u.NumThreads))
	}

	c.mu.Lock()
	for name := range c.latest {
		if _, ok := seen[name]; !ok {
			c.cpu.DeleteLabelValues(name)
			c.rss.DeleteLabelValues(name)
			c.threads.DeleteLabelValues(name)
		}
	}
	c.latest = seen
	c.mu.Unlock()
}

// Get returns the latest sample for server.
func (c *UsageCollector) Get(server string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[server]
	return u, ok
}
