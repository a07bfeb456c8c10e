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

// ResourceSample holds CPU and memory readings for the backend process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler periodically samples the backend process with gopsutil and
// exports the readings as gauges.
type ResourceSampler struct {
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	last *ResourceSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceSampler creates a sampler; interval defaults to 5s.
func NewResourceSampler(interval time.Duration, logger *slog.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &ResourceSampler{
		interval:   interval,
		logger:     logger,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the backend process."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of the backend process."),
		numThreads: gauge("num_threads", "Number of threads of the backend process."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the backend process (Unix only)."),
	}
}

// Register registers the sampler gauges with the provided registerer.
func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{s.cpuPercent, s.memoryRSS, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pidFn() every interval until ctx ends or Stop is called.
// A pid <= 0 means no backend is running and clears the readings.
func (s *ResourceSampler) Start(ctx context.Context, pidFn func() int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce(pidFn())
			}
		}
	}()
}

// Stop stops the sampling loop.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce takes one reading for pid and updates the gauges.
func (s *ResourceSampler) SampleOnce(pid int) {
	if pid <= 0 {
		s.reset()
		return
	}
	sample, err := sample(int32(pid))
	if err != nil {
		s.logger.Debug("resource sample failed", "pid", pid, "error", err)
		s.reset()
		return
	}
	label := fmt.Sprint(pid)
	s.cpuPercent.Reset()
	s.memoryRSS.Reset()
	s.numThreads.Reset()
	s.numFDs.Reset()
	s.cpuPercent.WithLabelValues(label).Set(sample.CPUPercent)
	s.memoryRSS.WithLabelValues(label).Set(float64(sample.MemoryRSS))
	s.numThreads.WithLabelValues(label).Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" && sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(label).Set(float64(sample.NumFDs))
	}
	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()
}

// Last returns the most recent reading, if any.
func (s *ResourceSampler) Last() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return ResourceSample{}, false
	}
	return *s.last, true
}

func (s *ResourceSampler) reset() {
	s.cpuPercent.Reset()
	s.memoryRSS.Reset()
	s.numThreads.Reset()
	s.numFDs.Reset()
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
}

func sample(pid int32) (*ResourceSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	// CPUPercent may be 0 on the first call
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}
	out := &ResourceSample{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			out.NumFDs = n
		}
	}
	return out, nil
}
