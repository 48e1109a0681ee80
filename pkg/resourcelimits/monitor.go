package resourcelimits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// MemoryLimitExceeded is emitted once per breach episode
type MemoryLimitExceeded struct {
	PID     int
	Limit   uint64
	Sample  ResourceSample
	Message string
}

type ViolationCallback func(violation MemoryLimitExceeded)
type SampleCallback func(sample ResourceSample)

// ResourceMonitor samples one process on its own goroutine until stopped
type ResourceMonitor struct {
	pid     int
	config  MonitorConfig
	sampler Sampler
	logger  logging.Logger

	mu                sync.Mutex
	violationCallback ViolationCallback
	sampleCallback    SampleCallback
	lastSample        *ResourceSample
	detector          breachDetector

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewResourceMonitor(pid int, config MonitorConfig, sampler Sampler, logger logging.Logger) *ResourceMonitor {
	if config.Interval <= 0 {
		config.Interval = DefaultSampleInterval
	}
	return &ResourceMonitor{
		pid:      pid,
		config:   config,
		sampler:  sampler,
		logger:   logger,
		detector: breachDetector{limit: config.MemoryLimit},
	}
}

func (m *ResourceMonitor) SetViolationCallback(callback ViolationCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violationCallback = callback
}

func (m *ResourceMonitor) SetSampleCallback(callback SampleCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampleCallback = callback
}

func (m *ResourceMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return errors.NewValidationError("resource monitor already started", nil).WithContext("pid", m.pid)
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(monitorCtx)

	m.logger.Debugf("Resource monitor started, PID: %d, interval: %v, memory limit: %d", m.pid, m.config.Interval, m.config.MemoryLimit)
	return nil
}

// Stop cancels sampling and waits for the sampling goroutine; safe to call repeatedly
func (m *ResourceMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()

	if f, ok := m.sampler.(forgetter); ok {
		f.Forget(m.pid)
	}
}

func (m *ResourceMonitor) LastSample() (ResourceSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSample == nil {
		return ResourceSample{}, false
	}
	return *m.lastSample, true
}

func (m *ResourceMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *ResourceMonitor) sampleOnce(ctx context.Context) {
	sample, err := m.sampler.Sample(ctx, m.pid, m.config.SampleCPU)
	if err != nil {
		// The exit itself is reported by the process waiter
		m.logger.Debugf("Resource sample failed, PID: %d, error: %v", m.pid, err)
		return
	}

	m.mu.Lock()
	m.lastSample = &sample
	breached := m.detector.observe(sample.RSSBytes)
	sampleCallback := m.sampleCallback
	violationCallback := m.violationCallback
	m.mu.Unlock()

	if sampleCallback != nil {
		sampleCallback(sample)
	}

	if !breached {
		return
	}

	violation := MemoryLimitExceeded{
		PID:    m.pid,
		Limit:  m.config.MemoryLimit,
		Sample: sample,
		Message: fmt.Sprintf("resident memory %s exceeds limit %s",
			FormatBytes(sample.RSSBytes), FormatBytes(m.config.MemoryLimit)),
	}
	m.logger.Warnf("Memory limit exceeded, PID: %d, %s", m.pid, violation.Message)

	if violationCallback != nil {
		violationCallback(violation)
	}
}

// breachDetector reports the first sample above the limit and stays silent
// until a sample at or below the limit re-arms it.
type breachDetector struct {
	limit uint64
	over  bool
}

func (d *breachDetector) observe(rss uint64) bool {
	if d.limit == 0 {
		return false
	}
	if rss > d.limit {
		if d.over {
			return false
		}
		d.over = true
		return true
	}
	d.over = false
	return false
}
