package resourcelimits

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSample is one observation of a managed process
type ResourceSample struct {
	Timestamp  time.Time
	PID        int
	RSSBytes   uint64
	CPUPercent float64
	HasCPU     bool
}

// Sampler reads the current resource usage of a process
type Sampler interface {
	Sample(ctx context.Context, pid int, withCPU bool) (ResourceSample, error)
}

// forgetter is implemented by samplers that cache per-pid state
type forgetter interface {
	Forget(pid int)
}

// ProcessSampler reads usage from the operating system through gopsutil
type ProcessSampler struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{procs: make(map[int]*process.Process)}
}

func (s *ProcessSampler) Sample(ctx context.Context, pid int, withCPU bool) (ResourceSample, error) {
	proc, err := s.lookup(ctx, pid)
	if err != nil {
		return ResourceSample{}, err
	}

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		s.Forget(pid)
		return ResourceSample{}, errors.NewIOError("failed to read process memory", err).WithContext("pid", pid)
	}

	sample := ResourceSample{
		Timestamp: time.Now(),
		PID:       pid,
		RSSBytes:  mem.RSS,
	}

	if withCPU {
		// Percent(0) measures against the previous call on the same process object
		cpu, err := proc.PercentWithContext(ctx, 0)
		if err == nil {
			sample.CPUPercent = cpu
			sample.HasCPU = true
		}
	}

	return sample, nil
}

// Forget drops cached state for a pid that is no longer monitored
func (s *ProcessSampler) Forget(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, pid)
}

func (s *ProcessSampler) lookup(ctx context.Context, pid int) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if proc, ok := s.procs[pid]; ok {
		return proc, nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, errors.NewNoSuchProcessError("process not found", err).WithContext("pid", pid)
	}
	s.procs[pid] = proc
	return proc, nil
}
