package resourcelimits

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

// scriptedSampler replays a fixed sequence of RSS values, then repeats the last one
type scriptedSampler struct {
	mu     sync.Mutex
	values []uint64
	calls  int
}

func (s *scriptedSampler) Sample(ctx context.Context, pid int, withCPU bool) (ResourceSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.calls
	if idx >= len(s.values) {
		idx = len(s.values) - 1
	}
	s.calls++
	return ResourceSample{Timestamp: time.Now(), PID: pid, RSSBytes: s.values[idx]}, nil
}

func (s *scriptedSampler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestBreachDetector_OncePerEpisode(t *testing.T) {
	d := breachDetector{limit: 200 * mb}

	readings := []uint64{100 * mb, 250 * mb, 260 * mb, 300 * mb, 200 * mb, 150 * mb, 201 * mb, 400 * mb}
	expected := []bool{false, true, false, false, false, false, true, false}

	for i, rss := range readings {
		assert.Equal(t, expected[i], d.observe(rss), "reading %d (%d MB)", i, rss/mb)
	}
}

func TestBreachDetector_ZeroLimitDisabled(t *testing.T) {
	d := breachDetector{}
	assert.False(t, d.observe(1<<40))
}

func TestResourceMonitor_NotifiesOncePerBreach(t *testing.T) {
	sampler := &scriptedSampler{values: []uint64{
		100 * mb, 250 * mb, 260 * mb, 270 * mb, 100 * mb, 300 * mb, 310 * mb, 320 * mb,
	}}
	monitor := NewResourceMonitor(1234, MonitorConfig{Interval: 5 * time.Millisecond, MemoryLimit: 200 * mb}, sampler, logging.NewNopLogger())

	var violations int32
	var samples int32
	monitor.SetViolationCallback(func(v MemoryLimitExceeded) {
		atomic.AddInt32(&violations, 1)
		assert.Equal(t, 1234, v.PID)
		assert.Equal(t, uint64(200*mb), v.Limit)
		assert.Greater(t, v.Sample.RSSBytes, v.Limit)
		assert.Contains(t, v.Message, "exceeds limit")
	})
	monitor.SetSampleCallback(func(ResourceSample) {
		atomic.AddInt32(&samples, 1)
	})

	require.NoError(t, monitor.Start(context.Background()))
	assert.Eventually(t, func() bool { return sampler.Calls() >= 12 }, 5*time.Second, 5*time.Millisecond)
	monitor.Stop()

	// Two breach episodes: 250 (re-armed by 100) and 300; the tail stays above the limit
	assert.Equal(t, int32(2), atomic.LoadInt32(&violations))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&samples), int32(12))

	last, ok := monitor.LastSample()
	require.True(t, ok)
	assert.Equal(t, uint64(320*mb), last.RSSBytes)
}

func TestResourceMonitor_StartTwiceFails(t *testing.T) {
	monitor := NewResourceMonitor(1, MonitorConfig{Interval: time.Hour}, &scriptedSampler{values: []uint64{0}}, logging.NewNopLogger())

	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	err := monitor.Start(context.Background())
	assert.True(t, errors.IsValidationError(err))
}

func TestResourceMonitor_StopIsIdempotentAndStopsSampling(t *testing.T) {
	sampler := &scriptedSampler{values: []uint64{0}}
	monitor := NewResourceMonitor(1, MonitorConfig{Interval: 2 * time.Millisecond}, sampler, logging.NewNopLogger())

	monitor.Stop()
	require.NoError(t, monitor.Start(context.Background()))
	assert.Eventually(t, func() bool { return sampler.Calls() > 0 }, 5*time.Second, time.Millisecond)

	monitor.Stop()
	monitor.Stop()
	calls := sampler.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, sampler.Calls())
}

func TestResourceMonitor_DefaultInterval(t *testing.T) {
	monitor := NewResourceMonitor(1, MonitorConfig{}, &scriptedSampler{values: []uint64{0}}, logging.NewNopLogger())
	assert.Equal(t, DefaultSampleInterval, monitor.config.Interval)
}

func TestProcessSampler_SamplesSelf(t *testing.T) {
	sampler := NewProcessSampler()

	sample, err := sampler.Sample(context.Background(), os.Getpid(), true)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), sample.PID)
	assert.Greater(t, sample.RSSBytes, uint64(0))
	assert.False(t, sample.Timestamp.IsZero())
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"200M", 200 * mb, false},
		{"200m", 200 * mb, false},
		{"1G", 1024 * mb, false},
		{"512K", 512 * 1024, false},
		{"1024", 1024, false},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMemoryLimit(tt.in)
			if tt.wantErr {
				assert.True(t, errors.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResourceMonitor_StopForgetsCachedProcess(t *testing.T) {
	sampler := NewProcessSampler()
	monitor := NewResourceMonitor(os.Getpid(), MonitorConfig{Interval: 2 * time.Millisecond}, sampler, logging.NewNopLogger())

	require.NoError(t, monitor.Start(context.Background()))
	assert.Eventually(t, func() bool {
		_, ok := monitor.LastSample()
		return ok
	}, 5*time.Second, time.Millisecond)

	sampler.mu.Lock()
	assert.Len(t, sampler.procs, 1)
	sampler.mu.Unlock()

	monitor.Stop()

	sampler.mu.Lock()
	defer sampler.mu.Unlock()
	assert.Empty(t, sampler.procs)
}
