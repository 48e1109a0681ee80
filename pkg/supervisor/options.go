package supervisor

import (
	"io"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/eventlog"
	"github.com/core-tools/hsu-supervisor/pkg/resourcelimits"
	"github.com/core-tools/hsu-supervisor/pkg/restartpolicy"
)

const (
	DefaultGracePeriod = 5 * time.Second

	// forceKillTimeout bounds the wait for reaping after the forceful signal
	forceKillTimeout = 5 * time.Second
)

// Options configure one Supervisor. The zero value supervises without automatic
// restarts, memory limit or persistent event sinks.
type Options struct {
	// AutoRestart enables the restart policy after unexpected exits
	AutoRestart bool

	// GracePeriod is the wait between the graceful and the forceful signal
	GracePeriod time.Duration

	Monitor resourcelimits.MonitorConfig
	Restart restartpolicy.Config

	// Sampler defaults to the operating system sampler
	Sampler resourcelimits.Sampler

	// EventSinks receive every lifecycle event; the caller owns and closes them
	EventSinks []eventlog.Sink

	// Stdout and Stderr override the redirect targets of the process spec
	Stdout io.Writer
	Stderr io.Writer
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.Monitor.Interval <= 0 {
		o.Monitor.Interval = resourcelimits.DefaultSampleInterval
	}
	if o.Sampler == nil {
		o.Sampler = resourcelimits.NewProcessSampler()
	}
	o.Restart = o.Restart.WithDefaults()
	return o
}

// monitoringEnabled reports whether a ResourceMonitor is needed for each run
func (o Options) monitoringEnabled() bool {
	return o.Monitor.MemoryLimit > 0 || o.Monitor.SampleCPU
}
