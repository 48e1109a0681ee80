package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logcollection"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// SignalKind selects how a termination request is delivered
type SignalKind int

const (
	// SignalGraceful asks the process to exit (SIGTERM to the process group on unix)
	SignalGraceful SignalKind = iota
	// SignalForceful kills the process (SIGKILL to the process group on unix)
	SignalForceful
)

func (k SignalKind) String() string {
	if k == SignalForceful {
		return "forceful"
	}
	return "graceful"
}

// ExitStatus describes how a process ended
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
	Err      error
}

func (s ExitStatus) Success() bool {
	return s.Err == nil && !s.Signaled && s.Code == 0
}

func (s ExitStatus) String() string {
	switch {
	case s.Signaled:
		return fmt.Sprintf("terminated by signal %s", s.Signal)
	case s.Err != nil && s.Code < 0:
		return fmt.Sprintf("wait failed: %v", s.Err)
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// Outputs are the redirect targets of a process. Nil targets discard output.
type Outputs struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Handle owns one started OS process until its exit status has been collected
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	logger    logging.Logger
	collector *logcollection.StreamCollector

	done     chan struct{}
	mu       sync.Mutex
	status   ExitStatus
	exitedAt time.Time
}

// Start launches spec and begins forwarding its output streams.
// Failures caused by the executable or working directory are SpawnErrors.
func Start(spec ProcessSpec, outputs Outputs, logger logging.Logger) (*Handle, error) {
	executable, err := ResolveExecutable(spec)
	if err != nil {
		return nil, err
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.NewIOError("failed to create stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, errors.NewIOError("failed to create stderr pipe", err)
	}

	cmd := exec.Command(executable, spec.Args()...)
	cmd.Dir = spec.WorkingDirectory()
	cmd.Env = spec.Environ()
	cmd.SysProcAttr = newSysProcAttr()
	// Stdin is left nil so the child reads from the null device
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, errors.NewSpawnError("failed to start process", err).
			WithContext("executable", executable).
			WithContext("working_directory", spec.WorkingDirectory())
	}

	// The child holds its own copies of the write ends
	stdoutW.Close()
	stderrW.Close()

	pid := cmd.Process.Pid
	h := &Handle{
		cmd:       cmd,
		pid:       pid,
		startedAt: time.Now(),
		logger:    logger,
		collector: logcollection.NewStreamCollector(fmt.Sprintf("%s[%d]", filepath.Base(executable), pid), logger),
		done:      make(chan struct{}),
	}

	h.collector.CollectFromStream(stdoutR, discardIfNil(outputs.Stdout), logcollection.ForwardOptions{
		Stream:          logcollection.StdoutStream,
		TimestampPrefix: spec.TimestampPrefix(),
	})
	h.collector.CollectFromStream(stderrR, discardIfNil(outputs.Stderr), logcollection.ForwardOptions{
		Stream:          logcollection.StderrStream,
		TimestampPrefix: spec.TimestampPrefix(),
	})
	h.collector.Seal()

	go h.wait()

	logger.Infof("Process started, executable: %s, PID: %d", executable, pid)
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	status := exitStatusFromState(h.cmd.ProcessState, err)

	h.mu.Lock()
	h.status = status
	h.exitedAt = time.Now()
	h.mu.Unlock()

	h.logger.Infof("Process PID %d exited: %s", h.pid, status)
	close(h.done)
}

func (h *Handle) Pid() int {
	return h.pid
}

// Uptime is the time the process has been (or was) running
func (h *Handle) Uptime() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exitedAt.IsZero() {
		return h.exitedAt.Sub(h.startedAt)
	}
	return time.Since(h.startedAt)
}

// Done is closed once the process has been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process has been reaped and returns its exit status
func (h *Handle) Wait() ExitStatus {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Signal delivers a termination request; NoSuchProcess if the process already exited
func (h *Handle) Signal(kind SignalKind) error {
	if h.Exited() {
		return errors.NewNoSuchProcessError("process already exited", nil).WithContext("pid", h.pid)
	}

	if err := signalProcess(h.cmd.Process, kind); err != nil {
		if isProcessGone(err) {
			return errors.NewNoSuchProcessError("process already exited", err).WithContext("pid", h.pid)
		}
		return errors.NewProcessError("failed to signal process", err).
			WithContext("pid", h.pid).
			WithContext("signal", kind.String())
	}

	h.logger.Debugf("Sent %s signal to PID %d", kind, h.pid)
	return nil
}

// StreamsDone is closed when both output copy loops have finished
func (h *Handle) StreamsDone() <-chan struct{} {
	return h.collector.Done()
}

func (h *Handle) StreamStatus() logcollection.CollectorStatus {
	return h.collector.Status()
}

func discardIfNil(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
