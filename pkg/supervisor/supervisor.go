package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/eventlog"
	"github.com/core-tools/hsu-supervisor/pkg/logcollection"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processstatemachine"
	"github.com/core-tools/hsu-supervisor/pkg/resourcelimits"
	"github.com/core-tools/hsu-supervisor/pkg/restartpolicy"

	"github.com/google/uuid"
)

// Supervisor keeps one process specification alive: it spawns the process,
// watches for exit and memory breaches, and restarts it under the restart policy.
//
// All RunState transitions happen under mu. At most one Handle is live at a
// time and a new process is never spawned before the previous Handle is done.
type Supervisor struct {
	name    string
	spec    process.ProcessSpec
	options Options
	logger  logging.Logger

	policy       *restartpolicy.Policy
	events       *eventlog.EventLog
	stateMachine *processstatemachine.RunStateMachine

	stdout   io.Writer
	stderr   io.Writer
	logFiles []*logcollection.LogFile

	mu            sync.Mutex
	handle        *process.Handle
	unreaped      *process.Handle
	stopRequested bool
	loopCancel    context.CancelFunc
	loopDone      chan struct{}
	lastErr       error
	closed        bool

	usageMu   sync.Mutex
	lastUsage *resourcelimits.ResourceSample
}

func New(name string, spec process.ProcessSpec, options Options, logger logging.Logger) (*Supervisor, error) {
	if name == "" {
		return nil, errors.NewValidationError("supervisor name is required", nil)
	}
	options = options.withDefaults()

	policy, err := restartpolicy.New(options.Restart)
	if err != nil {
		return nil, errors.NewValidationError("invalid restart policy", err).WithContext("process", name)
	}

	s := &Supervisor{
		name:         name,
		spec:         spec,
		options:      options,
		logger:       logger,
		policy:       policy,
		events:       eventlog.New(eventlog.NewSession(), logger, options.EventSinks...),
		stateMachine: processstatemachine.NewRunStateMachine(name, logger),
	}

	if err := s.openOutputs(); err != nil {
		return nil, err
	}

	return s, nil
}

// openOutputs opens the redirect files once so they outlive individual runs
func (s *Supervisor) openOutputs() error {
	s.stdout, s.stderr = s.options.Stdout, s.options.Stderr

	opened := make(map[string]*logcollection.LogFile)
	open := func(path string) (io.Writer, error) {
		if f, ok := opened[path]; ok {
			return f, nil
		}
		f, err := logcollection.OpenLogFile(path)
		if err != nil {
			return nil, err
		}
		opened[path] = f
		s.logFiles = append(s.logFiles, f)
		return f, nil
	}

	var err error
	if s.stdout == nil && s.spec.OutFile() != "" {
		if s.stdout, err = open(s.spec.OutFile()); err != nil {
			s.closeLogFiles()
			return err
		}
	}
	if s.stderr == nil && s.spec.ErrorFile() != "" {
		if s.stderr, err = open(s.spec.ErrorFile()); err != nil {
			s.closeLogFiles()
			return err
		}
	}

	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.stderr == nil {
		s.stderr = os.Stderr
	}
	return nil
}

func (s *Supervisor) Name() string {
	return s.name
}

func (s *Supervisor) Session() uuid.UUID {
	return s.events.Session()
}

func (s *Supervisor) Status() processstatemachine.RunState {
	return s.stateMachine.GetCurrentState()
}

// Pid returns the pid of the live process, or 0 when none is running
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.Pid()
}

func (s *Supervisor) Events() []eventlog.Event {
	return s.events.History()
}

func (s *Supervisor) Transitions() []processstatemachine.RunStateTransition {
	return s.stateMachine.GetTransitionHistory()
}

func (s *Supervisor) StateInfo() processstatemachine.RunStateInfo {
	return s.stateMachine.GetStateInfo()
}

// LastError returns the give-up error after the restart policy has ended supervision
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Usage returns the most recent resource sample of the live process
func (s *Supervisor) Usage() (resourcelimits.ResourceSample, bool) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	if s.lastUsage == nil {
		return resourcelimits.ResourceSample{}, false
	}
	return *s.lastUsage, true
}

// Start spawns the process synchronously. It is a no-op while the supervisor
// is already active and fails while a stop is in progress. A spawn failure is
// returned to the caller and the supervisor stays stopped.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkStartableLocked(); err != nil || s.isActiveLocked() {
		s.mu.Unlock()
		return err
	}
	previousLoop := s.loopDone
	unreaped := s.unreaped
	s.mu.Unlock()

	// The loop of a previous run may still be returning after a terminal transition
	if previousLoop != nil {
		select {
		case <-previousLoop:
		case <-ctx.Done():
			return errors.NewCancelledError("start cancelled", ctx.Err()).WithContext("process", s.name)
		}
	}

	// A process that outlived the forceful signal must be reaped before a new one is spawned
	if unreaped != nil {
		select {
		case <-unreaped.Done():
		case <-ctx.Done():
			return errors.NewCancelledError("previous process has not exited", ctx.Err()).
				WithContext("process", s.name).
				WithContext("pid", unreaped.Pid())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStartableLocked(); err != nil || s.isActiveLocked() {
		return err
	}
	if s.unreaped != nil && s.unreaped.Exited() {
		s.unreaped = nil
	}

	s.policy.Reset()
	s.lastErr = nil
	s.stopRequested = false

	if err := s.stateMachine.Transition(processstatemachine.RunStateStarting, "start", nil); err != nil {
		return err
	}

	h, err := s.spawnLocked()
	if err != nil {
		s.events.Record(eventlog.Event{Kind: eventlog.KindSpawnFailed, Process: s.name, Reason: err.Error()})
		if terr := s.stateMachine.Transition(processstatemachine.RunStateStopped, "start", err); terr != nil {
			s.logger.Errorf("Failed to record spawn failure, process: %s, error: %v", s.name, terr)
		}
		return err
	}

	if err := s.stateMachine.Transition(processstatemachine.RunStateRunning, "start", nil); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	go s.supervise(loopCtx, h, s.loopDone)

	return nil
}

func (s *Supervisor) checkStartableLocked() error {
	if s.closed {
		return errors.NewValidationError("supervisor is closed", nil).WithContext("process", s.name)
	}
	if s.isActiveLocked() {
		return nil
	}
	return s.stateMachine.ValidateOperation("start")
}

func (s *Supervisor) isActiveLocked() bool {
	switch s.stateMachine.GetCurrentState() {
	case processstatemachine.RunStateStarting, processstatemachine.RunStateRunning, processstatemachine.RunStateRestarting:
		return true
	}
	return false
}

// Stop terminates the process and suppresses any restart. The graceful signal
// escalates to the forceful one after GracePeriod or when ctx ends.
// Stopping a stopped or permanently failed supervisor does nothing.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stateMachine.IsOperationAllowed("stop") {
		s.mu.Unlock()
		return nil
	}

	s.stopRequested = true
	if s.loopCancel != nil {
		s.loopCancel()
	}
	if err := s.stateMachine.Transition(processstatemachine.RunStateStopping, "stop", nil); err != nil {
		s.mu.Unlock()
		return err
	}
	h := s.handle
	loopDone := s.loopDone
	s.mu.Unlock()

	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
		}
	}

	var stopErr error
	if h != nil {
		stopErr = s.terminate(ctx, h)
		if h.Exited() {
			s.drainStreams(ctx, h)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h != nil && h.Exited() {
		s.recordExit(h, h.Wait())
	} else if h != nil && errors.IsTimeoutError(stopErr) {
		s.logger.Errorf("Process %s PID %d survived the forceful signal, next start waits for it", s.name, h.Pid())
		s.unreaped = h
	}
	s.handle = nil

	if err := s.stateMachine.Transition(processstatemachine.RunStateStopped, "stop", stopErr); err != nil {
		return err
	}
	return stopErr
}

// Restart stops the process if it is active and starts it again
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.stateMachine.ValidateOperation("restart"); err != nil {
		return err
	}
	if err := s.Stop(ctx); err != nil {
		s.logger.Warnf("Stop before restart reported an error, process: %s, error: %v", s.name, err)
	}
	return s.Start(ctx)
}

// Close stops the process and releases the redirect files
func (s *Supervisor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.options.GracePeriod+forceKillTimeout)
	defer cancel()

	collection := errors.NewErrorCollection()
	collection.Add(s.Stop(ctx))

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	collection.Add(s.closeLogFiles())
	return collection.ToError()
}

func (s *Supervisor) closeLogFiles() error {
	collection := errors.NewErrorCollection()
	for _, f := range s.logFiles {
		collection.Add(f.Close())
	}
	s.logFiles = nil
	return collection.ToError()
}

func (s *Supervisor) spawnLocked() (*process.Handle, error) {
	h, err := process.Start(s.spec, process.Outputs{Stdout: s.stdout, Stderr: s.stderr}, s.logger)
	if err != nil {
		s.logger.Errorf("Failed to spawn process, process: %s, error: %v", s.name, err)
		return nil, err
	}

	s.handle = h
	s.events.Record(eventlog.Event{Kind: eventlog.KindStarted, Process: s.name, PID: h.Pid()})
	return h, nil
}

func (s *Supervisor) recordExit(h *process.Handle, status process.ExitStatus) {
	s.events.Record(eventlog.Event{
		Kind:     eventlog.KindExited,
		Process:  s.name,
		PID:      h.Pid(),
		ExitCode: status.Code,
		Signal:   status.Signal,
		Reason:   status.String(),
	})
}

// supervise runs until the supervisor reaches a terminal state or Stop cancels ctx
func (s *Supervisor) supervise(ctx context.Context, h *process.Handle, done chan struct{}) {
	defer close(done)

	for h != nil {
		trigger, ok := s.watch(ctx, h)
		if !ok {
			return
		}
		h = s.handleExit(ctx, h, trigger)
	}
}

// watch blocks until the process exits or is killed for exceeding its memory limit
func (s *Supervisor) watch(ctx context.Context, h *process.Handle) (restartpolicy.Trigger, bool) {
	breach := make(chan resourcelimits.MemoryLimitExceeded, 1)

	var monitor *resourcelimits.ResourceMonitor
	if s.options.monitoringEnabled() {
		monitor = resourcelimits.NewResourceMonitor(h.Pid(), s.options.Monitor, s.options.Sampler, s.logger)
		monitor.SetViolationCallback(func(v resourcelimits.MemoryLimitExceeded) {
			select {
			case breach <- v:
			default:
			}
		})
		monitor.SetSampleCallback(s.storeUsage)
		if err := monitor.Start(ctx); err != nil {
			s.logger.Warnf("Failed to start resource monitor, process: %s, error: %v", s.name, err)
		} else {
			defer monitor.Stop()
		}
	}

	select {
	case <-h.Done():
		return restartpolicy.TriggerExit, true

	case violation := <-breach:
		monitor.Stop()
		s.events.Record(eventlog.Event{
			Kind:    eventlog.KindKilledByMemoryLimit,
			Process: s.name,
			PID:     h.Pid(),
			Reason:  violation.Message,
		})
		s.logger.Errorf("Memory limit exceeded, terminating process: %s, PID: %d, %s", s.name, h.Pid(), violation.Message)

		// Not bound to ctx: a concurrent Stop waits for this termination to finish
		if err := s.terminate(context.Background(), h); err != nil {
			s.logger.Errorf("Failed to terminate process after memory limit breach, process: %s, error: %v", s.name, err)
		}
		select {
		case <-h.Done():
			return restartpolicy.TriggerMemoryLimit, true
		case <-ctx.Done():
			return restartpolicy.TriggerMemoryLimit, false
		}

	case <-ctx.Done():
		return restartpolicy.TriggerOperatorStop, false
	}
}

// handleExit records the exit and consults the restart policy. It returns the
// next live handle, or nil when supervision ends.
func (s *Supervisor) handleExit(ctx context.Context, h *process.Handle, trigger restartpolicy.Trigger) *process.Handle {
	status := h.Wait()
	s.drainStreams(ctx, h)

	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return nil
	}

	s.handle = nil
	s.recordExit(h, status)

	if !s.options.AutoRestart {
		s.transitionLocked(processstatemachine.RunStateStopped, "exit", nil)
		s.mu.Unlock()
		return nil
	}

	decision := s.policy.Decide(restartpolicy.Event{
		Trigger:    trigger,
		ExitStatus: status,
		Uptime:     h.Uptime(),
		At:         time.Now(),
	})

	for {
		if !s.applyDecisionLocked(decision) {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		timer := time.NewTimer(decision.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}

		s.mu.Lock()
		if s.stopRequested {
			s.mu.Unlock()
			return nil
		}

		s.transitionLocked(processstatemachine.RunStateStarting, "restart", nil)
		next, err := s.spawnLocked()
		if err == nil {
			s.transitionLocked(processstatemachine.RunStateRunning, "restart", nil)
			s.mu.Unlock()
			return next
		}

		s.events.Record(eventlog.Event{Kind: eventlog.KindSpawnFailed, Process: s.name, Reason: err.Error()})
		decision = s.policy.Decide(restartpolicy.Event{Trigger: restartpolicy.TriggerSpawnFailure, At: time.Now()})
	}
}

// applyDecisionLocked moves to restarting or failed_permanently and reports whether a restart follows
func (s *Supervisor) applyDecisionLocked(decision restartpolicy.Decision) bool {
	switch decision.Action {
	case restartpolicy.ActionRestart:
		s.transitionLocked(processstatemachine.RunStateRestarting, "exit", nil)
		s.events.Record(eventlog.Event{
			Kind:    eventlog.KindRestartScheduled,
			Process: s.name,
			Delay:   decision.Delay,
			Reason:  decision.Reason,
		})
		return true

	case restartpolicy.ActionGiveUp:
		s.lastErr = errors.NewPolicyGiveUpError("restart policy gave up", nil).
			WithContext("process", s.name).
			WithContext("failures", decision.Failures).
			WithContext("reason", decision.Reason)
		s.transitionLocked(processstatemachine.RunStateFailedPermanently, "exit", s.lastErr)
		s.events.Record(eventlog.Event{Kind: eventlog.KindGaveUp, Process: s.name, Reason: decision.Reason})
		return false

	default:
		s.transitionLocked(processstatemachine.RunStateStopped, "exit", nil)
		return false
	}
}

func (s *Supervisor) transitionLocked(to processstatemachine.RunState, operation string, cause error) {
	if err := s.stateMachine.Transition(to, operation, cause); err != nil {
		s.logger.Errorf("Unexpected state transition, process: %s, error: %v", s.name, err)
	}
}

// terminate sends the graceful signal, waits up to GracePeriod (or until ctx
// ends), then sends the forceful signal and waits for the process to be reaped.
func (s *Supervisor) terminate(ctx context.Context, h *process.Handle) error {
	pid := h.Pid()
	s.logger.Infof("Terminating process %s, PID: %d, grace period: %v", s.name, pid, s.options.GracePeriod)

	if err := h.Signal(process.SignalGraceful); err != nil {
		if errors.IsNoSuchProcessError(err) {
			return nil
		}
		s.logger.Warnf("Failed to send graceful signal to PID %d: %v", pid, err)
	}

	grace := time.NewTimer(s.options.GracePeriod)
	defer grace.Stop()

	select {
	case <-h.Done():
		s.logger.Infof("Process %s PID %d terminated gracefully", s.name, pid)
		return nil
	case <-grace.C:
		s.logger.Warnf("Process %s PID %d did not terminate within %v, forcing termination", s.name, pid, s.options.GracePeriod)
	case <-ctx.Done():
		s.logger.Warnf("Context ended during graceful termination of PID %d, forcing termination", pid)
	}

	if err := h.Signal(process.SignalForceful); err != nil && !errors.IsNoSuchProcessError(err) {
		return errors.NewProcessError("failed to kill process", err).WithContext("pid", pid)
	}

	select {
	case <-h.Done():
		s.logger.Infof("Process %s PID %d force terminated", s.name, pid)
		return nil
	case <-time.After(forceKillTimeout):
		return errors.NewTimeoutError("process did not terminate after forceful signal", nil).WithContext("pid", pid)
	}
}

// drainStreams waits for the output copy loops of a reaped process so its last
// lines reach the redirect targets before the exit is recorded
func (s *Supervisor) drainStreams(ctx context.Context, h *process.Handle) {
	timer := time.NewTimer(forceKillTimeout)
	defer timer.Stop()

	select {
	case <-h.StreamsDone():
	case <-timer.C:
		s.logger.Warnf("Output of process %s PID %d still open after exit, a descendant may hold it", s.name, h.Pid())
	case <-ctx.Done():
		s.logger.Warnf("Context ended while draining output of process %s PID %d", s.name, h.Pid())
	}

	if status := h.StreamStatus(); len(status.Errors) > 0 {
		s.logger.Warnf("Output forwarding errors, process: %s, PID: %d, errors: %v", s.name, h.Pid(), status.Errors)
	}
}

func (s *Supervisor) storeUsage(sample resourcelimits.ResourceSample) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	s.lastUsage = &sample
}

func (s *Supervisor) String() string {
	return fmt.Sprintf("%s (%s)", s.name, s.Status())
}
