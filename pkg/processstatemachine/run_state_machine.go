package processstatemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// RunState is the lifecycle state of one supervised process
type RunState string

const (
	// RunStateStopped means no process is running and none will be started automatically
	RunStateStopped RunState = "stopped"

	// RunStateStarting means a spawn is in progress
	RunStateStarting RunState = "starting"

	// RunStateRunning means the process is alive and supervised
	RunStateRunning RunState = "running"

	// RunStateStopping means an operator stop is terminating the process
	RunStateStopping RunState = "stopping"

	// RunStateRestarting means the process exited and a respawn is scheduled
	RunStateRestarting RunState = "restarting"

	// RunStateFailedPermanently means the restart policy gave up; only an explicit start leaves it
	RunStateFailedPermanently RunState = "failed_permanently"
)

// IsTerminal reports whether no automatic action follows this state
func (s RunState) IsTerminal() bool {
	return s == RunStateStopped || s == RunStateFailedPermanently
}

type RunStateTransition struct {
	From      RunState
	To        RunState
	Operation string
	Timestamp time.Time
	Error     error
}

// RunStateMachine validates and records RunState transitions
type RunStateMachine struct {
	processID        string
	currentState     RunState
	transitions      []RunStateTransition
	validTransitions map[RunState][]RunState
	mutex            sync.RWMutex
	logger           logging.Logger
}

func NewRunStateMachine(processID string, logger logging.Logger) *RunStateMachine {
	sm := &RunStateMachine{
		processID:    processID,
		currentState: RunStateStopped,
		transitions:  make([]RunStateTransition, 0),
		logger:       logger,
	}

	sm.validTransitions = map[RunState][]RunState{
		RunStateStopped: {
			RunStateStarting, // Start
		},
		RunStateStarting: {
			RunStateRunning,           // spawn success
			RunStateStopped,           // first spawn failed
			RunStateRestarting,        // respawn failed, retrying
			RunStateFailedPermanently, // respawn failed, policy gave up
		},
		RunStateRunning: {
			RunStateStopping,          // Stop
			RunStateRestarting,        // exit or memory kill, restart scheduled
			RunStateFailedPermanently, // exit, policy gave up
			RunStateStopped,           // exit with autorestart disabled
		},
		RunStateStopping: {
			RunStateStopped,
		},
		RunStateRestarting: {
			RunStateStarting,          // backoff elapsed
			RunStateStopping,          // Stop during backoff
			RunStateFailedPermanently, // policy gave up
		},
		RunStateFailedPermanently: {
			RunStateStarting, // explicit Start
		},
	}

	return sm
}

func (sm *RunStateMachine) GetCurrentState() RunState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

func (sm *RunStateMachine) CanTransition(to RunState) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.canTransitionUnsafe(to)
}

// Transition moves to the given state or returns a validation error leaving the state unchanged
func (sm *RunStateMachine) Transition(to RunState, operation string, err error) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if !sm.canTransitionUnsafe(to) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid state transition from '%s' to '%s'", sm.currentState, to),
			nil,
		).WithContext("process_id", sm.processID).
			WithContext("from_state", string(sm.currentState)).
			WithContext("to_state", string(to)).
			WithContext("operation", operation)
	}

	from := sm.currentState
	sm.transitions = append(sm.transitions, RunStateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: time.Now(),
		Error:     err,
	})
	sm.currentState = to

	if err != nil {
		sm.logger.Warnf("Process state transition, process: %s, %s->%s, operation: %s, error: %v",
			sm.processID, from, to, operation, err)
	} else {
		sm.logger.Infof("Process state transition, process: %s, %s->%s, operation: %s",
			sm.processID, from, to, operation)
	}

	return nil
}

func (sm *RunStateMachine) canTransitionUnsafe(to RunState) bool {
	for _, validState := range sm.validTransitions[sm.currentState] {
		if validState == to {
			return true
		}
	}
	return false
}

// GetTransitionHistory returns a copy of all recorded transitions
func (sm *RunStateMachine) GetTransitionHistory() []RunStateTransition {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	history := make([]RunStateTransition, len(sm.transitions))
	copy(history, sm.transitions)
	return history
}

type RunStateInfo struct {
	ProcessID       string
	CurrentState    RunState
	LastTransition  *RunStateTransition
	TransitionCount int
	ValidNextStates []RunState
}

func (sm *RunStateMachine) GetStateInfo() RunStateInfo {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	var lastTransition *RunStateTransition
	if len(sm.transitions) > 0 {
		last := sm.transitions[len(sm.transitions)-1]
		lastTransition = &last
	}

	validStates := sm.validTransitions[sm.currentState]
	nextStates := make([]RunState, len(validStates))
	copy(nextStates, validStates)

	return RunStateInfo{
		ProcessID:       sm.processID,
		CurrentState:    sm.currentState,
		LastTransition:  lastTransition,
		TransitionCount: len(sm.transitions),
		ValidNextStates: nextStates,
	}
}

// IsOperationAllowed reports whether an operator command has an effect in the current state
func (sm *RunStateMachine) IsOperationAllowed(operation string) bool {
	currentState := sm.GetCurrentState()

	switch operation {
	case "start":
		return sm.CanTransition(RunStateStarting)
	case "stop":
		return currentState == RunStateRunning || currentState == RunStateRestarting
	case "restart":
		return currentState != RunStateStopping
	default:
		return false
	}
}

func (sm *RunStateMachine) ValidateOperation(operation string) error {
	if sm.IsOperationAllowed(operation) {
		return nil
	}

	currentState := sm.GetCurrentState()
	return errors.NewValidationError(
		fmt.Sprintf("operation '%s' not allowed in current state '%s'", operation, currentState),
		nil,
	).WithContext("process_id", sm.processID).WithContext("current_state", string(currentState)).WithContext("operation", operation)
}
