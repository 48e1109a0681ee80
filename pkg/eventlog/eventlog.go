package eventlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/google/uuid"
)

// Kind identifies a lifecycle event
type Kind string

const (
	KindStarted             Kind = "started"
	KindExited              Kind = "exited"
	KindKilledByMemoryLimit Kind = "killed_by_memory_limit"
	KindRestartScheduled    Kind = "restart_scheduled"
	KindGaveUp              Kind = "gave_up"
	KindSpawnFailed         Kind = "spawn_failed"
)

// Event is one entry of the append-only lifecycle record
type Event struct {
	Timestamp time.Time
	Kind      Kind
	Session   uuid.UUID
	Process   string
	PID       int
	ExitCode  int
	Signal    string
	Delay     time.Duration
	Reason    string
}

func (e Event) String() string {
	s := fmt.Sprintf("%s %s", e.Process, e.Kind)
	if e.PID != 0 {
		s += fmt.Sprintf(" pid=%d", e.PID)
	}
	if e.Kind == KindExited {
		if e.Signal != "" {
			s += fmt.Sprintf(" signal=%s", e.Signal)
		} else {
			s += fmt.Sprintf(" code=%d", e.ExitCode)
		}
	}
	if e.Delay > 0 {
		s += fmt.Sprintf(" delay=%v", e.Delay)
	}
	if e.Reason != "" {
		s += fmt.Sprintf(" reason=%q", e.Reason)
	}
	return s
}

// Sink persists events outside the process
type Sink interface {
	Append(event Event) error
	Close() error
}

// EventLog keeps the in-memory history and fans events out to sinks.
// Recording never fails: sink errors are only logged.
type EventLog struct {
	session uuid.UUID
	logger  logging.Logger
	sinks   []Sink

	mu      sync.Mutex
	history []Event
}

func New(session uuid.UUID, logger logging.Logger, sinks ...Sink) *EventLog {
	return &EventLog{
		session: session,
		logger:  logger,
		sinks:   sinks,
	}
}

// NewSession returns a fresh session identifier
func NewSession() uuid.UUID {
	return uuid.New()
}

func (l *EventLog) Session() uuid.UUID {
	return l.session
}

func (l *EventLog) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Session == uuid.Nil {
		event.Session = l.session
	}

	l.mu.Lock()
	l.history = append(l.history, event)
	sinks := l.sinks
	l.mu.Unlock()

	l.logger.Infof("Lifecycle event, %s", event)

	for _, sink := range sinks {
		if err := sink.Append(event); err != nil {
			l.logger.Warnf("Failed to append lifecycle event to sink, process: %s, kind: %s, error: %v",
				event.Process, event.Kind, err)
		}
	}
}

// History returns a copy of all recorded events in order
func (l *EventLog) History() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	history := make([]Event, len(l.history))
	copy(history, l.history)
	return history
}

// Count returns how many events of the given kind were recorded
func (l *EventLog) Count(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.history {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	sinks := l.sinks
	l.sinks = nil
	l.mu.Unlock()

	collection := errors.NewErrorCollection()
	for _, sink := range sinks {
		collection.Add(sink.Close())
	}
	return collection.ToError()
}
