package restartpolicy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/process"
)

const (
	DefaultMaxRetries    = 10
	DefaultRetryDelay    = 1 * time.Second
	DefaultBackoffRate   = 2.0
	DefaultMaxDelay      = 1 * time.Minute
	DefaultFailureWindow = 10 * time.Minute
	DefaultMinUptime     = 30 * time.Second
)

type Trigger int

const (
	TriggerExit Trigger = iota
	TriggerMemoryLimit
	TriggerSpawnFailure
	TriggerOperatorStop
)

func (t Trigger) String() string {
	switch t {
	case TriggerExit:
		return "exit"
	case TriggerMemoryLimit:
		return "memory_limit"
	case TriggerSpawnFailure:
		return "spawn_failure"
	case TriggerOperatorStop:
		return "operator_stop"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

type Action int

const (
	ActionNone Action = iota
	ActionRestart
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRestart:
		return "restart"
	case ActionGiveUp:
		return "give_up"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Config bounds automatic restarts of one managed process
type Config struct {
	// MaxRetries is the number of failures inside FailureWindow that ends supervision
	MaxRetries int `yaml:"max_retries"`

	RetryDelay  time.Duration `yaml:"retry_delay"`
	BackoffRate float64       `yaml:"backoff_rate"`
	MaxDelay    time.Duration `yaml:"max_delay"`

	FailureWindow time.Duration `yaml:"failure_window"`

	// MinUptime is how long a run must last before earlier failures are forgotten
	MinUptime time.Duration `yaml:"min_uptime"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		BackoffRate:   DefaultBackoffRate,
		MaxDelay:      DefaultMaxDelay,
		FailureWindow: DefaultFailureWindow,
		MinUptime:     DefaultMinUptime,
	}
}

// WithDefaults fills unset fields
func (c Config) WithDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.BackoffRate == 0 {
		c.BackoffRate = DefaultBackoffRate
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = DefaultFailureWindow
	}
	if c.MinUptime == 0 {
		c.MinUptime = DefaultMinUptime
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxRetries <= 0 {
		return errors.NewValidationError("max retries must be positive", nil).WithContext("max_retries", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return errors.NewValidationError("retry delay cannot be negative", nil).WithContext("retry_delay", c.RetryDelay)
	}
	if c.BackoffRate < 1 {
		return errors.NewValidationError("backoff rate must be at least 1", nil).WithContext("backoff_rate", c.BackoffRate)
	}
	if c.MaxDelay < c.RetryDelay {
		return errors.NewValidationError("max delay cannot be lower than retry delay", nil).
			WithContext("max_delay", c.MaxDelay).
			WithContext("retry_delay", c.RetryDelay)
	}
	if c.FailureWindow <= 0 {
		return errors.NewValidationError("failure window must be positive", nil).WithContext("failure_window", c.FailureWindow)
	}
	if c.MinUptime < 0 {
		return errors.NewValidationError("min uptime cannot be negative", nil).WithContext("min_uptime", c.MinUptime)
	}
	return nil
}

// Event describes why the managed process is no longer running
type Event struct {
	Trigger    Trigger
	ExitStatus process.ExitStatus
	Uptime     time.Duration
	At         time.Time
}

type Decision struct {
	Action   Action
	Delay    time.Duration
	Failures int
	Reason   string
}

// Policy counts failures in a rolling window and derives the next action.
// It is safe for concurrent use.
type Policy struct {
	config Config

	mu       sync.Mutex
	failures []time.Time
}

func New(config Config) (*Policy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Policy{config: config}, nil
}

func (p *Policy) Config() Config {
	return p.config
}

func (p *Policy) Decide(event Event) Decision {
	if event.Trigger == TriggerOperatorStop {
		return Decision{Action: ActionNone, Failures: p.Failures(), Reason: "stopped by operator"}
	}

	at := event.At
	if at.IsZero() {
		at = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if event.Uptime >= p.config.MinUptime && event.Trigger != TriggerSpawnFailure {
		p.failures = p.failures[:0]
	}

	p.prune(at)
	p.failures = append(p.failures, at)
	n := len(p.failures)

	reason := describe(event)
	if n >= p.config.MaxRetries {
		return Decision{
			Action:   ActionGiveUp,
			Failures: n,
			Reason:   fmt.Sprintf("%s; %d failures within %v", reason, n, p.config.FailureWindow),
		}
	}

	return Decision{
		Action:   ActionRestart,
		Delay:    p.delay(n),
		Failures: n,
		Reason:   reason,
	}
}

// Reset forgets all recorded failures
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = nil
}

func (p *Policy) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failures)
}

func (p *Policy) prune(now time.Time) {
	cutoff := now.Add(-p.config.FailureWindow)
	kept := p.failures[:0]
	for _, t := range p.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.failures = kept
}

// delay is RetryDelay * BackoffRate^(n-1), capped at MaxDelay
func (p *Policy) delay(n int) time.Duration {
	d := float64(p.config.RetryDelay) * math.Pow(p.config.BackoffRate, float64(n-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(d)
}

func describe(event Event) string {
	switch event.Trigger {
	case TriggerMemoryLimit:
		return "killed by memory limit"
	case TriggerSpawnFailure:
		return "spawn failed"
	default:
		return event.ExitStatus.String()
	}
}
