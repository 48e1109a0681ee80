package procman

import (
	"context"
	"fmt"
	"sync"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processstatemachine"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

// Registry owns a set of independent supervisors addressed by name
type Registry struct {
	mu          sync.RWMutex
	order       []string
	supervisors map[string]*supervisor.Supervisor
	logger      logging.Logger
}

func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		supervisors: make(map[string]*supervisor.Supervisor),
		logger:      logger,
	}
}

func (r *Registry) Add(s *supervisor.Supervisor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.supervisors[s.Name()]; exists {
		return errors.NewValidationError(fmt.Sprintf("supervisor '%s' already registered", s.Name()), nil)
	}
	r.supervisors[s.Name()] = s
	r.order = append(r.order, s.Name())
	return nil
}

func (r *Registry) Get(name string) (*supervisor.Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.supervisors[name]
	return s, ok
}

// List returns supervisors in registration order
func (r *Registry) List() []*supervisor.Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*supervisor.Supervisor, 0, len(r.order))
	for _, name := range r.order {
		list = append(list, r.supervisors[name])
	}
	return list
}

func (r *Registry) Statuses() map[string]processstatemachine.RunState {
	statuses := make(map[string]processstatemachine.RunState)
	for _, s := range r.List() {
		statuses[s.Name()] = s.Status()
	}
	return statuses
}

// StartAll starts every supervisor in order. A failure is logged and the
// remaining supervisors are still started; all failures are returned together.
func (r *Registry) StartAll(ctx context.Context) error {
	collection := errors.NewErrorCollection()
	for _, s := range r.List() {
		if err := s.Start(ctx); err != nil {
			r.logger.Errorf("Failed to start process %s: %v", s.Name(), err)
			collection.Add(err)
			continue
		}
		r.logger.Infof("Started process: %s", s.Name())
	}
	return collection.ToError()
}

// StopAll stops every supervisor concurrently and waits for all of them
func (r *Registry) StopAll(ctx context.Context) error {
	list := r.List()

	var mu sync.Mutex
	collection := errors.NewErrorCollection()

	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				r.logger.Errorf("Failed to stop process %s: %v", s.Name(), err)
				mu.Lock()
				collection.Add(err)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	return collection.ToError()
}

// Close releases every supervisor; processes still running are stopped first
func (r *Registry) Close() error {
	collection := errors.NewErrorCollection()
	for _, s := range r.List() {
		collection.Add(s.Close())
	}
	return collection.ToError()
}
