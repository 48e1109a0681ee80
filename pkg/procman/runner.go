package procman

import (
	"context"
	"runtime"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/eventlog"
	"github.com/core-tools/hsu-supervisor/pkg/eventlog/sqlitestore"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
	"github.com/core-tools/hsu-supervisor/pkg/watch"
)

// Run supervises every app of configFile in the foreground until ctx is done
// or SIGINT/SIGTERM arrives, then stops all processes within the shutdown timeout.
func Run(ctx context.Context, configFile string, logger logging.Logger) error {
	logger.Infof("Supervisor runner starting...")
	logger.Infof("Platform: OS=%s, Arch=%s, CPUs=%d, Go=%s",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version())
	logger.Infof("Using CONFIGURATION FILE: %s", configFile)

	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	instances, err := BuildInstances(config)
	if err != nil {
		return errors.NewValidationError("failed to build apps from configuration", err).WithContext("config_file", configFile)
	}
	logger.Infof("Configuration loaded successfully, apps: %d, instances: %d", len(config.Apps), len(instances))

	var sinks []eventlog.Sink
	if path := config.EventStorePath(); path != "" {
		store, err := sqlitestore.Open(sqlitestore.Config{Path: path})
		if err != nil {
			return errors.NewIOError("failed to open event store", err)
		}
		defer store.Close()
		sinks = append(sinks, store)
		logger.Infof("Lifecycle events persisted to %s", store.Path())
	}

	registry, err := buildRegistry(instances, sinks, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	// First-start failures are logged by the registry; the other apps keep running
	_ = registry.StartAll(ctx)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	stopWatchers := startWatchers(watchCtx, instances, registry, logger)

	logger.Infof("Supervisor is fully operational")
	WaitSignals(ctx, logger)

	cancelWatch()
	stopWatchers()

	logger.Infof("Stopping all processes, timeout: %v", config.Supervisor.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Supervisor.ShutdownTimeout)
	defer cancel()

	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Errorf("Shutdown completed with errors: %v", err)
	}

	for _, s := range registry.List() {
		info := s.StateInfo()
		logger.Debugf("Final status, process: %s, status: %s, transitions: %d", s.Name(), info.CurrentState, info.TransitionCount)
	}

	logger.Infof("Supervisor runner stopped")
	return nil
}

func buildRegistry(instances []AppInstance, sinks []eventlog.Sink, logger logging.Logger) (*Registry, error) {
	registry := NewRegistry(logger)
	for _, instance := range instances {
		options := instance.Options
		options.EventSinks = sinks

		s, err := supervisor.New(instance.Name, instance.Spec, options, logging.WithPrefix(logger, "["+instance.Name+"] "))
		if err != nil {
			registry.Close()
			return nil, errors.NewValidationError("failed to create supervisor", err).WithContext("process", instance.Name)
		}
		if err := registry.Add(s); err != nil {
			s.Close()
			registry.Close()
			return nil, err
		}
	}
	return registry, nil
}

// startWatchers runs a file watcher for every instance with watch enabled and
// returns a function that closes them and waits for their loops to exit
func startWatchers(ctx context.Context, instances []AppInstance, registry *Registry, logger logging.Logger) func() {
	var watchers []*watch.Watcher
	done := make(chan struct{})
	running := 0

	for _, instance := range instances {
		if instance.Watch == nil {
			continue
		}
		s, ok := registry.Get(instance.Name)
		if !ok {
			continue
		}

		w, err := watch.New(*instance.Watch, s, logger)
		if err != nil {
			logger.Errorf("Failed to watch files, process: %s, error: %v", instance.Name, err)
			continue
		}
		watchers = append(watchers, w)
		running++

		go func() {
			w.Run(ctx)
			done <- struct{}{}
		}()
		logger.Infof("Watching %s for changes, process: %s", instance.Watch.Root, instance.Name)
	}

	return func() {
		for _, w := range watchers {
			w.Close()
		}
		for i := 0; i < running; i++ {
			<-done
		}
	}
}

// ValidateConfigFile loads, validates and expands a configuration file without running it
func ValidateConfigFile(configFile string) (*Config, error) {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	if _, err := BuildInstances(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return config, nil
}
