package procman

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging/zaplogging"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/resourcelimits"
	"github.com/core-tools/hsu-supervisor/pkg/restartpolicy"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
	"github.com/core-tools/hsu-supervisor/pkg/watch"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultKillTimeout     = 5 * time.Second
	DefaultInstances       = 1

	// InstanceEnvVar carries the instance index into every process of a multi-instance app
	InstanceEnvVar = "INSTANCE_ID"
)

// Config is the top-level ecosystem file
type Config struct {
	Supervisor SupervisorOptions `yaml:"supervisor"`
	Apps       []AppConfig       `yaml:"apps"`

	// baseDir anchors relative paths; it is the directory of the config file
	baseDir string
}

type SupervisorOptions struct {
	LogLevel        string        `yaml:"log_level,omitempty"`
	EventStore      string        `yaml:"event_store,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// AppConfig describes one application; with Instances > 1 it expands into several supervisors
type AppConfig struct {
	Name        string   `yaml:"name"`
	Script      string   `yaml:"script"`
	Args        []string `yaml:"args,omitempty"`
	Cwd         string   `yaml:"cwd,omitempty"`
	Interpreter string   `yaml:"interpreter,omitempty"`
	Instances   int      `yaml:"instances,omitempty"`

	Enabled     *bool `yaml:"enabled,omitempty"`     // Pointer to distinguish unset from false
	AutoRestart *bool `yaml:"autorestart,omitempty"` // Pointer to distinguish unset from false

	Watch       bool     `yaml:"watch,omitempty"`
	IgnoreWatch []string `yaml:"ignore_watch,omitempty"`

	MaxMemoryRestart string        `yaml:"max_memory_restart,omitempty"`
	MonitorInterval  time.Duration `yaml:"monitor_interval,omitempty"`
	KillTimeout      time.Duration `yaml:"kill_timeout,omitempty"`

	Env       map[string]string `yaml:"env,omitempty"`
	ErrorFile string            `yaml:"error_file,omitempty"`
	OutFile   string            `yaml:"out_file,omitempty"`
	Time      bool              `yaml:"time,omitempty"`

	Restart restartpolicy.Config `yaml:"restart,omitempty"`
}

// AppInstance is everything needed to build one Supervisor
type AppInstance struct {
	Name    string
	App     string
	Index   int
	Spec    process.ProcessSpec
	Options supervisor.Options
	Watch   *watch.Config
}

// LoadConfigFromFile loads and defaults a configuration file; relative paths resolve from its directory
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	absFilename, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to resolve configuration file path", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data, filepath.Dir(absFilename))
	if err != nil {
		return nil, errors.NewValidationError("failed to load configuration", err).WithContext("filename", filename)
	}
	return config, nil
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte, baseDir string) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}
	config.baseDir = baseDir

	if err := setConfigDefaults(&config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}

	return &config, nil
}

func setConfigDefaults(config *Config) error {
	if config.Supervisor.LogLevel == "" {
		config.Supervisor.LogLevel = DefaultLogLevel
	}
	if config.Supervisor.ShutdownTimeout == 0 {
		config.Supervisor.ShutdownTimeout = DefaultShutdownTimeout
	}

	for i := range config.Apps {
		app := &config.Apps[i]

		if app.Enabled == nil {
			enabled := true
			app.Enabled = &enabled
		}
		if app.AutoRestart == nil {
			autoRestart := true
			app.AutoRestart = &autoRestart
		}
		if app.Instances == 0 {
			app.Instances = DefaultInstances
		}
		if app.Cwd == "" {
			app.Cwd = "."
		}
		if app.KillTimeout == 0 {
			app.KillTimeout = DefaultKillTimeout
		}
		if app.MonitorInterval == 0 {
			app.MonitorInterval = resourcelimits.DefaultSampleInterval
		}
		app.Restart = app.Restart.WithDefaults()
	}

	return nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateSupervisorOptions(&config.Supervisor); err != nil {
		return errors.NewValidationError("invalid supervisor configuration", err)
	}

	if err := validateApps(config.Apps); err != nil {
		return errors.NewValidationError("invalid apps configuration", err)
	}

	return nil
}

func validateSupervisorOptions(options *SupervisorOptions) error {
	if _, err := zaplogging.ParseLevel(options.LogLevel); err != nil {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", options.LogLevel),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	if options.ShutdownTimeout < 0 {
		return errors.NewValidationError("shutdown timeout cannot be negative", nil).
			WithContext("shutdown_timeout", options.ShutdownTimeout)
	}

	return nil
}

func validateApps(apps []AppConfig) error {
	seenNames := make(map[string]int)
	for i, app := range apps {
		if strings.TrimSpace(app.Name) == "" {
			return errors.NewValidationError(fmt.Sprintf("app name is required at index %d", i), nil)
		}

		if prevIndex, exists := seenNames[app.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate app name '%s' found at indices %d and %d", app.Name, prevIndex, i),
				nil,
			)
		}
		seenNames[app.Name] = i

		if err := validateApp(app); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid app at index %d", i),
				err,
			).WithContext("app", app.Name)
		}
	}

	return nil
}

func validateApp(app AppConfig) error {
	if app.Script == "" {
		return errors.NewValidationError("script is required", nil)
	}
	if app.Instances < 1 {
		return errors.NewValidationError("instances must be at least 1", nil).WithContext("instances", app.Instances)
	}
	if app.KillTimeout <= 0 {
		return errors.NewValidationError("kill timeout must be positive", nil).WithContext("kill_timeout", app.KillTimeout)
	}
	if app.MonitorInterval <= 0 {
		return errors.NewValidationError("monitor interval must be positive", nil).WithContext("monitor_interval", app.MonitorInterval)
	}
	if _, err := resourcelimits.ParseMemoryLimit(app.MaxMemoryRestart); err != nil {
		return err
	}
	if err := app.Restart.Validate(); err != nil {
		return errors.NewValidationError("invalid restart configuration", err)
	}
	return nil
}

// BuildInstances expands enabled apps into per-instance process specifications and options
func BuildInstances(config *Config) ([]AppInstance, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	var instances []AppInstance
	seenNames := make(map[string]string)

	for _, app := range config.Apps {
		if app.Enabled != nil && !*app.Enabled {
			continue
		}

		for i := 0; i < app.Instances; i++ {
			instance, err := buildInstance(config.baseDir, app, i)
			if err != nil {
				return nil, errors.NewValidationError("failed to build app instance", err).
					WithContext("app", app.Name).
					WithContext("instance", i)
			}

			if owner, exists := seenNames[instance.Name]; exists {
				return nil, errors.NewValidationError(
					fmt.Sprintf("instance name '%s' of app '%s' collides with app '%s'", instance.Name, app.Name, owner),
					nil,
				)
			}
			seenNames[instance.Name] = app.Name

			instances = append(instances, instance)
		}
	}

	return instances, nil
}

func buildInstance(baseDir string, app AppConfig, index int) (AppInstance, error) {
	multi := app.Instances > 1

	name := app.Name
	if multi {
		name = fmt.Sprintf("%s-%d", app.Name, index)
	}

	cwd := resolvePath(baseDir, app.Cwd)

	executable, args := app.Script, append([]string(nil), app.Args...)
	if app.Interpreter != "" {
		executable = app.Interpreter
		args = append([]string{app.Script}, args...)
	} else if !strings.ContainsAny(executable, `/\`) {
		// A bare script name refers to a file in cwd when one exists, otherwise to PATH
		if _, err := os.Stat(filepath.Join(cwd, executable)); err == nil {
			executable = "." + string(filepath.Separator) + executable
		}
	}

	env := make(map[string]string, len(app.Env)+1)
	for k, v := range app.Env {
		env[k] = v
	}
	if multi {
		env[InstanceEnvVar] = fmt.Sprintf("%d", index)
	}

	outFile := resolvePath(baseDir, app.OutFile)
	errorFile := resolvePath(baseDir, app.ErrorFile)
	if multi {
		outFile = instanceFileName(outFile, index)
		errorFile = instanceFileName(errorFile, index)
	}

	spec, err := process.NewProcessSpec(process.ExecutionConfig{
		ExecutablePath:   executable,
		Args:             args,
		Environment:      env,
		WorkingDirectory: cwd,
		OutFile:          outFile,
		ErrorFile:        errorFile,
		TimestampPrefix:  app.Time,
	})
	if err != nil {
		return AppInstance{}, err
	}

	memoryLimit, err := resourcelimits.ParseMemoryLimit(app.MaxMemoryRestart)
	if err != nil {
		return AppInstance{}, err
	}

	autoRestart := app.AutoRestart == nil || *app.AutoRestart

	instance := AppInstance{
		Name:  name,
		App:   app.Name,
		Index: index,
		Spec:  spec,
		Options: supervisor.Options{
			AutoRestart: autoRestart,
			GracePeriod: app.KillTimeout,
			Monitor: resourcelimits.MonitorConfig{
				Interval:    app.MonitorInterval,
				MemoryLimit: memoryLimit,
			},
			Restart: app.Restart,
		},
	}

	if app.Watch {
		instance.Watch = &watch.Config{
			Root:   cwd,
			Ignore: append([]string(nil), app.IgnoreWatch...),
		}
	}

	return instance, nil
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

// instanceFileName inserts the instance index before the extension: out.log -> out-1.log
func instanceFileName(path string, index int) string {
	if path == "" {
		return ""
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(path, ext), index, ext)
}

// EventStorePath returns the resolved event store path, or "" when persistence is disabled
func (c *Config) EventStorePath() string {
	return resolvePath(c.baseDir, c.Supervisor.EventStore)
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	LogLevel       string       `json:"log_level"`
	EventStore     string       `json:"event_store,omitempty"`
	TotalApps      int          `json:"total_apps"`
	EnabledApps    int          `json:"enabled_apps"`
	TotalInstances int          `json:"total_instances"`
	Apps           []AppSummary `json:"apps"`
	Error          string       `json:"error,omitempty"`
}

type AppSummary struct {
	Name             string `json:"name"`
	Script           string `json:"script"`
	Interpreter      string `json:"interpreter,omitempty"`
	Enabled          bool   `json:"enabled"`
	Instances        int    `json:"instances"`
	MaxMemoryRestart string `json:"max_memory_restart,omitempty"`
	Watch            bool   `json:"watch"`
}

// GetConfigSummary returns a human-readable summary of the configuration
func GetConfigSummary(config *Config) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	summary := ConfigSummary{
		LogLevel:   config.Supervisor.LogLevel,
		EventStore: config.EventStorePath(),
		Apps:       make([]AppSummary, 0, len(config.Apps)),
	}

	for _, app := range config.Apps {
		enabled := app.Enabled == nil || *app.Enabled
		summary.Apps = append(summary.Apps, AppSummary{
			Name:             app.Name,
			Script:           app.Script,
			Interpreter:      app.Interpreter,
			Enabled:          enabled,
			Instances:        app.Instances,
			MaxMemoryRestart: app.MaxMemoryRestart,
			Watch:            app.Watch,
		})
		if enabled {
			summary.EnabledApps++
			summary.TotalInstances += app.Instances
		}
	}
	summary.TotalApps = len(summary.Apps)

	return summary
}
