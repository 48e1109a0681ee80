package process

import (
	"os"
	"sort"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// ExecutionConfig is the mutable, configuration-facing description of a process
type ExecutionConfig struct {
	ExecutablePath   string            `yaml:"executable_path"`
	Args             []string          `yaml:"args,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty"`
	OutFile          string            `yaml:"out_file,omitempty"`
	ErrorFile        string            `yaml:"error_file,omitempty"`
	TimestampPrefix  bool              `yaml:"time,omitempty"`
}

// ProcessSpec is the immutable launch description used by Start.
// All accessors return copies.
type ProcessSpec struct {
	executablePath   string
	args             []string
	environment      map[string]string
	workingDirectory string
	outFile          string
	errorFile        string
	timestampPrefix  bool
}

// NewProcessSpec copies config into an immutable spec
func NewProcessSpec(config ExecutionConfig) (ProcessSpec, error) {
	if strings.TrimSpace(config.ExecutablePath) == "" {
		return ProcessSpec{}, errors.NewValidationError("executable path is required", nil)
	}

	env := make(map[string]string, len(config.Environment))
	for k, v := range config.Environment {
		if k == "" || strings.Contains(k, "=") {
			return ProcessSpec{}, errors.NewValidationError("invalid environment variable name", nil).WithContext("name", k)
		}
		env[k] = v
	}

	return ProcessSpec{
		executablePath:   config.ExecutablePath,
		args:             append([]string(nil), config.Args...),
		environment:      env,
		workingDirectory: config.WorkingDirectory,
		outFile:          config.OutFile,
		errorFile:        config.ErrorFile,
		timestampPrefix:  config.TimestampPrefix,
	}, nil
}

func (s ProcessSpec) ExecutablePath() string   { return s.executablePath }
func (s ProcessSpec) WorkingDirectory() string { return s.workingDirectory }
func (s ProcessSpec) OutFile() string          { return s.outFile }
func (s ProcessSpec) ErrorFile() string        { return s.errorFile }
func (s ProcessSpec) TimestampPrefix() bool    { return s.timestampPrefix }

func (s ProcessSpec) Args() []string {
	return append([]string(nil), s.args...)
}

func (s ProcessSpec) Environment() map[string]string {
	env := make(map[string]string, len(s.environment))
	for k, v := range s.environment {
		env[k] = v
	}
	return env
}

// Environ returns the inherited environment with the overlay applied on top
func (s ProcessSpec) Environ() []string {
	return mergeEnvironment(os.Environ(), s.environment)
}

func mergeEnvironment(inherited []string, overlay map[string]string) []string {
	result := make([]string, 0, len(inherited)+len(overlay))
	for _, kv := range inherited {
		// Entries like "=C:=C:\" on windows have no name and are kept as is
		if i := strings.IndexByte(kv, '='); i > 0 {
			if _, overridden := overlay[kv[:i]]; overridden {
				continue
			}
		}
		result = append(result, kv)
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		result = append(result, k+"="+overlay[k])
	}
	return result
}
