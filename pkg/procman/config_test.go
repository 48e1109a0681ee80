package procman

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ecosystemYAML = `
supervisor:
  log_level: debug
  event_store: ./state/events.db
  shutdown_timeout: 10s
apps:
  - name: aiQuizBot-be
    script: app.py
    args: ["--port", "8080"]
    cwd: ./backend
    interpreter: ./.venv/bin/python
    autorestart: true
    watch: true
    ignore_watch: [logs, .venv]
    max_memory_restart: 200M
    monitor_interval: 2s
    kill_timeout: 3s
    env:
      PYTHONUNBUFFERED: "1"
      ENV: production
    error_file: ./logs/python-err.log
    out_file: ./logs/python-out.log
    time: true
    restart:
      max_retries: 4
      retry_delay: 2s
      backoff_rate: 1.5
      max_delay: 30s
      failure_window: 5m
      min_uptime: 10s
  - name: worker
    script: /usr/bin/worker
    instances: 3
    autorestart: false
    out_file: logs/worker.log
  - name: disabled
    script: /bin/true
    enabled: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ecosystem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromFile_ParsesEcosystem(t *testing.T) {
	path := writeConfig(t, ecosystemYAML)

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(config))

	assert.Equal(t, "debug", config.Supervisor.LogLevel)
	assert.Equal(t, 10*time.Second, config.Supervisor.ShutdownTimeout)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "state", "events.db"), config.EventStorePath())

	require.Len(t, config.Apps, 3)
	app := config.Apps[0]
	assert.Equal(t, "aiQuizBot-be", app.Name)
	assert.Equal(t, []string{"--port", "8080"}, app.Args)
	assert.Equal(t, "200M", app.MaxMemoryRestart)
	assert.Equal(t, 2*time.Second, app.MonitorInterval)
	assert.Equal(t, 3*time.Second, app.KillTimeout)
	assert.True(t, app.Time)
	assert.Equal(t, 4, app.Restart.MaxRetries)
	assert.Equal(t, 1.5, app.Restart.BackoffRate)
	assert.Equal(t, 5*time.Minute, app.Restart.FailureWindow)
}

func TestSetConfigDefaults(t *testing.T) {
	config, err := ParseConfig([]byte("apps:\n  - name: web\n    script: server\n"), "/srv")
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, config.Supervisor.LogLevel)
	assert.Equal(t, DefaultShutdownTimeout, config.Supervisor.ShutdownTimeout)
	assert.Empty(t, config.EventStorePath())

	app := config.Apps[0]
	assert.Equal(t, 1, app.Instances)
	require.NotNil(t, app.AutoRestart)
	assert.True(t, *app.AutoRestart)
	require.NotNil(t, app.Enabled)
	assert.True(t, *app.Enabled)
	assert.Equal(t, DefaultKillTimeout, app.KillTimeout)
	assert.Equal(t, 5*time.Second, app.MonitorInterval)
	assert.False(t, app.Time)
	assert.Equal(t, 10, app.Restart.MaxRetries)
	assert.Equal(t, time.Minute, app.Restart.MaxDelay)
}

func TestValidateConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "apps:\n  - script: a\n"},
		{"duplicate name", "apps:\n  - name: a\n    script: a\n  - name: a\n    script: b\n"},
		{"missing script", "apps:\n  - name: a\n"},
		{"negative instances", "apps:\n  - name: a\n    script: a\n    instances: -1\n"},
		{"negative kill timeout", "apps:\n  - name: a\n    script: a\n    kill_timeout: -1s\n"},
		{"bad memory limit", "apps:\n  - name: a\n    script: a\n    max_memory_restart: lots\n"},
		{"backoff below one", "apps:\n  - name: a\n    script: a\n    restart:\n      backoff_rate: 0.5\n"},
		{"negative max retries", "apps:\n  - name: a\n    script: a\n    restart:\n      max_retries: -2\n"},
		{"bad log level", "supervisor:\n  log_level: loud\napps: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := ParseConfig([]byte(tt.yaml), "/srv")
			require.NoError(t, err)

			err = ValidateConfig(config)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}

	assert.Error(t, ValidateConfig(nil))
}

func TestParseConfig_InvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte("apps: [unclosed"), "/srv")
	assert.True(t, errors.IsValidationError(err))
}

func TestLoadConfigFromFile_MissingFile(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeIO))
}

func TestBuildInstances_InterpreterAndPaths(t *testing.T) {
	path := writeConfig(t, ecosystemYAML)
	base := filepath.Dir(path)

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	instances, err := BuildInstances(config)
	require.NoError(t, err)
	require.Len(t, instances, 4) // disabled app is skipped

	be := instances[0]
	assert.Equal(t, "aiQuizBot-be", be.Name)
	assert.Equal(t, "./.venv/bin/python", be.Spec.ExecutablePath())
	assert.Equal(t, []string{"app.py", "--port", "8080"}, be.Spec.Args())
	assert.Equal(t, filepath.Join(base, "backend"), be.Spec.WorkingDirectory())
	assert.Equal(t, filepath.Join(base, "logs", "python-out.log"), be.Spec.OutFile())
	assert.Equal(t, filepath.Join(base, "logs", "python-err.log"), be.Spec.ErrorFile())
	assert.True(t, be.Spec.TimestampPrefix())
	assert.Equal(t, map[string]string{"PYTHONUNBUFFERED": "1", "ENV": "production"}, be.Spec.Environment())

	assert.True(t, be.Options.AutoRestart)
	assert.Equal(t, 3*time.Second, be.Options.GracePeriod)
	assert.Equal(t, uint64(200*1024*1024), be.Options.Monitor.MemoryLimit)
	assert.Equal(t, 2*time.Second, be.Options.Monitor.Interval)
	assert.Equal(t, 4, be.Options.Restart.MaxRetries)

	require.NotNil(t, be.Watch)
	assert.Equal(t, filepath.Join(base, "backend"), be.Watch.Root)
	assert.Equal(t, []string{"logs", ".venv"}, be.Watch.Ignore)
}

func TestBuildInstances_MultipleInstances(t *testing.T) {
	path := writeConfig(t, ecosystemYAML)
	base := filepath.Dir(path)

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	instances, err := BuildInstances(config)
	require.NoError(t, err)

	workers := instances[1:]
	require.Len(t, workers, 3)
	for i, w := range workers {
		assert.Equal(t, "worker-"+string(rune('0'+i)), w.Name)
		assert.Equal(t, "worker", w.App)
		assert.Equal(t, i, w.Index)
		assert.Equal(t, string(rune('0'+i)), w.Spec.Environment()[InstanceEnvVar])
		assert.Equal(t, filepath.Join(base, "logs", "worker-"+string(rune('0'+i))+".log"), w.Spec.OutFile())
		assert.Empty(t, w.Spec.ErrorFile())
		assert.False(t, w.Options.AutoRestart)
		assert.Nil(t, w.Watch)
	}
}

func TestBuildInstances_BareScriptInCwd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"), 0755))

	config, err := ParseConfig([]byte("apps:\n  - name: local\n    script: run.sh\n  - name: onpath\n    script: sleep\n"), dir)
	require.NoError(t, err)

	instances, err := BuildInstances(config)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	assert.Equal(t, "."+string(filepath.Separator)+"run.sh", instances[0].Spec.ExecutablePath())
	assert.Equal(t, "sleep", instances[1].Spec.ExecutablePath())
}

func TestBuildInstances_InstanceNameCollision(t *testing.T) {
	config, err := ParseConfig([]byte("apps:\n  - name: web\n    script: a\n    instances: 2\n  - name: web-1\n    script: b\n"), "/srv")
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(config))

	_, err = BuildInstances(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}

func TestInstanceFileName(t *testing.T) {
	assert.Equal(t, "/logs/out-2.log", instanceFileName("/logs/out.log", 2))
	assert.Equal(t, "/logs/out-0", instanceFileName("/logs/out", 0))
	assert.Equal(t, "", instanceFileName("", 1))
}

func TestGetConfigSummary(t *testing.T) {
	config, err := LoadConfigFromFile(writeConfig(t, ecosystemYAML))
	require.NoError(t, err)

	summary := GetConfigSummary(config)
	assert.Equal(t, 3, summary.TotalApps)
	assert.Equal(t, 2, summary.EnabledApps)
	assert.Equal(t, 4, summary.TotalInstances)
	assert.Equal(t, "debug", summary.LogLevel)
	assert.True(t, summary.Apps[0].Watch)
	assert.False(t, summary.Apps[2].Enabled)

	assert.Equal(t, "configuration is nil", GetConfigSummary(nil).Error)
}
