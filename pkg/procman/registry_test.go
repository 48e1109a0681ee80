package procman

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/eventlog"
	"github.com/core-tools/hsu-supervisor/pkg/eventlog/sqlitestore"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processstatemachine"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX processes")
	}
}

func newTestSupervisor(t *testing.T, name string, config process.ExecutionConfig) *supervisor.Supervisor {
	t.Helper()
	spec, err := process.NewProcessSpec(config)
	require.NoError(t, err)

	s, err := supervisor.New(name, spec, supervisor.Options{Stdout: os.Stderr, Stderr: os.Stderr}, logging.NewNopLogger())
	require.NoError(t, err)
	return s
}

func TestRegistry_AddGetList(t *testing.T) {
	registry := NewRegistry(logging.NewNopLogger())
	defer registry.Close()

	a := newTestSupervisor(t, "a", process.ExecutionConfig{ExecutablePath: "sleep", Args: []string{"1000"}})
	b := newTestSupervisor(t, "b", process.ExecutionConfig{ExecutablePath: "sleep", Args: []string{"1000"}})

	require.NoError(t, registry.Add(a))
	require.NoError(t, registry.Add(b))

	err := registry.Add(newTestSupervisor(t, "a", process.ExecutionConfig{ExecutablePath: "sleep"}))
	assert.True(t, errors.IsValidationError(err))

	got, ok := registry.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = registry.Get("missing")
	assert.False(t, ok)

	list := registry.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name())
	assert.Equal(t, "b", list[1].Name())

	assert.Equal(t, map[string]processstatemachine.RunState{
		"a": processstatemachine.RunStateStopped,
		"b": processstatemachine.RunStateStopped,
	}, registry.Statuses())
}

func TestRegistry_StartAllContinuesAfterFailure(t *testing.T) {
	skipOnWindows(t)
	registry := NewRegistry(logging.NewNopLogger())
	defer registry.Close()

	require.NoError(t, registry.Add(newTestSupervisor(t, "broken",
		process.ExecutionConfig{ExecutablePath: filepath.Join(t.TempDir(), "missing")})))
	require.NoError(t, registry.Add(newTestSupervisor(t, "healthy",
		process.ExecutionConfig{ExecutablePath: "sleep", Args: []string{"1000"}})))

	err := registry.StartAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsSpawnError(err))

	statuses := registry.Statuses()
	assert.Equal(t, processstatemachine.RunStateStopped, statuses["broken"])
	assert.Equal(t, processstatemachine.RunStateRunning, statuses["healthy"])

	require.NoError(t, registry.StopAll(context.Background()))
	assert.Equal(t, processstatemachine.RunStateStopped, registry.Statuses()["healthy"])
}

func TestRun_SupervisesUntilContextDone(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	configFile := filepath.Join(dir, "ecosystem.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
supervisor:
  event_store: ./state/events.db
  shutdown_timeout: 5s
apps:
  - name: sleeper
    script: sleep
    args: ["1000"]
    instances: 2
    out_file: ./logs/out.log
  - name: broken
    script: ./does-not-exist
`), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, Run(ctx, configFile, logging.NewNopLogger()))

	assert.FileExists(t, filepath.Join(dir, "logs", "out-0.log"))
	assert.FileExists(t, filepath.Join(dir, "logs", "out-1.log"))

	store, err := sqlitestore.Open(sqlitestore.Config{Path: filepath.Join(dir, "state", "events.db")})
	require.NoError(t, err)
	defer store.Close()

	var kinds []eventlog.Kind
	rows, err := store.Query(context.Background(), sessionOf(t, store, "sleeper-0"))
	require.NoError(t, err)
	for _, e := range rows {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []eventlog.Kind{eventlog.KindStarted, eventlog.KindExited}, kinds)
}

func TestValidateConfigFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("apps:\n  - name: web\n    script: server\n"), 0644))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("apps:\n  - name: web\n"), 0644))

	config, err := ValidateConfigFile(good)
	require.NoError(t, err)
	assert.Len(t, config.Apps, 1)

	_, err = ValidateConfigFile(bad)
	assert.True(t, errors.IsValidationError(err))
}

// sessionOf finds the session id a process recorded its events under
func sessionOf(t *testing.T, store *sqlitestore.Store, processName string) uuid.UUID {
	t.Helper()
	sessions, err := store.Sessions(context.Background(), processName)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	return sessions[0]
}
