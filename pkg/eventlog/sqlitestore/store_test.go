package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/eventlog"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "state", "events.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_AppendAndQuery(t *testing.T) {
	store := openStore(t)
	session := uuid.New()
	other := uuid.New()
	now := time.Now().Truncate(time.Millisecond)

	events := []eventlog.Event{
		{Timestamp: now, Kind: eventlog.KindStarted, Session: session, Process: "web", PID: 100},
		{Timestamp: now.Add(time.Second), Kind: eventlog.KindExited, Session: session, Process: "web", PID: 100, ExitCode: -1, Signal: "SIGKILL"},
		{Timestamp: now.Add(2 * time.Second), Kind: eventlog.KindRestartScheduled, Session: session, Process: "web", Delay: 1500 * time.Millisecond, Reason: "killed by memory limit"},
		{Timestamp: now, Kind: eventlog.KindStarted, Session: other, Process: "worker", PID: 200},
	}
	for _, e := range events {
		require.NoError(t, store.Append(e))
	}

	got, err := store.Query(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, got, 3)

	for i := range got {
		assert.Equal(t, events[i].Kind, got[i].Kind)
		assert.Equal(t, events[i].Session, got[i].Session)
		assert.Equal(t, events[i].Process, got[i].Process)
		assert.Equal(t, events[i].PID, got[i].PID)
		assert.Equal(t, events[i].ExitCode, got[i].ExitCode)
		assert.Equal(t, events[i].Signal, got[i].Signal)
		assert.Equal(t, events[i].Delay, got[i].Delay)
		assert.Equal(t, events[i].Reason, got[i].Reason)
		assert.True(t, events[i].Timestamp.Equal(got[i].Timestamp))
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	session := uuid.New()

	store, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Append(eventlog.Event{Timestamp: time.Now(), Kind: eventlog.KindGaveUp, Session: session, Process: "web"}))
	require.NoError(t, store.Close())

	reopened, err := Open(Config{Path: path, BusyTimeout: 1})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Query(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, eventlog.KindGaveUp, got[0].Kind)
}

func TestStore_AsEventLogSink(t *testing.T) {
	store := openStore(t)
	log := eventlog.New(eventlog.NewSession(), logging.NewNopLogger(), store)

	log.Record(eventlog.Event{Kind: eventlog.KindStarted, Process: "web", PID: 7})
	log.Record(eventlog.Event{Kind: eventlog.KindSpawnFailed, Process: "web", Reason: "executable not found"})

	got, err := store.Query(context.Background(), log.Session())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, eventlog.KindSpawnFailed, got[1].Kind)
	assert.Equal(t, "executable not found", got[1].Reason)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.True(t, errors.IsValidationError(err))
}

func TestStore_AppendAfterCloseFails(t *testing.T) {
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.Append(eventlog.Event{Kind: eventlog.KindStarted, Session: uuid.New(), Process: "web"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeIO))
}

func TestStore_Sessions(t *testing.T) {
	store := openStore(t)
	first := uuid.New()
	second := uuid.New()

	require.NoError(t, store.Append(eventlog.Event{Timestamp: time.Now(), Kind: eventlog.KindStarted, Session: first, Process: "web"}))
	require.NoError(t, store.Append(eventlog.Event{Timestamp: time.Now(), Kind: eventlog.KindExited, Session: first, Process: "web"}))
	require.NoError(t, store.Append(eventlog.Event{Timestamp: time.Now(), Kind: eventlog.KindStarted, Session: second, Process: "web"}))
	require.NoError(t, store.Append(eventlog.Event{Timestamp: time.Now(), Kind: eventlog.KindStarted, Session: uuid.New(), Process: "worker"}))

	sessions, err := store.Sessions(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first, second}, sessions)

	sessions, err = store.Sessions(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
