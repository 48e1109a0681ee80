package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/eventlog"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirPermissions = 0750

	msPerSecond = 1000

	connectionTimeout = 5 * time.Second

	// writeTimeout bounds a single Append so a locked database cannot stall supervision
	writeTimeout = 5 * time.Second

	DefaultBusyTimeout = 5
)

const schema = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session    TEXT    NOT NULL,
	process    TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	pid        INTEGER NOT NULL DEFAULT 0,
	exit_code  INTEGER NOT NULL DEFAULT 0,
	signal     TEXT    NOT NULL DEFAULT '',
	delay_ms   INTEGER NOT NULL DEFAULT 0,
	reason     TEXT    NOT NULL DEFAULT '',
	timestamp  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lifecycle_events_session
	ON lifecycle_events(session, id);
`

type Config struct {
	// Path is the database file; its directory is created when missing
	Path string `yaml:"path"`

	// BusyTimeout is the lock wait in seconds
	BusyTimeout int `yaml:"busy_timeout"`
}

// Store is an eventlog.Sink that persists lifecycle events to SQLite
type Store struct {
	db   *sql.DB
	path string
}

func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.NewValidationError("event store path is required", nil)
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, errors.NewIOError("failed to create event store directory", err).WithContext("path", cfg.Path)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout*msPerSecond)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, errors.NewIOError("failed to open event store", err).WithContext("path", cfg.Path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewIOError("failed to connect to event store", err).WithContext("path", cfg.Path)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.NewIOError("failed to create event store schema", err).WithContext("path", cfg.Path)
	}

	return &Store{db: db, path: cfg.Path}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Append(event eventlog.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events (session, process, kind, pid, exit_code, signal, delay_ms, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Session.String(),
		event.Process,
		string(event.Kind),
		event.PID,
		event.ExitCode,
		event.Signal,
		event.Delay.Milliseconds(),
		event.Reason,
		event.Timestamp.UnixNano(),
	)
	if err != nil {
		return errors.NewIOError("failed to append lifecycle event", err).
			WithContext("process", event.Process).
			WithContext("kind", string(event.Kind))
	}
	return nil
}

// Query returns the events of one session in insertion order
func (s *Store) Query(ctx context.Context, session uuid.UUID) ([]eventlog.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session, process, kind, pid, exit_code, signal, delay_ms, reason, timestamp
		 FROM lifecycle_events WHERE session = ? ORDER BY id`,
		session.String())
	if err != nil {
		return nil, errors.NewIOError("failed to query lifecycle events", err).WithContext("session", session.String())
	}
	defer rows.Close()

	var events []eventlog.Event
	for rows.Next() {
		var (
			sessionText string
			kind        string
			delayMs     int64
			timestamp   int64
			event       eventlog.Event
		)
		if err := rows.Scan(&sessionText, &event.Process, &kind, &event.PID, &event.ExitCode,
			&event.Signal, &delayMs, &event.Reason, &timestamp); err != nil {
			return nil, errors.NewIOError("failed to read lifecycle event", err)
		}

		parsed, err := uuid.Parse(sessionText)
		if err != nil {
			return nil, errors.NewInternalError("invalid session id in event store", err).WithContext("session", sessionText)
		}

		event.Session = parsed
		event.Kind = eventlog.Kind(kind)
		event.Delay = time.Duration(delayMs) * time.Millisecond
		event.Timestamp = time.Unix(0, timestamp)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewIOError("failed to iterate lifecycle events", err)
	}

	return events, nil
}

// Sessions lists the sessions that recorded events for process, oldest first
func (s *Store) Sessions(ctx context.Context, process string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session FROM lifecycle_events WHERE process = ? GROUP BY session ORDER BY MIN(id)`,
		process)
	if err != nil {
		return nil, errors.NewIOError("failed to query sessions", err).WithContext("process", process)
	}
	defer rows.Close()

	var sessions []uuid.UUID
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, errors.NewIOError("failed to read session", err)
		}
		parsed, err := uuid.Parse(text)
		if err != nil {
			return nil, errors.NewInternalError("invalid session id in event store", err).WithContext("session", text)
		}
		sessions = append(sessions, parsed)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewIOError("failed to iterate sessions", err)
	}
	return sessions, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.NewIOError("failed to close event store", err).WithContext("path", s.path)
	}
	return nil
}
