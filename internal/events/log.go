package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrContention indicates the log's write lock stayed busy through every
// retry attempt. It is fatal for the publish call that hit it.
var ErrContention = errors.New("event log contention")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 50 * time.Millisecond
	busyRetryMaxBackoff     = 800 * time.Millisecond
)

// Event is one immutable record in the log. Payload holds the JSON encoding
// of the typed payload struct for Type.
type Event struct {
	ID        int64
	Type      Type
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Log is the durable single-writer-many-reader event log backing the
// pipeline. All cross-stage coordination flows through it.
type Log struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the event log database at path.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure event log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	log := &Log{db: db, path: path}
	if err := log.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

func (l *Log) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
        )`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE TABLE IF NOT EXISTS cursors (
            service TEXT PRIMARY KEY,
            last_event_id INTEGER NOT NULL
        )`,
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init event log schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Path returns the database file backing the log.
func (l *Log) Path() string {
	return l.path
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) {
			return lastErr
		}
		if attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return fmt.Errorf("%w: %v", ErrContention, lastErr)
}

// Publish appends one event atomically and returns its id. Lock contention
// is retried a bounded number of times with backoff; exhausting the retries
// returns ErrContention.
func (l *Log) Publish(ctx context.Context, eventType Type, payload any) (int64, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	var id int64
	err = retryOnBusy(ctx, func() error {
		res, execErr := l.db.ExecContext(ctx,
			`INSERT INTO events(type, payload) VALUES(?, ?)`,
			string(eventType), string(encoded))
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ReadAfter returns up to limit events with id greater than afterID in
// strictly increasing id order. Reading consumes nothing; it is safe to
// call repeatedly.
func (l *Log) ReadAfter(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, type, payload, created_at FROM events WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			event   Event
			typ     string
			payload string
			created string
		)
		if err := rows.Scan(&event.ID, &typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Type = Type(typ)
		event.Payload = json.RawMessage(payload)
		if ts, parseErr := time.Parse("2006-01-02T15:04:05.999Z", created); parseErr == nil {
			event.CreatedAt = ts
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// MaxID returns the id of the newest event, or zero for an empty log.
func (l *Log) MaxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max event id: %w", err)
	}
	return id.Int64, nil
}

// Count returns the total number of events in the log.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// Cursor returns the durable offset for a logical service name, zero when
// the service has never advanced.
func (l *Log) Cursor(ctx context.Context, service string) (int64, error) {
	var id int64
	err := l.db.QueryRowContext(ctx,
		`SELECT last_event_id FROM cursors WHERE service = ?`, service).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor %s: %w", service, err)
	}
	return id, nil
}

// SetCursor advances the durable offset for a service. Cursors never move
// backwards; an id at or below the stored one is a no-op.
func (l *Log) SetCursor(ctx context.Context, service string, id int64) error {
	return retryOnBusy(ctx, func() error {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO cursors(service, last_event_id) VALUES(?, ?)
             ON CONFLICT(service) DO UPDATE SET last_event_id = excluded.last_event_id
             WHERE excluded.last_event_id > cursors.last_event_id`,
			service, id)
		return err
	})
}
