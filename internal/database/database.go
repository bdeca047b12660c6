// Package database stores the alarm event log in SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"homeguard/internal/alarm"
)

// ErrPersistence wraps every storage failure.
var ErrPersistence = errors.New("persistence failure")

// DefaultLimit is used by Recent when no positive limit is given.
const DefaultLimit = 50

// timeLayout matches the rows written by earlier deployments.
const timeLayout = "2006-01-02 15:04:05.000000"

// Record is a stored event.
type Record struct {
	ID int64 `json:"id"`
	alarm.Event
}

// Store is the SQLite event log.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrPersistence, err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()

			return nil, fmt.Errorf("%w: %s: %w", ErrPersistence, pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()

		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if needed.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			event_type VARCHAR,
			info VARCHAR
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("%w: migration failed: %w", ErrPersistence, err)
		}
	}

	return nil
}

// Append implements alarm.EventStore.
func (s *Store) Append(ctx context.Context, ev alarm.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (timestamp, event_type, info) VALUES (?, ?, ?)`,
		ev.Timestamp.UTC().Format(timeLayout), string(ev.Type), ev.Info)
	if err != nil {
		return fmt.Errorf("%w: insert event: %w", ErrPersistence, err)
	}

	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, event_type, info FROM events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %w", ErrPersistence, err)
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		var (
			r         Record
			ts        any
			typ, info sql.NullString
		)

		if err := rows.Scan(&r.ID, &ts, &typ, &info); err != nil {
			return nil, fmt.Errorf("%w: scan event: %w", ErrPersistence, err)
		}

		r.Timestamp, err = parseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: event %d: %w", ErrPersistence, r.ID, err)
		}

		r.Type = alarm.EventType(typ.String)
		r.Info = info.String
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read events: %w", ErrPersistence, err)
	}

	return out, nil
}

// DeleteBefore removes events older than t and returns how many were removed.
func (s *Store) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, t.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("%w: delete events: %w", ErrPersistence, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: delete events: %w", ErrPersistence, err)
	}

	return n, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return nil
}

// parseTimestamp accepts the driver's time values as well as the text
// layouts found in older databases.
func parseTimestamp(v any) (time.Time, error) {
	var s string

	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s = t
	case []byte:
		s = string(t)
	case int64:
		return time.Unix(t, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp %T", v)
	}

	s = strings.TrimSpace(s)

	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05.999999999", time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}
