// Package store persists event definitions and feed fetch state in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"venuecal/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

const timeLayout = time.RFC3339Nano

// Store is the SQLite-backed event store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// FeedCache is the last successful fetch of one feed.
type FeedCache struct {
	FeedID       string
	ETag         string
	LastModified string
	Body         []byte
	FetchedAt    time.Time
}

// Open opens (creating if necessary) the database at path and applies the
// schema. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store: database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertEvent inserts or replaces an event definition together with its
// exception dates.
func (s *Store) UpsertEvent(ctx context.Context, ev model.EventDefinition) error {
	id := strings.TrimSpace(ev.ID)
	if id == "" {
		return errors.New("store: event id is required")
	}
	if ev.Start.IsZero() {
		return fmt.Errorf("store: event %s: start is required", id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var endAt sql.NullString
	if ev.End != nil {
		endAt = sql.NullString{String: formatTime(*ev.End), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(id, title, description, location, start_at, end_at, rrule, is_active, source, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title,
		   description=excluded.description,
		   location=excluded.location,
		   start_at=excluded.start_at,
		   end_at=excluded.end_at,
		   rrule=excluded.rrule,
		   is_active=excluded.is_active,
		   source=excluded.source,
		   updated_at=excluded.updated_at`,
		id, ev.Title, ev.Description, ev.Location, formatTime(ev.Start), endAt,
		strings.TrimSpace(ev.RecurrenceRule), ev.IsActive, ev.Source, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store: upsert event %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_exceptions WHERE event_id = ?`, id); err != nil {
		return fmt.Errorf("store: clear exceptions for %s: %w", id, err)
	}
	for _, date := range ev.Exceptions {
		date = strings.TrimSpace(date)
		if date == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO event_exceptions(event_id, date) VALUES(?,?)`, id, date,
		); err != nil {
			return fmt.Errorf("store: insert exception for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// GetEvent returns one event by ID or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (model.EventDefinition, error) {
	events, err := s.list(ctx, `WHERE e.id = ?`, id)
	if err != nil {
		return model.EventDefinition{}, err
	}
	if len(events) == 0 {
		return model.EventDefinition{}, ErrNotFound
	}
	return events[0], nil
}

// ListActive returns every active event ordered by ID.
func (s *Store) ListActive(ctx context.Context) ([]model.EventDefinition, error) {
	return s.list(ctx, `WHERE e.is_active = 1`)
}

// ListAll returns every event, active or not, ordered by ID.
func (s *Store) ListAll(ctx context.Context) ([]model.EventDefinition, error) {
	return s.list(ctx, ``)
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]model.EventDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.title, e.description, e.location, e.start_at, e.end_at, e.rrule, e.is_active, e.source
		 FROM events e `+where+` ORDER BY e.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var events []model.EventDefinition
	index := make(map[string]int)
	for rows.Next() {
		var (
			ev      model.EventDefinition
			startAt string
			endAt   sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Title, &ev.Description, &ev.Location,
			&startAt, &endAt, &ev.RecurrenceRule, &ev.IsActive, &ev.Source); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if ev.Start, err = parseTime(startAt); err != nil {
			return nil, fmt.Errorf("store: event %s start: %w", ev.ID, err)
		}
		if endAt.Valid {
			end, err := parseTime(endAt.String)
			if err != nil {
				return nil, fmt.Errorf("store: event %s end: %w", ev.ID, err)
			}
			ev.End = &end
		}
		index[ev.ID] = len(events)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	if len(events) == 0 {
		return events, nil
	}

	exRows, err := s.db.QueryContext(ctx,
		`SELECT x.event_id, x.date FROM event_exceptions x
		 JOIN events e ON e.id = x.event_id `+where+` ORDER BY x.event_id, x.date`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list exceptions: %w", err)
	}
	defer exRows.Close()
	for exRows.Next() {
		var id, date string
		if err := exRows.Scan(&id, &date); err != nil {
			return nil, fmt.Errorf("store: scan exception: %w", err)
		}
		if i, ok := index[id]; ok {
			events[i].Exceptions = append(events[i].Exceptions, date)
		}
	}
	if err := exRows.Err(); err != nil {
		return nil, fmt.Errorf("store: list exceptions: %w", err)
	}
	return events, nil
}

// SetActive flips an event's active flag.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: set active %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set active %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateMissing deactivates the active events of source whose IDs are
// not in keep, and returns how many rows changed.
func (s *Store) DeactivateMissing(ctx context.Context, source string, keep []string) (int, error) {
	if strings.TrimSpace(source) == "" {
		return 0, errors.New("store: source is required")
	}
	query := `UPDATE events SET is_active = 0, updated_at = ? WHERE source = ? AND is_active = 1`
	args := []any{formatTime(time.Now()), source}
	if len(keep) > 0 {
		ids := append([]string(nil), keep...)
		sort.Strings(ids)
		query += ` AND id NOT IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: deactivate missing for %s: %w", source, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: deactivate missing for %s: %w", source, err)
	}
	return int(n), nil
}

// LoadFeed returns the cached fetch state of a feed, or ErrNotFound.
func (s *Store) LoadFeed(ctx context.Context, feedID string) (FeedCache, error) {
	var (
		fc        FeedCache
		fetchedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT feed_id, etag, last_modified, body, fetched_at FROM feed_cache WHERE feed_id = ?`, feedID,
	).Scan(&fc.FeedID, &fc.ETag, &fc.LastModified, &fc.Body, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FeedCache{}, ErrNotFound
	}
	if err != nil {
		return FeedCache{}, fmt.Errorf("store: load feed %s: %w", feedID, err)
	}
	if fc.FetchedAt, err = parseTime(fetchedAt); err != nil {
		return FeedCache{}, fmt.Errorf("store: feed %s fetched_at: %w", feedID, err)
	}
	return fc, nil
}

// SaveFeed stores the fetch state of a feed, replacing any previous state.
func (s *Store) SaveFeed(ctx context.Context, fc FeedCache) error {
	if strings.TrimSpace(fc.FeedID) == "" {
		return errors.New("store: feed id is required")
	}
	if fc.FetchedAt.IsZero() {
		fc.FetchedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_cache(feed_id, etag, last_modified, body, fetched_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(feed_id) DO UPDATE SET
		   etag=excluded.etag,
		   last_modified=excluded.last_modified,
		   body=excluded.body,
		   fetched_at=excluded.fetched_at`,
		fc.FeedID, fc.ETag, fc.LastModified, fc.Body, formatTime(fc.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("store: save feed %s: %w", fc.FeedID, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
