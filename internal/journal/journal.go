// Package journal records every capture file written by picam in a SQLite
// database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cjeanneret/picamgo/internal/debug"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("capture not found")

// Kind tells how a recorded file was produced.
type Kind string

const (
	KindFile    Kind = "file"    // written by the camera stack
	KindArray   Kind = "array"   // encoded from an in-memory frame
	KindPreview Kind = "preview" // snapshot of the preview stream
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// Entry is one recorded capture.
type Entry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       Kind      `json:"kind"`
	Path       string    `json:"path"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Format     string    `json:"format"`
	Bytes      int64     `json:"bytes"`
	MeanLuma   float64   `json:"mean_luma"`
	StdDevLuma float64   `json:"stddev_luma"`
	CreatedAt  time.Time `json:"created_at"`
}

// Journal is a handle on the capture database. It is safe for concurrent
// use.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the journal at path and brings its schema
// up to date.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// one writer at a time; also keeps ":memory:" on a single database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure journal: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	if version, _, err := schemaVersion(db); err == nil {
		debug.Verbose("journal %s at schema version %d", path, version)
	}
	return &Journal{db: db, path: path}, nil
}

// Path returns the database location.
func (j *Journal) Path() string { return j.path }

// Record stores e. ID and CreatedAt are filled in when empty; the stored
// entry is returned.
func (j *Journal) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Kind == "" {
		e.Kind = KindFile
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO captures (id, session_id, kind, path, width, height, format, bytes, mean_luma, stddev_luma, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Kind), e.Path, e.Width, e.Height, e.Format, e.Bytes,
		e.MeanLuma, e.StdDevLuma, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return e, fmt.Errorf("record capture %s: %w", e.Path, err)
	}
	debug.Verbose("journal: recorded %s %s (%s)", e.Kind, e.Path, e.ID)
	return e, nil
}

// List returns the most recent entries first. limit <= 0 selects
// DefaultListLimit; it is capped at MaxListLimit.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, session_id, kind, path, width, height, format, bytes, mean_luma, stddev_luma, created_at
		FROM captures
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list captures: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list captures: %w", err)
	}
	return entries, nil
}

// Get returns the entry with the given id, or ErrNotFound.
func (j *Journal) Get(ctx context.Context, id string) (Entry, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, session_id, kind, path, width, height, format, bytes, mean_luma, stddev_luma, created_at
		FROM captures WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e       Entry
		kind    string
		created int64
	)
	err := s.Scan(&e.ID, &e.SessionID, &kind, &e.Path, &e.Width, &e.Height, &e.Format, &e.Bytes,
		&e.MeanLuma, &e.StdDevLuma, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan capture: %w", err)
	}
	e.Kind = Kind(kind)
	e.CreatedAt = time.Unix(0, created)
	return e, nil
}
