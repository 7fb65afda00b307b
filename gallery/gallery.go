// Package gallery indexes saved raster images in SQLite so earlier runs can be
// listed and re-rendered without scanning the output directory.
package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"rastertail/persist"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no entry matches the lookup.
var ErrNotFound = errors.New("gallery: entry not found")

// Entry is one indexed image.
type Entry struct {
	ID        int64
	Path      string
	Source    string
	Palette   string
	Width     int
	Height    int
	Filled    int
	Complete  bool
	Digest    uint64
	CreatedAt time.Time
}

// Index is the SQLite-backed gallery. It implements persist.Catalog.
type Index struct {
	db   *sql.DB
	path string
}

// Purpose: Open (or create) the gallery index at path.
// Key aspects: Integrity check first; a damaged file is quarantined and a new
// index is created in its place. Single connection keeps writes serialized.
// Upstream: main wiring and cmd/rerender.
// Downstream: Check, initSchema.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("gallery: ensure dir: %w", err)
	}
	if _, err := Check(path, 2*time.Second, log.Printf); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("gallery: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("gallery: schema: %w", err)
	}
	return &Index{db: db, path: path}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS images (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    source TEXT,
    palette TEXT,
    width INTEGER,
    height INTEGER,
    filled INTEGER,
    complete INTEGER,
    digest TEXT,
    created_at INTEGER
);
CREATE INDEX IF NOT EXISTS images_created ON images(created_at);
CREATE INDEX IF NOT EXISTS images_digest ON images(digest);`
	_, err := db.Exec(schema)
	return err
}

// Path returns the database file location.
func (ix *Index) Path() string { return ix.path }

// Close closes the underlying database.
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// Add records a persisted snapshot.
func (ix *Index) Add(ctx context.Context, rec persist.Record) error {
	if ix == nil || ix.db == nil {
		return nil
	}
	_, err := ix.db.ExecContext(ctx, `
INSERT INTO images (path, source, palette, width, height, filled, complete, digest, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Path,
		rec.Source,
		rec.Palette.String(),
		rec.Width,
		rec.Height,
		rec.Filled,
		boolToInt(rec.Complete),
		formatDigest(rec.Digest),
		rec.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("gallery: insert %s: %w", filepath.Base(rec.Path), err)
	}
	return nil
}

const selectColumns = `SELECT id, path, source, palette, width, height, filled, complete, digest, created_at FROM images`

// Recent returns up to limit entries, newest first.
func (ix *Index) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	rows, err := ix.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("gallery: query recent: %w", err)
	}
	defer rows.Close()
	out := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the entry with the given id.
func (ix *Index) Get(ctx context.Context, id int64) (Entry, error) {
	return ix.queryOne(ctx, selectColumns+` WHERE id = ?`, id)
}

// LatestByDigest returns the newest entry whose digest matches.
func (ix *Index) LatestByDigest(ctx context.Context, digest uint64) (Entry, error) {
	return ix.queryOne(ctx, selectColumns+` WHERE digest = ? ORDER BY created_at DESC, id DESC LIMIT 1`, formatDigest(digest))
}

// Count returns the number of indexed images.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n); err != nil {
		return 0, fmt.Errorf("gallery: count: %w", err)
	}
	return n, nil
}

func (ix *Index) queryOne(ctx context.Context, query string, args ...any) (Entry, error) {
	e, err := scanEntry(ix.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e        Entry
		complete int
		digest   string
		created  int64
	)
	if err := row.Scan(&e.ID, &e.Path, &e.Source, &e.Palette, &e.Width, &e.Height, &e.Filled, &complete, &digest, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("gallery: scan: %w", err)
	}
	e.Complete = complete != 0
	e.CreatedAt = time.Unix(0, created).UTC()
	d, err := parseDigest(digest)
	if err != nil {
		return Entry{}, fmt.Errorf("gallery: entry %d: %w", e.ID, err)
	}
	e.Digest = d
	return e, nil
}

// Digests are stored as fixed-width hex because SQLite integers are signed.
func formatDigest(d uint64) string {
	return fmt.Sprintf("%016x", d)
}

func parseDigest(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
