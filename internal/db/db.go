package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned by every method on a nil or closed DB.
var ErrNotInitialized = errors.New("database not initialized")

// DownloadRecord represents a row in the downloads table.
type DownloadRecord struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	SourceURL string    `json:"source_url"`
	Title     string    `json:"title"`
	Quality   string    `json:"quality"`
	SizeBytes int64     `json:"size_bytes"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS downloads (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    filename    TEXT NOT NULL UNIQUE,
    source_url  TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL DEFAULT '',
    quality     TEXT NOT NULL DEFAULT '',
    size_bytes  INTEGER NOT NULL DEFAULT 0,
    attempts    INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_downloads_source_url ON downloads(source_url);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);
`

// DB wraps an SQLite connection for the download catalog.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if _, err := sqlDB.Exec(createTableSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{db: sqlDB}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// RecordDownload inserts or updates a record by filename.
func (d *DB) RecordDownload(ctx context.Context, rec DownloadRecord) error {
	if d == nil || d.db == nil {
		return ErrNotInitialized
	}
	if rec.Filename == "" {
		return errors.New("recording download: empty filename")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO downloads (filename, source_url, title, quality, size_bytes, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			source_url=excluded.source_url, title=excluded.title,
			quality=excluded.quality, size_bytes=excluded.size_bytes,
			attempts=excluded.attempts
	`, rec.Filename, rec.SourceURL, rec.Title, rec.Quality, rec.SizeBytes, rec.Attempts)
	if err != nil {
		return fmt.Errorf("recording download: %w", err)
	}
	return nil
}

// ListDownloads returns records newest first.
func (d *DB) ListDownloads(ctx context.Context, limit, offset int) ([]DownloadRecord, error) {
	if d == nil || d.db == nil {
		return nil, ErrNotInitialized
	}

	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, filename, source_url, title, quality, size_bytes, attempts, created_at
		FROM downloads
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying downloads: %w", err)
	}
	defer rows.Close()

	records := []DownloadRecord{}
	for rows.Next() {
		var r DownloadRecord
		if err := rows.Scan(
			&r.ID, &r.Filename, &r.SourceURL, &r.Title, &r.Quality,
			&r.SizeBytes, &r.Attempts, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning download row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteByFilename removes the record for a swept file. Missing rows are
// not an error.
func (d *DB) DeleteByFilename(ctx context.Context, filename string) error {
	if d == nil || d.db == nil {
		return ErrNotInitialized
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.ExecContext(ctx, "DELETE FROM downloads WHERE filename = ?", filename); err != nil {
		return fmt.Errorf("deleting download %s: %w", filename, err)
	}
	return nil
}

// Count returns the total number of download records.
func (d *DB) Count(ctx context.Context) (int, error) {
	if d == nil || d.db == nil {
		return 0, ErrNotInitialized
	}

	var count int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM downloads").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting downloads: %w", err)
	}
	return count, nil
}
