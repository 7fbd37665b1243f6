package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS cache_entries (
	cache_name TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT NOT NULL,
	body       BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (cache_name, url)
)`

// SQLiteStorage persists caches in a SQLite database file. Several processes
// may open the same file.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the cache database at path.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStorage) Match(ctx context.Context, cacheName, key string) (*StoredResponse, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE cache_name = ? AND url = ?`,
		cacheName, key,
	).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", key, err)
	}

	h := http.Header{}
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		return nil, fmt.Errorf("decode header for %s: %w", key, err)
	}
	return &StoredResponse{
		URL:      key,
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}, nil
}

func (s *SQLiteStorage) Put(ctx context.Context, cacheName, key string, resp *StoredResponse) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (cache_name, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cacheName, key, resp.Status, string(header), body, resp.StoredAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStorage) CacheNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT cache_name FROM cache_entries ORDER BY cache_name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) DeleteCache(ctx context.Context, cacheName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, cacheName); err != nil {
		return fmt.Errorf("delete cache %s: %w", cacheName, err)
	}
	return nil
}
