// Package sqlite stores cache entries in a SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowgraph/dataflow/internal/core/cache"
)

// Cache implements cache.Service on a cache_entries table.
type Cache struct {
	db        *sql.DB
	tableName string
	ttl       time.Duration
}

// New wraps an open database. Call CreateTables before first use.
func New(db *sql.DB) *Cache {
	return &Cache{db: db, tableName: "cache_entries"}
}

// Open opens (or creates) the database at dsn and its tables.
func Open(ctx context.Context, dsn string) (*Cache, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	c := New(db)
	if err := c.CreateTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// WithTableName overrides the table name. Names that are not plain
// identifiers are ignored.
func (c *Cache) WithTableName(name string) *Cache {
	if cache.ValidIdentifier(name) {
		c.tableName = name
	}
	return c
}

// WithTTL sets the lifetime of entries written by Set; zero never expires.
func (c *Cache) WithTTL(ttl time.Duration) *Cache {
	c.ttl = ttl
	return c
}

// CreateTables creates the entries table and its expiry index.
func (c *Cache) CreateTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s (expires_at);
	`, c.tableName, c.tableName, c.tableName)

	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Get returns the stored value or cache.ErrMiss. Expired rows are removed.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT value, expires_at FROM %s WHERE key = ?", c.tableName)

	var value []byte
	var expiresAt sql.NullInt64
	err := c.db.QueryRowContext(ctx, query, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if expiresAt.Valid && time.Now().UnixMilli() > expiresAt.Int64 {
		if err := c.Delete(ctx, key); err != nil {
			return nil, err
		}
		return nil, cache.ErrMiss
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Set upserts data under key.
func (c *Cache) Set(ctx context.Context, key string, data []byte) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	now := time.Now()
	var expiresAt sql.NullInt64
	if c.ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(c.ttl).UnixMilli(), Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, c.tableName)

	if _, err := c.db.ExecContext(ctx, query, key, data, expiresAt, now.UnixMilli()); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", c.tableName)
	if _, err := c.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// PurgeExpired deletes every expired row and returns how many went.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at < ?", c.tableName)
	result, err := c.db.ExecContext(ctx, query, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Stats counts rows and stored bytes.
func (c *Cache) Stats(ctx context.Context) (cache.Stats, error) {
	query := fmt.Sprintf("SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM %s", c.tableName)
	var s cache.Stats
	if err := c.db.QueryRowContext(ctx, query).Scan(&s.Entries, &s.SizeBytes); err != nil {
		return cache.Stats{}, fmt.Errorf("failed to read cache stats: %w", err)
	}
	s.TakenAt = time.Now()
	return s, nil
}

// Close closes the database connection
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
