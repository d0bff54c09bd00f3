// Package postgres stores cache entries in a PostgreSQL table via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowgraph/dataflow/internal/core/cache"
)

// Cache implements cache.Service on a cache_entries table.
type Cache struct {
	pool      *pgxpool.Pool
	tableName string
	ttl       time.Duration
}

// New wraps a connection pool. Call CreateTables before first use.
func New(pool *pgxpool.Pool) *Cache {
	return &Cache{pool: pool, tableName: "cache_entries"}
}

// Connect opens a pool for dsn and creates the tables.
func Connect(ctx context.Context, dsn string) (*Cache, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	c := New(pool)
	if err := c.CreateTables(ctx); err != nil {
		pool.Close()
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
			key VARCHAR(512) PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s (expires_at);
	`, c.tableName, c.tableName, c.tableName)

	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Get returns the stored value or cache.ErrMiss. Expired rows read as misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT value FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, c.tableName)

	var value []byte
	err := c.pool.QueryRow(ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
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
	var expiresAt *time.Time
	if c.ttl > 0 {
		t := time.Now().Add(c.ttl)
		expiresAt = &t
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`, c.tableName)

	if _, err := c.pool.Exec(ctx, query, key, data, expiresAt); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", c.tableName)
	if _, err := c.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// PurgeExpired deletes every expired row and returns how many went.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()", c.tableName)
	result, err := c.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	return result.RowsAffected(), nil
}

// Close closes the connection pool.
func (c *Cache) Close() error {
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}
