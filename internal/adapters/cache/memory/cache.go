// Package memory provides an in-process cache.Service with TTL expiry and
// least-recently-used eviction under a byte budget.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowgraph/dataflow/internal/core/cache"
)

// ErrTooLarge is returned when a single value exceeds the byte budget.
var ErrTooLarge = errors.New("value exceeds cache budget")

// Cache implements cache.Service in memory.
// PRINCIPLES:
// - KISS: one map guarded by one mutex
// - SRP: storage only; values are opaque bytes
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	size       int64
	maxBytes   int64
	defaultTTL time.Duration
	tick       uint64
	closed     bool

	hits      int64
	misses    int64
	evictions int64

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupOnce   sync.Once
}

// Config holds configuration for Cache
type Config struct {
	DefaultTTL      time.Duration // zero keeps entries until evicted
	MaxMemoryMB     int64         // byte budget in MB, 256 by default
	MaxBytes        int64         // exact byte budget, overrides MaxMemoryMB
	CleanupInterval time.Duration // expiry sweep interval, 5m by default
}

type entry struct {
	data      []byte
	expiresAt time.Time
	lastUsed  uint64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// New creates a cache and starts its expiry sweep.
func New(cfg Config) *Cache {
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = 256
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = cfg.MaxMemoryMB * 1024 * 1024
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	c := &Cache{
		entries:     make(map[string]*entry),
		maxBytes:    cfg.MaxBytes,
		defaultTTL:  cfg.DefaultTTL,
		stopCleanup: make(chan struct{}),
	}
	c.startCleanup(cfg.CleanupInterval)
	return c
}

// Get returns a copy of the value stored under key or cache.ErrMiss.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, cache.ErrClosed
	}

	e, ok := c.entries[key]
	if ok && e.expired(time.Now()) {
		c.deleteLocked(key)
		ok = false
	}
	if !ok {
		c.misses++
		return nil, cache.ErrMiss
	}
	c.hits++
	c.tick++
	e.lastUsed = c.tick
	return append([]byte(nil), e.data...), nil
}

// Set stores data with the default TTL.
func (c *Cache) Set(ctx context.Context, key string, data []byte) error {
	return c.SetWithTTL(ctx, key, data, c.defaultTTL)
}

// SetWithTTL stores data under key; ttl <= 0 never expires.
func (c *Cache) SetWithTTL(_ context.Context, key string, data []byte, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	size := int64(len(data))
	if size > c.maxBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, c.maxBytes)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cache.ErrClosed
	}

	c.deleteLocked(key)
	c.evictLocked(c.size + size - c.maxBytes)

	c.tick++
	e := &entry{data: append([]byte(nil), data...), lastUsed: c.tick}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = e
	c.size += size
	return nil
}

// Delete removes key.
func (c *Cache) Delete(_ context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return cache.ErrClosed
	}
	c.deleteLocked(key)
	return nil
}

// Stats returns occupancy and hit counters.
func (c *Cache) Stats() cache.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cache.Stats{
		Entries:   int64(len(c.entries)),
		SizeBytes: c.size,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		TakenAt:   time.Now(),
	}
}

// Close stops the cleanup goroutine and drops every entry.
func (c *Cache) Close() error {
	c.cleanupOnce.Do(func() {
		close(c.stopCleanup)
		c.cleanupTicker.Stop()
		c.mu.Lock()
		c.closed = true
		clear(c.entries)
		c.size = 0
		c.mu.Unlock()
	})
	return nil
}

func (c *Cache) startCleanup(interval time.Duration) {
	c.cleanupTicker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-c.cleanupTicker.C:
				c.cleanupExpired()
			case <-c.stopCleanup:
				return
			}
		}
	}()
}

func (c *Cache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, e := range c.entries {
		if e.expired(now) {
			c.deleteLocked(key)
		}
	}
}

func (c *Cache) deleteLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.size -= int64(len(e.data))
		delete(c.entries, key)
	}
}

// evictLocked drops least recently used entries until at least target bytes
// are freed.
func (c *Cache) evictLocked(target int64) {
	for freed := int64(0); freed < target && len(c.entries) > 0; {
		var oldest string
		var oldestTick uint64
		for key, e := range c.entries {
			if oldest == "" || e.lastUsed < oldestTick {
				oldest, oldestTick = key, e.lastUsed
			}
		}
		freed += int64(len(c.entries[oldest].data))
		c.deleteLocked(oldest)
		c.evictions++
	}
}
