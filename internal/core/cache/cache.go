// Package cache defines the cache port shared by vertex result caching and
// graph snapshot persistence.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when no entry exists for a key. A stored nil or
// empty value is a hit, never a miss.
var ErrMiss = errors.New("cache miss")

// Domain errors
var (
	ErrInvalidKey = errors.New("invalid cache key")
	ErrClosed     = errors.New("cache is closed")
)

// Service is the cache collaborator consumed by the engine.
// PRINCIPLES:
// - ISP: four methods, byte values only
// - DIP: the graph depends on this port, adapters implement it
type Service interface {
	// Get returns the stored value or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the adapter.
	Close() error
}

// Stats describes adapter occupancy.
type Stats struct {
	Entries   int64     `json:"entries"`
	SizeBytes int64     `json:"size_bytes"`
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	Evictions int64     `json:"evictions"`
	TakenAt   time.Time `json:"taken_at"`
}

// ValidateKey rejects keys no adapter can store.
func ValidateKey(key string) error {
	if key == "" || len(key) > 512 {
		return ErrInvalidKey
	}
	return nil
}

// VertexKey is the key under which a vertex build result is cached.
func VertexKey(scope, vertexID string) string {
	return "vertex:" + scope + ":" + vertexID
}

// GraphKey is the key under which a graph snapshot is cached.
func GraphKey(flowID string) string {
	return "graph:" + flowID
}

// ValidIdentifier reports whether name is safe to splice into SQL as a
// table name: ASCII letters, digits and underscores only.
func ValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			continue
		}
		return false
	}
	return true
}
