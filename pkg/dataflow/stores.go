package dataflow

import (
	"context"
	"fmt"

	memcache "github.com/flowgraph/dataflow/internal/adapters/cache/memory"
	pgcache "github.com/flowgraph/dataflow/internal/adapters/cache/postgres"
	sqlitecache "github.com/flowgraph/dataflow/internal/adapters/cache/sqlite"
	memrepo "github.com/flowgraph/dataflow/internal/adapters/repository/memory"
	pgrepo "github.com/flowgraph/dataflow/internal/adapters/repository/postgres"
	sqliterepo "github.com/flowgraph/dataflow/internal/adapters/repository/sqlite"
	"github.com/flowgraph/dataflow/internal/config"
	"github.com/flowgraph/dataflow/internal/core/cache"
	"github.com/flowgraph/dataflow/internal/core/flow"
	"github.com/flowgraph/dataflow/pkg/serialization"
)

// DefaultSQLiteDSN is used when a sqlite backend has no DSN.
const DefaultSQLiteDSN = "dataflow.db"

// OpenCache opens the configured cache backend. Backend "none" returns a
// nil service.
func OpenCache(ctx context.Context, cfg config.CacheConfig) (cache.Service, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "", "memory":
		return memcache.New(memcache.Config{DefaultTTL: cfg.TTL, MaxMemoryMB: cfg.MaxMemoryMB}), nil
	case "sqlite":
		c, err := sqlitecache.Open(ctx, sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, err
		}
		if cfg.TableName != "" {
			c.WithTableName(cfg.TableName)
			if err := c.CreateTables(ctx); err != nil {
				_ = c.Close()
				return nil, err
			}
		}
		return c.WithTTL(cfg.TTL), nil
	case "postgres":
		c, err := pgcache.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.TableName != "" {
			c.WithTableName(cfg.TableName)
			if err := c.CreateTables(ctx); err != nil {
				_ = c.Close()
				return nil, err
			}
		}
		return c.WithTTL(cfg.TTL), nil
	default:
		return nil, fmt.Errorf("%w: unknown cache backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

// OpenFlows opens the configured flow store. The returned func releases it.
func OpenFlows(ctx context.Context, cfg config.StoreConfig, ser *serialization.Serializer) (flow.Repository, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", "memory":
		return memrepo.NewFlowRepository(ser), noop, nil
	case "sqlite":
		r, err := sqliterepo.Open(ctx, sqliteDSN(cfg.DSN), ser)
		if err != nil {
			return nil, nil, err
		}
		if cfg.TableName != "" {
			r.WithTableName(cfg.TableName)
			if err := r.CreateTables(ctx); err != nil {
				_ = r.Close()
				return nil, nil, err
			}
		}
		return r, r.Close, nil
	case "postgres":
		r, err := pgrepo.Connect(ctx, cfg.DSN, ser)
		if err != nil {
			return nil, nil, err
		}
		if cfg.TableName != "" {
			r.WithTableName(cfg.TableName)
			if err := r.CreateTables(ctx); err != nil {
				r.Close()
				return nil, nil, err
			}
		}
		return r, func() error { r.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		return DefaultSQLiteDSN
	}
	return dsn
}
