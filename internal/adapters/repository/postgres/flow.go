// Package postgres stores flows in PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowgraph/dataflow/internal/core/cache"
	"github.com/flowgraph/dataflow/internal/core/flow"
	"github.com/flowgraph/dataflow/pkg/serialization"
)

// FlowRepository implements flow.Repository for PostgreSQL.
type FlowRepository struct {
	pool       *pgxpool.Pool
	serializer *serialization.Serializer
	tableName  string
}

// NewFlowRepository wraps a connection pool. A nil serializer selects
// serialization.Default.
func NewFlowRepository(pool *pgxpool.Pool, serializer *serialization.Serializer) *FlowRepository {
	if serializer == nil {
		serializer = serialization.Default()
	}
	return &FlowRepository{
		pool:       pool,
		serializer: serializer,
		tableName:  "flows",
	}
}

// Connect opens a pool for dsn and creates the tables.
func Connect(ctx context.Context, dsn string, serializer *serialization.Serializer) (*FlowRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	r := NewFlowRepository(pool, serializer)
	if err := r.CreateTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// WithTableName overrides the table name. Names that are not plain
// identifiers are ignored.
func (r *FlowRepository) WithTableName(name string) *FlowRepository {
	if cache.ValidIdentifier(name) {
		r.tableName = name
	}
	return r
}

// CreateTables creates the flows table and its indexes.
func (r *FlowRepository) CreateTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			endpoint_name TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			payload BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s (updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_%s_tags ON %s USING GIN (tags);
	`, r.tableName, r.tableName, r.tableName, r.tableName, r.tableName)

	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Save upserts f. The original creation time survives updates.
func (r *FlowRepository) Save(ctx context.Context, f *flow.Flow) error {
	if f == nil {
		return flow.ErrInvalidFlowID
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("flow validation failed: %w", err)
	}
	f.Touch(time.Now())

	payload, err := r.serializer.Marshal(f.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, description, endpoint_name, tags, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			endpoint_name = EXCLUDED.endpoint_name,
			tags = EXCLUDED.tags,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, r.tableName)

	_, err = r.pool.Exec(ctx, query,
		f.ID, f.Name, f.Description, f.EndpointName, tags, payload, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	return nil
}

// Get returns the flow with id.
func (r *FlowRepository) Get(ctx context.Context, id string) (*flow.Flow, error) {
	if id == "" {
		return nil, flow.ErrInvalidFlowID
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", columns, r.tableName)
	f, err := r.scan(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flow.ErrFlowNotFound
	}
	return f, err
}

// List returns matching flows, most recently updated first. Tag, time and
// paging conditions all run in SQL.
func (r *FlowRepository) List(ctx context.Context, filter flow.Filter) ([]*flow.Flow, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	query, args := r.buildListQuery(filter)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	flows := []*flow.Flow{}
	for rows.Next() {
		f, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	return flows, nil
}

// Delete removes a flow.
func (r *FlowRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return flow.ErrInvalidFlowID
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", r.tableName)
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flow.ErrFlowNotFound
	}
	return nil
}

// Close closes the connection pool
func (r *FlowRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

const columns = "id, name, description, endpoint_name, tags, payload, created_at, updated_at"

func (r *FlowRepository) scan(row pgx.Row) (*flow.Flow, error) {
	var (
		f       flow.Flow
		payload []byte
	)
	err := row.Scan(&f.ID, &f.Name, &f.Description, &f.EndpointName, &f.Tags, &payload, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan flow row: %w", err)
	}
	if err := r.serializer.Unmarshal(payload, &f.Payload); err != nil {
		return nil, fmt.Errorf("failed to deserialize payload: %w", err)
	}
	return &f, nil
}

func (r *FlowRepository) buildListQuery(filter flow.Filter) (string, []any) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1", columns, r.tableName)
	args := make([]any, 0)

	if len(filter.Tags) > 0 {
		args = append(args, filter.Tags)
		query += fmt.Sprintf(" AND tags @> $%d", len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND updated_at >= $%d", len(args))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		query += fmt.Sprintf(" AND updated_at < $%d", len(args))
	}

	query += " ORDER BY updated_at DESC, id ASC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
