// Package sqlite stores flows in a SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowgraph/dataflow/internal/core/cache"
	"github.com/flowgraph/dataflow/internal/core/flow"
	"github.com/flowgraph/dataflow/pkg/serialization"
)

// FlowRepository implements flow.Repository for SQLite.
type FlowRepository struct {
	db         *sql.DB
	serializer *serialization.Serializer
	tableName  string
}

// NewFlowRepository wraps an open database. Call CreateTables before first
// use. A nil serializer selects serialization.Default.
func NewFlowRepository(db *sql.DB, serializer *serialization.Serializer) *FlowRepository {
	if serializer == nil {
		serializer = serialization.Default()
	}
	return &FlowRepository{
		db:         db,
		serializer: serializer,
		tableName:  "flows",
	}
}

// Open opens (or creates) the database at dsn and its tables.
func Open(ctx context.Context, dsn string, serializer *serialization.Serializer) (*FlowRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	r := NewFlowRepository(db, serializer)
	if err := r.CreateTables(ctx); err != nil {
		_ = db.Close()
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

// CreateTables creates the flows table and its index.
func (r *FlowRepository) CreateTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			endpoint_name TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s (updated_at);
	`, r.tableName, r.tableName, r.tableName)

	if _, err := r.db.ExecContext(ctx, query); err != nil {
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
	tags, err := json.Marshal(nonNil(f.Tags))
	if err != nil {
		return fmt.Errorf("failed to serialize tags: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, description, endpoint_name, tags, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			endpoint_name = excluded.endpoint_name,
			tags = excluded.tags,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, r.tableName)

	_, err = r.db.ExecContext(ctx, query,
		f.ID, f.Name, f.Description, f.EndpointName, string(tags), payload,
		f.CreatedAt.UnixMilli(), f.UpdatedAt.UnixMilli())
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
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", columns, r.tableName)
	f, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.ErrFlowNotFound
	}
	return f, err
}

// List returns matching flows, most recently updated first.
func (r *FlowRepository) List(ctx context.Context, filter flow.Filter) ([]*flow.Flow, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	query, args := r.buildListQuery(filter)

	rows, err := r.db.QueryContext(ctx, query, args...)
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
		if filter.Matches(f) {
			flows = append(flows, f)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	if len(filter.Tags) > 0 {
		// tags are filtered after the query, so paging is too
		return filter.Page(flows), nil
	}
	return flows, nil
}

// Delete removes a flow.
func (r *FlowRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return flow.ErrInvalidFlowID
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", r.tableName)
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return flow.ErrFlowNotFound
	}
	return nil
}

// Close closes the database connection
func (r *FlowRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

const columns = "id, name, description, endpoint_name, tags, payload, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func (r *FlowRepository) scan(row scanner) (*flow.Flow, error) {
	var (
		f                    flow.Flow
		tags                 string
		payload              []byte
		createdAt, updatedAt int64
	)
	err := row.Scan(&f.ID, &f.Name, &f.Description, &f.EndpointName, &tags, &payload, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan flow row: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &f.Tags); err != nil {
		return nil, fmt.Errorf("failed to deserialize tags: %w", err)
	}
	if err := r.serializer.Unmarshal(payload, &f.Payload); err != nil {
		return nil, fmt.Errorf("failed to deserialize payload: %w", err)
	}
	f.CreatedAt = time.UnixMilli(createdAt)
	f.UpdatedAt = time.UnixMilli(updatedAt)
	return &f, nil
}

func (r *FlowRepository) buildListQuery(filter flow.Filter) (string, []any) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1", columns, r.tableName)
	args := make([]any, 0)

	if filter.Since != nil {
		query += " AND updated_at >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	if filter.Before != nil {
		query += " AND updated_at < ?"
		args = append(args, filter.Before.UnixMilli())
	}

	query += " ORDER BY updated_at DESC, id ASC"

	if len(filter.Tags) > 0 {
		return query, args
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}
	return query, args
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
